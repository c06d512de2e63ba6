package session

// ============================================================================
// Session Error Definitions
// Purpose: Errors surfaced by the external session and credential refresh
// ============================================================================

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized indicates the remote site rejected the session token
	// or the username/password.
	ErrUnauthorized = errors.New("session: unauthorized")

	// ErrLocked indicates another process holds the credential refresh lock.
	// It is a coordination signal, never reported to operators.
	ErrLocked = errors.New("session: credential file locked by another process")

	// ErrLockUnsupported is returned on platforms without advisory file locks.
	ErrLockUnsupported = errors.New("session: file locking not supported on this platform")
)

// PageLoadError reports that a request to the external resource failed.
// Actions return it (directly or wrapped) to signal a possible outage.
type PageLoadError struct {
	URL    string // requested URL
	Status int    // HTTP status, 0 when no response was received
	Err    error  // transport error, if any
}

func (e *PageLoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session: page load failed for %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("session: page load failed for %s: status %d", e.URL, e.Status)
}

func (e *PageLoadError) Unwrap() error {
	return e.Err
}

// IsPageLoad reports whether err is or wraps a *PageLoadError.
func IsPageLoad(err error) bool {
	var ple *PageLoadError
	return errors.As(err, &ple)
}
