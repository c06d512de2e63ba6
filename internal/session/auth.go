package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRefreshPollInterval is how often a process that lost the refresh
// lock re-reads the cookie file.
const DefaultRefreshPollInterval = time.Second

// Authenticator opens a session from the shared cookie file, refreshing the
// cached token with username/password when the site rejects it.
//
// Only one process refreshes at a time: the refresher holds a non-blocking
// flock on CookieFile+".lock". A process that loses the lock polls the cookie
// file until its content changes and adopts the new token.
type Authenticator struct {
	CookieFile string
	Username   string
	Password   string
	Dialer     Dialer

	PollInterval time.Duration
	Log          *slog.Logger
}

func (a *Authenticator) logger() *slog.Logger {
	if a.Log != nil {
		return a.Log
	}
	return slog.Default()
}

func (a *Authenticator) pollInterval() time.Duration {
	if a.PollInterval > 0 {
		return a.PollInterval
	}
	return DefaultRefreshPollInterval
}

// LockPath is the advisory lock file guarding credential refresh.
func (a *Authenticator) LockPath() string {
	return a.CookieFile + ".lock"
}

// Connect returns a session using the cached token, refreshing it if needed.
func (a *Authenticator) Connect(ctx context.Context) (Session, error) {
	cached, err := ReadToken(a.CookieFile)
	if err != nil {
		return nil, err
	}

	s, err := a.Dialer.WithCookie(ctx, cached)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrUnauthorized) {
		return nil, fmt.Errorf("failed to open session with cached cookie: %w", err)
	}

	token, err := a.refresh(ctx, cached)
	if err != nil {
		return nil, err
	}

	s, err = a.Dialer.WithCookie(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to open session with refreshed cookie: %w", err)
	}
	return s, nil
}

// refresh obtains a token different from stale, either by logging in under
// the lock or by waiting for the lock holder to publish one.
func (a *Authenticator) refresh(ctx context.Context, stale string) (string, error) {
	lock, err := TryLock(a.LockPath())
	if errors.Is(err, ErrLocked) {
		a.logger().Warn("Another process has locked the cookie file. Polling until a new cookie is written.",
			"cookie_file", a.CookieFile)
		return a.awaitChange(ctx, stale)
	}
	if err != nil {
		return "", err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			a.logger().Warn("failed to release cookie lock", "error", err)
		}
	}()

	// a previous lock holder may have finished between our read and our lock
	current, err := ReadToken(a.CookieFile)
	if err != nil {
		return "", err
	}
	if current != stale {
		return current, nil
	}

	token, err := a.Dialer.Login(ctx, a.Username, a.Password)
	if err != nil {
		return "", fmt.Errorf("failed to log in as %s: %w", a.Username, err)
	}
	if err := WriteToken(a.CookieFile, token); err != nil {
		return "", err
	}
	a.logger().Info("Refreshed session cookie", "cookie_file", a.CookieFile)
	return token, nil
}

func (a *Authenticator) awaitChange(ctx context.Context, stale string) (string, error) {
	ticker := time.NewTicker(a.pollInterval())
	defer ticker.Stop()

	for {
		token, err := ReadToken(a.CookieFile)
		if err != nil {
			return "", err
		}
		if token != stale {
			return token, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}
