//go:build !unix

package session

// FileLock is unavailable on this platform.
type FileLock struct{}

// TryLock always fails with ErrLockUnsupported.
func TryLock(path string) (*FileLock, error) {
	return nil, ErrLockUnsupported
}

// Release is a no-op.
func (l *FileLock) Release() error { return nil }
