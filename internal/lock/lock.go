// Package lock serializes vmbackup runs on a host with flock(2), so two
// overlapping runs never fight over the same clones and snapshots.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const retryDelay = 500 * time.Millisecond

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("another vmbackup run holds the lock")

// RunLock is a held run lock.
type RunLock struct {
	fl *flock.Flock
}

// Acquire takes the lock at path. With wait zero it fails immediately with
// ErrLocked when the lock is held; otherwise it retries until wait elapses
// or ctx is cancelled.
func Acquire(ctx context.Context, path string, wait time.Duration) (*RunLock, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create lock directory: %w", err)
		}
	}

	fl := flock.New(path)

	var (
		ok  bool
		err error
	)
	if wait <= 0 {
		ok, err = fl.TryLock()
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		ok, err = fl.TryLockContext(waitCtx, retryDelay)
		if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			ok, err = false, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("acquire flock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	return &RunLock{fl: fl}, nil
}

// Path returns the lock file path.
func (l *RunLock) Path() string {
	return l.fl.Path()
}

// Release releases the lock. It is safe to call more than once.
func (l *RunLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release flock %s: %w", l.fl.Path(), err)
	}
	return nil
}
