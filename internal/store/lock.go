package store

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/flock"

	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/debug"
)

const (
	// lockTimeout bounds the wait for another sync run to finish.
	lockTimeout = 30 * time.Second

	// lockPollInterval is how often to retry acquiring the lock.
	lockPollInterval = 50 * time.Millisecond
)

// Lock serializes sync runs against one workspace. Exclusive only: a
// run rewrites the store wholesale, so concurrent readers get no
// guarantees worth having.
type Lock struct {
	flock *flock.Flock
}

// NewLock creates the workspace sync lock under the .weft directory.
func NewLock(weftDir string) *Lock {
	return &Lock{flock: flock.New(config.LockPath(weftDir))}
}

// Acquire takes the lock, polling until it is free or ctx or the
// timeout gives up.
func (l *Lock) Acquire(ctx context.Context) error {
	start := time.Now()
	timeoutCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	for {
		locked, err := l.flock.TryLock()
		if err != nil {
			return fmt.Errorf("failed to acquire sync lock: %w", err)
		}
		if locked {
			debug.Logf("acquired sync lock after %v: %s", time.Since(start), l.flock.Path())
			return nil
		}

		select {
		case <-timeoutCtx.Done():
			return fmt.Errorf(
				"timeout waiting for sync lock after %v (another sync may be running - try again in a moment)",
				time.Since(start).Round(time.Millisecond),
			)
		case <-time.After(lockPollInterval):
		}
	}
}

// TryAcquire attempts to take the lock without blocking.
func (l *Lock) TryAcquire() (bool, error) {
	locked, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire sync lock: %w", err)
	}
	if locked {
		debug.Logf("acquired sync lock: %s", l.flock.Path())
	}
	return locked, nil
}

// Release releases the lock. Safe to call more than once.
func (l *Lock) Release() error {
	if l.flock == nil {
		return nil
	}
	debug.Logf("releasing sync lock: %s", l.flock.Path())
	return l.flock.Unlock()
}

// WithLock runs fn while holding the workspace sync lock.
func WithLock(ctx context.Context, weftDir string, fn func() error) error {
	lock := NewLock(weftDir)
	if err := lock.Acquire(ctx); err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()
	return fn()
}
