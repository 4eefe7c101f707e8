package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"
)

const lockRetryDelay = 20 * time.Millisecond

// Lock is an exclusive lock on a store's lock file. flock locks belong to
// the open file description, so two Locks on the same path conflict even
// inside one process.
type Lock struct {
	fl *flock.Flock
}

// AcquireLock blocks until the lock at path is held. With a non-zero timeout
// it gives up after that long and returns ErrLockTimeout. Cancelling ctx
// aborts the wait with ctx.Err().
func AcquireLock(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	// ensure the lock file exists
	fh, err := os.OpenFile(path, os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	if err := fh.Close(); err != nil {
		return nil, fmt.Errorf("create lock file: %w", err)
	}

	fl := flock.New(path)
	log.Debugf("locking %s...", path)

	if timeout <= 0 && ctx.Done() == nil {
		if err := fl.Lock(); err != nil {
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		return &Lock{fl: fl}, nil
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ok, err := fl.TryLockContext(waitCtx, lockRetryDelay)
	switch {
	case ok:
		return &Lock{fl: fl}, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case err == nil, errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, path, timeout)
	default:
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.fl.Path() }

// Release unlocks and closes the lock file.
func (l *Lock) Release() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("unlock %s: %w", l.fl.Path(), err)
	}
	log.Debugf("unlocked %s", l.fl.Path())
	return nil
}
