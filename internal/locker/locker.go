// Package locker provides cross-process mutual exclusion for pool
// reconciliation. Locks are advisory file locks keyed by pool id, so a
// crashed process releases its locks automatically.
package locker

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// PoolLocker hands out per-pool locks backed by lock files in a shared
// directory.
type PoolLocker struct {
	dir string
}

// NewPoolLocker creates a locker using dir for its lock files
func NewPoolLocker(dir string) (*PoolLocker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &PoolLocker{dir: dir}, nil
}

// TryLock attempts to acquire the lock of a pool without blocking. On
// success it returns a release function that must be called on every exit
// path. When the lock is held elsewhere it returns ok=false immediately;
// the caller must drop the attempt rather than queue.
func (l *PoolLocker) TryLock(poolID int64) (release func(), ok bool, err error) {
	lock := flock.New(filepath.Join(l.dir, fmt.Sprintf("pool%d.lck", poolID)))

	locked, err := lock.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock for pool %d: %w", poolID, err)
	}
	if !locked {
		return nil, false, nil
	}
	return func() { _ = lock.Unlock() }, true, nil
}
