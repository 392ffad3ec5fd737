package config

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"

	"chirri/internal/common"
)

// RootLock keeps other chirri processes out of one backup root.
type RootLock struct {
	lock *flock.Flock
}

// LockPath returns the lock file of a backup root.
func LockPath(root string) string {
	return filepath.Join(root, common.LockFileName)
}

// LockRoot takes the exclusive lock of a backup root without waiting.
func LockRoot(root string) (*RootLock, error) {
	l := flock.New(LockPath(root))
	locked, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", common.ErrLocked, root)
	}
	return &RootLock{lock: l}, nil
}

// Unlock releases the lock. The lock file stays in place.
func (l *RootLock) Unlock() error {
	if l == nil || l.lock == nil {
		return nil
	}
	return l.lock.Unlock()
}
