package pool

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFileName lives at the top of the jail tree.
const LockFileName = ".fcsandbox.lock"

// HostLock keeps two daemons from managing the same jail tree.
type HostLock struct {
	fl *flock.Flock
}

// LockHost takes the exclusive lock for rootDir without blocking.
func LockHost(rootDir string) (*HostLock, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating jail root: %w", err)
	}
	fl := flock.New(filepath.Join(rootDir, LockFileName))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", fl.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("another fcsandbox daemon owns %s", rootDir)
	}
	return &HostLock{fl: fl}, nil
}

// Path of the lock file.
func (l *HostLock) Path() string {
	return l.fl.Path()
}

// Unlock releases the lock.
func (l *HostLock) Unlock() error {
	return l.fl.Unlock()
}
