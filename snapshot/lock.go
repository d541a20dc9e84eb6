// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package snapshot

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// LockName is the name of the lock file at the top of a backup root.
const LockName = ".lock"

// Lock is an advisory lock on a backup root, held for the duration of a
// backup or a receive.
type Lock struct {
	f *os.File
}

// LockRoot takes an exclusive lock on the given backup root without
// waiting. If another run holds it, ErrLocked is returned.
func LockRoot(root string) (*Lock, error) {
	fn := filepath.Join(root, LockName)
	f, err := os.OpenFile(fn, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("%s: %w", root, ErrLocked)
		}
		return nil, fmt.Errorf("%s: %w", fn, err)
	}
	return &Lock{f: f}, nil
}

// Unlock releases the lock. The lock file itself is left in place.
func (l *Lock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
