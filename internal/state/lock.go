// SPDX-License-Identifier: AGPL-3.0-or-later
package state

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrBusy means another process already holds the job lock.
var ErrBusy = errors.New("another update job is already running")

// Lock is the process-wide file lock guarding job execution. The kernel
// drops a flock automatically when the holder dies, so a crashed run never
// wedges the host.
type Lock struct {
	f *os.File
}

// AcquireLock takes the lock at path without blocking. ErrBusy is returned
// when another process holds it.
func AcquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	// Best effort: record the holder for operators inspecting the host.
	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	return &Lock{f: f}, nil
}

// Release drops the lock. The lock file itself is left in place.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
