package ipc

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// lockMode selects between a shared (reader) and exclusive (writer) flock.
type lockMode int

const (
	lockShared    lockMode = unix.LOCK_SH
	lockExclusive lockMode = unix.LOCK_EX
)

// flock blocks until the lock is held, retrying when interrupted by a signal.
func flock(f *os.File, mode lockMode) error {
	for {
		err := unix.Flock(int(f.Fd()), int(mode))
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return fmt.Errorf("flock: %w", err)
	}
}

// funlock releases the lock. Closing the file also releases it, so errors here
// are only reported, never fatal.
func funlock(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("funlock: %w", err)
	}
	return nil
}
