//go:build !windows
// +build !windows

package store

import (
	"fmt"
	"os"
	"syscall"
)

// flockExclusive takes the writer lock on f, blocking until no other
// process holds any lock on it.
func flockExclusive(f *os.File) error {
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("exclusive lock on %s: %w", f.Name(), err)
	}
	return nil
}

// flockShared takes a reader lock on f. Any number of readers may hold
// it at once; a writer waits for all of them.
func flockShared(f *os.File) error {
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH); err != nil {
		return fmt.Errorf("shared lock on %s: %w", f.Name(), err)
	}
	return nil
}

// funlock drops whichever lock this process holds on f.
func funlock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
