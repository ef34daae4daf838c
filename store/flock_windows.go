//go:build windows
// +build windows

package store

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"
)

var (
	kernel32         = syscall.NewLazyDLL("kernel32.dll")
	procLockFileEx   = kernel32.NewProc("LockFileEx")
	procUnlockFileEx = kernel32.NewProc("UnlockFileEx")
)

const lockfileExclusiveLock = 0x00000002

// lockCall locks the first byte only; every caller locks the same
// range, which is enough to serialize access to the whole file.
func lockCall(proc *syscall.LazyProc, fd uintptr, flags uintptr) error {
	var ov syscall.Overlapped
	ret, _, err := proc.Call(fd, flags, 0, 1, 0, uintptr(unsafe.Pointer(&ov)))
	if ret == 0 {
		return err
	}
	return nil
}

// flockExclusive takes the writer lock on f, blocking until granted.
func flockExclusive(f *os.File) error {
	if err := lockCall(procLockFileEx, f.Fd(), lockfileExclusiveLock); err != nil {
		return fmt.Errorf("exclusive lock on %s: %w", f.Name(), err)
	}
	return nil
}

// flockShared takes a reader lock on f. LockFileEx without the
// exclusive flag grants a shared lock.
func flockShared(f *os.File) error {
	if err := lockCall(procLockFileEx, f.Fd(), 0); err != nil {
		return fmt.Errorf("shared lock on %s: %w", f.Name(), err)
	}
	return nil
}

// funlock drops whichever lock this process holds on f. UnlockFileEx
// takes no flags word, so it cannot share lockCall.
func funlock(f *os.File) error {
	var ov syscall.Overlapped
	ret, _, err := procUnlockFileEx.Call(f.Fd(), 0, 1, 0, uintptr(unsafe.Pointer(&ov)))
	if ret == 0 {
		return fmt.Errorf("unlock %s: %w", f.Name(), err)
	}
	return nil
}
