//go:build linux

package sem

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	internalshm "github.com/srediag/shmchan/internal/shm"
)

// Shared futex operations; the words live in memory mapped by several processes, so
// the private variants must not be used.
const (
	futexWait = 0
	futexWake = 1
)

// wait sleeps while the word at addr equals val, at most timeout when positive.
// Spurious returns are allowed; callers re-check their condition.
func wait(addr unsafe.Pointer, val uint32, timeout time.Duration) error {
	if internalshm.AtomicLoadUint32(addr) != val {
		return nil
	}
	var ts *unix.Timespec
	if timeout > 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(addr), futexWait, uintptr(val),
		uintptr(unsafe.Pointer(ts)), 0, 0)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return errTimeout
	default:
		return fmt.Errorf("futex wait: %w", errno)
	}
}

// wake wakes up to n waiters sleeping on addr.
func wake(addr unsafe.Pointer, n int) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(addr), futexWake, uintptr(n), 0, 0, 0)
	if errno != 0 {
		return fmt.Errorf("futex wake: %w", errno)
	}
	return nil
}
