//go:build unix && !linux

package sem

import (
	"errors"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"

	internalshm "github.com/srediag/shmchan/internal/shm"
)

var errUnchanged = errors.New("sem: value unchanged")

// wait polls the word at addr until it differs from val, backing off up to 10ms
// between reads.
func wait(addr unsafe.Pointer, val uint32, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = 10 * time.Millisecond
	b.MaxElapsedTime = timeout
	err := backoff.Retry(func() error {
		if internalshm.AtomicLoadUint32(addr) != val {
			return nil
		}
		return errUnchanged
	}, b)
	if err != nil {
		return errTimeout
	}
	return nil
}

// wake is a no-op; pollers notice the new value on their own.
func wake(addr unsafe.Pointer, n int) error {
	return nil
}
