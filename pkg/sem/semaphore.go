// Package sem implements named counting semaphores shared between processes.
//
// A semaphore is a small file, shmchan.sem.<name>, mapped from the channel directory. Its count
// word is changed with atomic operations; blocked waiters sleep on the word with a
// shared futex on Linux and poll it elsewhere.
package sem

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unsafe"

	internalshm "github.com/srediag/shmchan/internal/shm"
)

// File layout.
//
//	0x00 magic   [8]byte "SHMSEM\0\0"
//	0x08 count   uint32
//	0x0C waiters uint32
const (
	fileSize   = 16
	offMagic   = 0x00
	offCount   = 0x08
	offWaiters = 0x0C

	// openAttempts bounds the create/open race with a peer unlinking the name.
	openAttempts = 8
)

// filePrefix keeps semaphore files apart from glibc's sem_open files, which use "sem.".
const filePrefix = "shmchan.sem."

var magic = [8]byte{'S', 'H', 'M', 'S', 'E', 'M', 0, 0}

var (
	ErrClosed      = errors.New("sem: semaphore is closed")
	ErrInvalidName = internalshm.ErrInvalidName
	ErrCorrupt     = errors.New("sem: invalid semaphore file")

	errTimeout = errors.New("sem: wait timed out")
)

// Semaphore is a handle to a named counting semaphore. Handles are safe for
// concurrent use, except that Close must not race with other calls.
type Semaphore struct {
	name   string
	dir    string
	region *internalshm.MappedRegion
	count  unsafe.Pointer
	waits  unsafe.Pointer
}

// FileName returns the file name backing the semaphore name.
func FileName(name string) string {
	return filePrefix + name
}

// Open opens the named semaphore in dir, creating it with the initial count when it
// does not exist yet. An existing semaphore keeps its current count.
func Open(dir, name string, initial uint32) (*Semaphore, error) {
	if dir == "" {
		dir = internalshm.DefaultDir()
	}
	file := FileName(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty semaphore name", ErrInvalidName)
	}
	if err := internalshm.ValidName(file); err != nil {
		return nil, fmt.Errorf("%w: %q", err, name)
	}

	var lastErr error
	for i := 0; i < openAttempts; i++ {
		region, err := internalshm.MapRegion(context.Background(), internalshm.MapOptions{
			Name:   file,
			Dir:    dir,
			Size:   fileSize,
			Create: true,
			Init: func(mem []byte) error {
				copy(mem[offMagic:], magic[:])
				internalshm.AtomicStoreUint32(unsafe.Pointer(&mem[offCount]), initial)
				internalshm.AtomicStoreUint32(unsafe.Pointer(&mem[offWaiters]), 0)
				return nil
			},
		})
		if errors.Is(err, internalshm.ErrExist) {
			region, err = internalshm.MapRegion(context.Background(), internalshm.MapOptions{
				Name: file,
				Dir:  dir,
			})
			if errors.Is(err, internalshm.ErrNotExist) {
				// unlinked between our create and open attempts
				lastErr = err
				continue
			}
		}
		if err != nil {
			return nil, fmt.Errorf("open semaphore %s: %w", name, err)
		}
		s, err := newSemaphore(dir, name, region)
		if err != nil {
			_ = internalshm.UnmapRegion(context.Background(), region)
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("open semaphore %s: %w", name, lastErr)
}

func newSemaphore(dir, name string, region *internalshm.MappedRegion) (*Semaphore, error) {
	mem := region.Addr
	if len(mem) < fileSize || string(mem[offMagic:offMagic+len(magic)]) != string(magic[:]) {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, region.Path)
	}
	return &Semaphore{
		name:   name,
		dir:    dir,
		region: region,
		count:  unsafe.Pointer(&mem[offCount]),
		waits:  unsafe.Pointer(&mem[offWaiters]),
	}, nil
}

func (s *Semaphore) Name() string { return s.name }

// Path returns the file backing the semaphore.
func (s *Semaphore) Path() string { return internalshm.RegionPath(s.dir, FileName(s.name)) }

// Value returns the current count.
func (s *Semaphore) Value() uint32 {
	if s.region == nil {
		return 0
	}
	return internalshm.AtomicLoadUint32(s.count)
}

func (s *Semaphore) tryDecrement() bool {
	for {
		v := internalshm.AtomicLoadUint32(s.count)
		if v == 0 {
			return false
		}
		if internalshm.AtomicCompareAndSwapUint32(s.count, v, v-1) {
			return true
		}
	}
}

// TryAcquire decrements the count if it is positive and reports whether it did.
func (s *Semaphore) TryAcquire() (bool, error) {
	if s.region == nil {
		return false, ErrClosed
	}
	return s.tryDecrement(), nil
}

// Acquire blocks until the count is positive, then decrements it.
func (s *Semaphore) Acquire() error {
	_, err := s.acquire(0)
	return err
}

// AcquireTimeout is Acquire bounded by d. It reports false when d elapsed first.
// A non-positive d behaves like TryAcquire.
func (s *Semaphore) AcquireTimeout(d time.Duration) (bool, error) {
	if d <= 0 {
		return s.TryAcquire()
	}
	return s.acquire(d)
}

func (s *Semaphore) acquire(d time.Duration) (bool, error) {
	if s.region == nil {
		return false, ErrClosed
	}
	var deadline time.Time
	if d > 0 {
		deadline = time.Now().Add(d)
	}
	for {
		if s.tryDecrement() {
			return true, nil
		}
		var timeout time.Duration
		if d > 0 {
			timeout = time.Until(deadline)
			if timeout <= 0 {
				return false, nil
			}
		}
		internalshm.AtomicAddUint32(s.waits, 1)
		err := wait(s.count, 0, timeout)
		internalshm.AtomicDecrementUint32(s.waits)
		switch {
		case errors.Is(err, errTimeout):
			// the loop re-checks the count and the deadline
		case err != nil:
			return false, fmt.Errorf("wait on semaphore %s: %w", s.name, err)
		}
	}
}

// Release increments the count and wakes one waiter.
func (s *Semaphore) Release() error {
	if s.region == nil {
		return ErrClosed
	}
	internalshm.AtomicAddUint32(s.count, 1)
	if internalshm.AtomicLoadUint32(s.waits) > 0 {
		if err := wake(s.count, 1); err != nil {
			return fmt.Errorf("wake semaphore %s: %w", s.name, err)
		}
	}
	return nil
}

// Close unmaps the semaphore. The name and its count persist.
func (s *Semaphore) Close() error {
	if s.region == nil {
		return ErrClosed
	}
	err := internalshm.UnmapRegion(context.Background(), s.region)
	s.region = nil
	s.count = nil
	s.waits = nil
	return err
}

// Unlink removes the named semaphore from dir. Open handles keep working.
func Unlink(dir, name string) error {
	err := internalshm.RemoveRegion(dir, FileName(name))
	if errors.Is(err, internalshm.ErrNotExist) {
		return nil
	}
	return err
}
