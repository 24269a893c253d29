package shm

import (
	"context"
	"errors"
	"fmt"

	"github.com/srediag/shmchan/internal/logging"
	internalshm "github.com/srediag/shmchan/internal/shm"
)

var (
	ErrExist          = internalshm.ErrExist
	ErrNotExist       = internalshm.ErrNotExist
	ErrInvalidName    = internalshm.ErrInvalidName
	ErrInvalidSegment = internalshm.ErrInvalidSegment
	ErrNoSpace        = internalshm.ErrNoSpace

	ErrNotAttached     = errors.New("shm: segment is not attached")
	ErrAlreadyAttached = errors.New("shm: segment is already attached")
	ErrNotLocked       = errors.New("shm: segment is not locked")
)

// Options configures a Segment handle.
type Options struct {
	// Name is the segment name, a single file name.
	Name string
	// Dir holds the segment file; /dev/shm (or the temp dir) when empty.
	Dir    string
	Logger *logging.Logger
}

// Segment is a handle to a named shared memory segment. It starts unmapped; Create or
// Attach map it and Detach or Destroy unmap it again. A Segment is not safe for
// concurrent use.
type Segment struct {
	name   string
	dir    string
	log    *logging.Logger
	region *internalshm.MappedRegion
	hdr    *internalshm.Header
	locked bool
}

// New returns an unmapped handle.
func New(opts Options) *Segment {
	dir := opts.Dir
	if dir == "" {
		dir = internalshm.DefaultDir()
	}
	return &Segment{name: opts.Name, dir: dir, log: opts.Logger}
}

// OpenOptions defines options for creating or opening a segment in one call.
type OpenOptions struct {
	Options
	// Size is the payload capacity when creating.
	Size int
	// Create indicates whether to create a new segment or attach an existing one.
	Create bool
}

// Open creates or attaches a segment with the given options.
func Open(ctx context.Context, opts OpenOptions) (*Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := New(opts.Options)
	var err error
	if opts.Create {
		err = s.Create(opts.Size)
	} else {
		err = s.Attach()
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Segment) Name() string { return s.name }

func (s *Segment) Dir() string { return s.dir }

// Path returns the file backing the segment name.
func (s *Segment) Path() string { return internalshm.RegionPath(s.dir, s.name) }

func (s *Segment) Attached() bool { return s.region != nil }

// Create maps a new segment with a payload capacity of exactly size bytes. It fails
// with ErrExist when a segment of that name already exists.
func (s *Segment) Create(size int) error {
	if s.region != nil {
		return ErrAlreadyAttached
	}
	if size <= 0 {
		return fmt.Errorf("shm: invalid segment size %d", size)
	}
	region, err := internalshm.MapRegion(context.Background(), internalshm.MapOptions{
		Name:   s.name,
		Dir:    s.dir,
		Size:   internalshm.HeaderSize + size,
		Create: true,
		Init: func(mem []byte) error {
			h := internalshm.NewHeader(mem)
			h.Init(uint64(size), internalshm.Getpid())
			h.Attach()
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("create segment %s: %w", s.name, err)
	}
	s.region = region
	s.hdr = internalshm.NewHeader(region.Addr)
	s.log.Debugf("created segment %s capacity=%d", region.Path, size)
	return nil
}

// Attach maps an existing segment created by another endpoint or process.
func (s *Segment) Attach() error {
	if s.region != nil {
		return ErrAlreadyAttached
	}
	region, err := internalshm.MapRegion(context.Background(), internalshm.MapOptions{
		Name: s.name,
		Dir:  s.dir,
	})
	if err != nil {
		return fmt.Errorf("attach segment %s: %w", s.name, err)
	}
	hdr, err := internalshm.HeaderOf(region.Addr)
	if err != nil {
		_ = internalshm.UnmapRegion(context.Background(), region)
		return fmt.Errorf("attach segment %s: %w", s.name, err)
	}
	s.region = region
	s.hdr = hdr
	n := s.hdr.Attach()
	s.log.Debugf("attached segment %s capacity=%d attached=%d", region.Path, hdr.Capacity(), n)
	return nil
}

// Lock takes exclusive access to the mapped bytes.
func (s *Segment) Lock() error {
	if s.region == nil {
		return ErrNotAttached
	}
	if err := internalshm.LockRegion(s.region); err != nil {
		return fmt.Errorf("lock segment %s: %w", s.name, err)
	}
	s.locked = true
	return nil
}

// Unlock releases the lock taken by Lock.
func (s *Segment) Unlock() error {
	if s.region == nil {
		return ErrNotAttached
	}
	if !s.locked {
		return ErrNotLocked
	}
	if err := internalshm.UnlockRegion(s.region); err != nil {
		return fmt.Errorf("unlock segment %s: %w", s.name, err)
	}
	s.locked = false
	return nil
}

// Detach unmaps the segment. The last detach removes the segment name unless the
// segment still holds data nobody consumed.
func (s *Segment) Detach() error {
	return s.detach(false)
}

// Destroy unmaps the segment and removes its name unconditionally.
func (s *Segment) Destroy() error {
	return s.detach(true)
}

func (s *Segment) detach(force bool) error {
	if s.region == nil {
		return ErrNotAttached
	}
	var errs []error
	if s.locked {
		if err := s.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	left := s.hdr.Detach()
	remove := force || (left == 0 && !s.hdr.Pending())
	// The name may already be gone, or belong to a newer segment, when a peer got
	// there first.
	if remove && internalshm.OwnsName(s.region) {
		if err := internalshm.RemoveRegion(s.dir, s.name); err != nil && !errors.Is(err, ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove segment %s: %w", s.name, err))
		} else {
			s.log.Debugf("removed segment %s", s.region.Path)
		}
	}
	if err := internalshm.UnmapRegion(context.Background(), s.region); err != nil {
		errs = append(errs, fmt.Errorf("detach segment %s: %w", s.name, err))
	}
	s.region = nil
	s.hdr = nil
	return errors.Join(errs...)
}

// Published reports whether the segment name still refers to this mapping. It turns
// false once the name was removed, or taken by a newer segment, behind the handle's
// back.
func (s *Segment) Published() bool {
	return s.region != nil && internalshm.OwnsName(s.region)
}

// Owner returns the pid of the process that created the segment, 0 when unmapped.
func (s *Segment) Owner() int {
	if s.hdr == nil {
		return 0
	}
	return s.hdr.Owner()
}

// OwnerAlive reports whether the creating process still runs. A pid from another pid
// namespace reads as gone, so this is a hint for diagnostics only.
func (s *Segment) OwnerAlive() bool {
	return s.hdr != nil && internalshm.ProcessAlive(s.hdr.Owner())
}

// Data returns the whole payload area, Cap bytes long. Nil when unmapped.
func (s *Segment) Data() []byte {
	if s.region == nil {
		return nil
	}
	return s.region.Addr[internalshm.HeaderSize : internalshm.HeaderSize+s.Cap()]
}

// Bytes returns the committed part of the payload area, Len bytes long.
func (s *Segment) Bytes() []byte {
	if s.region == nil {
		return nil
	}
	return s.Data()[:s.Len()]
}

// Cap returns the payload capacity fixed at creation.
func (s *Segment) Cap() int {
	if s.hdr == nil {
		return 0
	}
	return int(s.hdr.Capacity())
}

// Len returns the committed payload length.
func (s *Segment) Len() int {
	if s.hdr == nil {
		return 0
	}
	n := int(s.hdr.Length())
	if c := s.Cap(); n > c {
		return c
	}
	return n
}

// SetLen records the committed payload length, clamped to Cap.
func (s *Segment) SetLen(n int) {
	if s.hdr == nil {
		return
	}
	if n < 0 {
		n = 0
	}
	if c := s.Cap(); n > c {
		n = c
	}
	s.hdr.SetLength(uint64(n))
}

// MarkPending flags the segment as holding data that was not consumed yet.
func (s *Segment) MarkPending() {
	if s.hdr != nil {
		s.hdr.SetPending(true)
	}
}

// ClearPending clears the flag set by MarkPending.
func (s *Segment) ClearPending() {
	if s.hdr != nil {
		s.hdr.SetPending(false)
	}
}

func (s *Segment) Pending() bool {
	return s.hdr != nil && s.hdr.Pending()
}

// Remove deletes the segment name in dir without mapping it.
func Remove(dir, name string) error {
	return internalshm.RemoveRegion(dir, name)
}

// DefaultDir returns the directory used when Options.Dir is empty.
func DefaultDir() string {
	return internalshm.DefaultDir()
}
