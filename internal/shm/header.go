package shm

import (
	"fmt"
	"unsafe"
)

// Segment header layout. The payload area starts right after the header.
//
//	0x00 magic    [8]byte "SHMCHAN\0"
//	0x08 version  uint32
//	0x0C flags    uint32 (bit 0: pending, data written and not yet consumed)
//	0x10 capacity uint64 payload capacity in bytes
//	0x18 length   uint64 committed payload length
//	0x20 attached uint32 number of live attachments
//	0x24 owner    uint32 pid of the creating process
//	0x28-0x3F reserved
const (
	HeaderSize    = 64
	HeaderVersion = uint32(1)

	offMagic    = 0x00
	offVersion  = 0x08
	offFlags    = 0x0C
	offCapacity = 0x10
	offLength   = 0x18
	offAttached = 0x20
	offOwner    = 0x24

	flagPending = uint32(1)
)

var headerMagic = [8]byte{'S', 'H', 'M', 'C', 'H', 'A', 'N', 0}

// Header is a view of the segment header living at the start of a mapping.
type Header struct {
	base unsafe.Pointer
}

// NewHeader returns a header view of mem, which must hold at least HeaderSize bytes.
func NewHeader(mem []byte) *Header {
	return &Header{base: unsafe.Pointer(&mem[0])}
}

func (h *Header) at(off uintptr) unsafe.Pointer {
	return unsafe.Add(h.base, off)
}

// Init writes a fresh header for a payload of capacity bytes.
func (h *Header) Init(capacity uint64, owner int) {
	copy(unsafe.Slice((*byte)(h.at(offMagic)), len(headerMagic)), headerMagic[:])
	AtomicStoreUint32(h.at(offVersion), HeaderVersion)
	AtomicStoreUint32(h.at(offFlags), 0)
	AtomicStoreUint64(h.at(offCapacity), capacity)
	AtomicStoreUint64(h.at(offLength), 0)
	AtomicStoreUint32(h.at(offAttached), 0)
	AtomicStoreUint32(h.at(offOwner), uint32(owner))
}

// HeaderOf returns a validated header view of an attached mapping.
func HeaderOf(mem []byte) (*Header, error) {
	if len(mem) < HeaderSize+1 {
		return nil, fmt.Errorf("%w: mapping of %d bytes is too small", ErrInvalidSegment, len(mem))
	}
	h := NewHeader(mem)
	if err := h.Validate(len(mem)); err != nil {
		return nil, err
	}
	return h, nil
}

// Validate checks magic, version and that the capacity fits a mapping of size bytes.
func (h *Header) Validate(size int) error {
	if size <= HeaderSize {
		return fmt.Errorf("%w: mapping of %d bytes is too small", ErrInvalidSegment, size)
	}
	magic := unsafe.Slice((*byte)(h.at(offMagic)), len(headerMagic))
	if string(magic) != string(headerMagic[:]) {
		return fmt.Errorf("%w: bad magic %q", ErrInvalidSegment, magic)
	}
	if v := AtomicLoadUint32(h.at(offVersion)); v != HeaderVersion {
		return fmt.Errorf("%w: version %d, want %d", ErrInvalidSegment, v, HeaderVersion)
	}
	if c := h.Capacity(); c == 0 || c > uint64(size-HeaderSize) {
		return fmt.Errorf("%w: capacity %d does not fit %d mapped bytes", ErrInvalidSegment, c, size)
	}
	return nil
}

func (h *Header) Capacity() uint64 { return AtomicLoadUint64(h.at(offCapacity)) }

func (h *Header) Length() uint64 { return AtomicLoadUint64(h.at(offLength)) }

func (h *Header) SetLength(n uint64) { AtomicStoreUint64(h.at(offLength), n) }

func (h *Header) Owner() int { return int(AtomicLoadUint32(h.at(offOwner))) }

// Attach counts one more attachment and returns the new count.
func (h *Header) Attach() uint32 { return AtomicAddUint32(h.at(offAttached), 1) }

// Detach counts one attachment less and returns the new count.
func (h *Header) Detach() uint32 { return AtomicDecrementUint32(h.at(offAttached)) }

func (h *Header) Attached() uint32 { return AtomicLoadUint32(h.at(offAttached)) }

func (h *Header) Pending() bool {
	return AtomicLoadUint32(h.at(offFlags))&flagPending != 0
}

func (h *Header) SetPending(pending bool) {
	for {
		old := AtomicLoadUint32(h.at(offFlags))
		v := old &^ flagPending
		if pending {
			v |= flagPending
		}
		if AtomicCompareAndSwapUint32(h.at(offFlags), old, v) {
			return
		}
	}
}
