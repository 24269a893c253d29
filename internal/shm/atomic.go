package shm

import (
	"sync/atomic"
	"unsafe"
)

// Shared words must be naturally aligned inside the mapping; mmap returns
// page-aligned memory, so fixed offsets that are multiples of the word size suffice.

// AtomicLoadUint64 loads a uint64 from shared memory atomically.
func AtomicLoadUint64(addr unsafe.Pointer) uint64 {
	return atomic.LoadUint64((*uint64)(addr))
}

// AtomicStoreUint64 stores a uint64 to shared memory atomically.
func AtomicStoreUint64(addr unsafe.Pointer, val uint64) {
	atomic.StoreUint64((*uint64)(addr), val)
}

// AtomicLoadUint32 loads a uint32 from shared memory atomically.
func AtomicLoadUint32(addr unsafe.Pointer) uint32 {
	return atomic.LoadUint32((*uint32)(addr))
}

// AtomicStoreUint32 stores a uint32 to shared memory atomically.
func AtomicStoreUint32(addr unsafe.Pointer, val uint32) {
	atomic.StoreUint32((*uint32)(addr), val)
}

// AtomicAddUint32 adds delta to a uint32 in shared memory and returns the new value.
func AtomicAddUint32(addr unsafe.Pointer, delta uint32) uint32 {
	return atomic.AddUint32((*uint32)(addr), delta)
}

// AtomicCompareAndSwapUint32 atomically compares and swaps a uint32 in shared memory.
func AtomicCompareAndSwapUint32(addr unsafe.Pointer, old, new uint32) bool {
	return atomic.CompareAndSwapUint32((*uint32)(addr), old, new)
}

// AtomicDecrementUint32 decrements a uint32 without wrapping below zero and
// returns the new value.
func AtomicDecrementUint32(addr unsafe.Pointer) uint32 {
	for {
		v := AtomicLoadUint32(addr)
		if v == 0 {
			return 0
		}
		if AtomicCompareAndSwapUint32(addr, v, v-1) {
			return v - 1
		}
	}
}
