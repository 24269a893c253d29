// Package shm provides the shared memory segment of a single-slot handoff channel.
//
// A Segment is a named file (under /dev/shm by default) mapped into the process. It
// carries a small internal header followed by the payload area; only the payload area
// is handed out. Access to the payload must be bracketed by Lock and Unlock.
//
// Example usage:
//
//	seg := shm.New(shm.Options{Name: "chan1"})
//	if err := seg.Create(4096); err != nil {
//	  // ...
//	}
//	defer seg.Detach()
//	if err := seg.Lock(); err == nil {
//	  copy(seg.Data(), payload)
//	  seg.SetLen(len(payload))
//	  _ = seg.Unlock()
//	}
package shm
