package channel

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyInTransaction = errors.New("shmchan: already in transaction")
	ErrNotInTransaction     = errors.New("shmchan: not in transaction")
	ErrInvalidArgument      = errors.New("shmchan: invalid argument")
	// ErrSegmentUnavailable means the segment could not be created even after
	// reclaiming a stale one. A leftover OS object is the usual cause; remove it with
	// `shmchan clean` or restart the host.
	ErrSegmentUnavailable = errors.New("shmchan: shared segment unavailable")
	ErrAttach             = errors.New("shmchan: cannot attach to shared segment")
	ErrLock               = errors.New("shmchan: cannot lock shared segment")
	ErrSync               = errors.New("shmchan: semaphore operation failed")
	ErrNotReady           = errors.New("shmchan: no data available")
	ErrClosed             = errors.New("shmchan: endpoint is closed")
)

// Kind classifies an error returned by an endpoint.
type Kind string

const (
	KindNone                 Kind = "none"
	KindAlreadyInTransaction Kind = "already_in_transaction"
	KindNotInTransaction     Kind = "not_in_transaction"
	KindInvalidArgument      Kind = "invalid_argument"
	KindSegmentUnavailable   Kind = "segment_unavailable"
	KindAttach               Kind = "attach"
	KindLock                 Kind = "lock"
	KindSync                 Kind = "sync"
	KindNotReady             Kind = "not_ready"
	KindClosed               Kind = "closed"
	KindOther                Kind = "other"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrAlreadyInTransaction, KindAlreadyInTransaction},
	{ErrNotInTransaction, KindNotInTransaction},
	{ErrInvalidArgument, KindInvalidArgument},
	{ErrSegmentUnavailable, KindSegmentUnavailable},
	{ErrAttach, KindAttach},
	{ErrLock, KindLock},
	{ErrSync, KindSync},
	{ErrNotReady, KindNotReady},
	{ErrClosed, KindClosed},
}

// KindOf returns the kind of err, KindNone for nil and KindOther for errors that did
// not come from this package.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindOther
}

// wrap attaches the underlying cause to a sentinel, keeping both visible to errors.Is.
func wrap(kind, cause error) error {
	if cause == nil {
		return kind
	}
	return fmt.Errorf("%w: %w", kind, cause)
}
