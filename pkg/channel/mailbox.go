package channel

import (
	"context"
	"errors"
	"time"

	queuepkg "github.com/Workiva/go-datastructures/queue"
)

// mailboxPoll is how often a blocked Wait re-checks its context.
const mailboxPoll = 50 * time.Millisecond

// Notification announces that a payload is waiting to be read.
type Notification struct {
	// Seq numbers the notifications of one consumer, starting at 1.
	Seq uint64
	// At is when the background loop acquired the payload.
	At time.Time
}

// mailbox is the single-consumer queue between the background loop and the
// goroutine that runs consumer transactions.
type mailbox struct {
	q *queuepkg.Queue
}

func newMailbox(hint int) *mailbox {
	return &mailbox{q: queuepkg.New(int64(hint))}
}

func (m *mailbox) put(n Notification) error {
	if err := m.q.Put(n); err != nil {
		if errors.Is(err, queuepkg.ErrDisposed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// wait returns the oldest notification, blocking until one arrives, the mailbox is
// disposed or ctx is done.
func (m *mailbox) wait(ctx context.Context) (Notification, error) {
	for {
		items, err := m.q.Poll(1, mailboxPoll)
		switch {
		case err == nil && len(items) > 0:
			n, ok := items[0].(Notification)
			if !ok {
				return Notification{}, errors.New("shmchan: invalid mailbox item")
			}
			return n, nil
		case errors.Is(err, queuepkg.ErrDisposed):
			return Notification{}, ErrClosed
		case err != nil && !errors.Is(err, queuepkg.ErrTimeout):
			return Notification{}, err
		}
		if err := ctx.Err(); err != nil {
			return Notification{}, err
		}
	}
}

// get blocks until a notification arrives or the mailbox is disposed.
func (m *mailbox) get() (Notification, error) {
	items, err := m.q.Get(1)
	if err != nil {
		if errors.Is(err, queuepkg.ErrDisposed) {
			return Notification{}, ErrClosed
		}
		return Notification{}, err
	}
	if len(items) == 0 {
		return Notification{}, ErrClosed
	}
	n, ok := items[0].(Notification)
	if !ok {
		return Notification{}, errors.New("shmchan: invalid mailbox item")
	}
	return n, nil
}

func (m *mailbox) len() int {
	return int(m.q.Len())
}

// dispose wakes every blocked reader and drops queued notifications.
func (m *mailbox) dispose() {
	m.q.Dispose()
}
