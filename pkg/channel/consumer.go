package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/panjf2000/ants/v2"
	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmchan/api"
)

// Consumer is the reading side of a channel. A background goroutine waits for the
// producer's payloads and announces each one through Wait, Notifications and the
// configured OnAvailable callback; transactions then run on the caller's goroutine.
type Consumer struct {
	*base

	mu     sync.Mutex
	inTx   bool
	span   trace.Span
	closed bool

	dataAcquired atomic.Bool
	terminating  atomic.Bool
	// unitTaken is set by the loop when it exits holding a unit of full.
	unitTaken atomic.Bool
	loopErr   atomic.Pointer[error]
	seq       atomic.Uint64

	mailbox  *mailbox
	pool     *ants.Pool
	stop     chan struct{}
	done     chan struct{}
	pumpOnce sync.Once
	pumped   chan Notification
}

var (
	_ api.Consumer = (*Consumer)(nil)
	_ api.Receiver = (*Consumer)(nil)
	_ api.Checker  = (*Consumer)(nil)
)

// NewConsumer opens the consumer endpoint of config.ID and starts its background loop.
func NewConsumer(config *Config) (*Consumer, error) {
	b, err := newBase(api.RoleConsumer, config)
	if err != nil {
		return nil, err
	}
	c := &Consumer{
		base:    b,
		mailbox: newMailbox(b.cfg.MailboxSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if b.cfg.OnAvailable != nil {
		c.pool, err = ants.NewPool(1, ants.WithPanicHandler(func(v interface{}) {
			c.log.Errorf("OnAvailable panicked: %v", v)
		}))
		if err != nil {
			return nil, fmt.Errorf("consumer callback pool: %w", err)
		}
	}
	if err := b.open(c); err != nil {
		c.mailbox.dispose()
		if c.pool != nil {
			c.pool.Release()
		}
		return nil, err
	}
	go c.run()
	c.log.Debugf("consumer open: segment=%s empty=%s full=%s dir=%s",
		b.names.Segment, b.names.Empty, b.names.Full, b.dir)
	return c, nil
}

// run is the background loop. It holds at most one unit of full at a time: after an
// acquire it waits for the next payload only once End released the slot, which the
// producer needs before it can publish again.
func (c *Consumer) run() {
	defer close(c.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = 0

	for {
		start := time.Now()
		err := c.sems.full.Acquire()
		if c.terminating.Load() {
			if err == nil {
				c.unitTaken.Store(true)
			}
			return
		}
		if err != nil {
			err = wrap(ErrSync, err)
			c.loopErr.Store(&err)
			c.rec.Failed(nil, string(KindSync), err)
			d := bo.NextBackOff()
			c.log.Errorf("wait for %s: %v, retrying in %v", c.names.Full, err, d)
			select {
			case <-c.stop:
				return
			case <-time.After(d):
			}
			continue
		}
		bo.Reset()
		c.loopErr.Store(nil)
		c.rec.Waited(context.Background(), time.Since(start))
		c.dataAcquired.Store(true)
		c.notify(start)
	}
}

func (c *Consumer) notify(start time.Time) {
	n := Notification{Seq: c.seq.Add(1), At: time.Now()}
	c.rec.Notified()
	c.log.Tracef("payload available #%d after %v", n.Seq, n.At.Sub(start))
	if err := c.mailbox.put(n); err != nil {
		c.log.Warnf("notification #%d dropped: %v", n.Seq, err)
	}
	if c.pool != nil {
		cb := c.cfg.OnAvailable
		if err := c.pool.Submit(func() { cb(n) }); err != nil {
			c.log.Warnf("OnAvailable #%d not scheduled: %v", n.Seq, err)
		}
	}
}

// Wait blocks until a payload is announced, the consumer is closed or ctx is done.
// Wait and Notifications must not be used on the same consumer.
func (c *Consumer) Wait(ctx context.Context) (Notification, error) {
	return c.mailbox.wait(ctx)
}

// Notifications returns a channel receiving every announcement. It is closed when the
// consumer is closed.
func (c *Consumer) Notifications() <-chan Notification {
	c.pumpOnce.Do(func() {
		c.pumped = make(chan Notification)
		go c.pump()
	})
	return c.pumped
}

func (c *Consumer) pump() {
	defer close(c.pumped)
	for {
		n, err := c.mailbox.get()
		if err != nil {
			return
		}
		select {
		case c.pumped <- n:
		case <-c.stop:
			return
		}
	}
}

// Ready reports whether a payload was announced and not yet read.
func (c *Consumer) Ready() bool {
	return c.dataAcquired.Load()
}

// Alive reports whether the background loop is running and its last wait succeeded.
func (c *Consumer) Alive() error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if p := c.loopErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Begin starts reading the announced payload. It fails with ErrNotReady until the
// background loop announced one. The returned view is valid until End.
func (c *Consumer) Begin() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if !c.dataAcquired.Load() {
		return nil, c.fail(nil, ErrNotReady)
	}
	if c.inTx {
		return nil, c.fail(nil, ErrAlreadyInTransaction)
	}

	_, span := c.rec.Start(context.Background(), "transaction")
	if err := c.seg.Attach(); err != nil {
		// the announced payload is lost; hand the slot back to the producer
		c.dataAcquired.Store(false)
		return nil, c.fail(span, errors.Join(wrap(ErrAttach, err), c.releaseEmpty()))
	}
	if err := c.seg.Lock(); err != nil {
		c.dataAcquired.Store(false)
		derr := c.seg.Detach()
		return nil, c.fail(span, errors.Join(wrap(ErrLock, err), derr, c.releaseEmpty()))
	}
	c.inTx = true
	c.span = span
	return c.seg.Bytes(), nil
}

// End finishes reading and returns the slot to the producer.
func (c *Consumer) End() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inTx {
		return c.fail(nil, ErrNotInTransaction)
	}
	return c.end()
}

func (c *Consumer) end() error {
	span := c.span
	c.inTx = false
	c.span = nil

	n := c.seg.Len()
	c.dataAcquired.Store(false)
	c.seg.ClearPending()
	var errs []error
	if err := c.seg.Unlock(); err != nil {
		errs = append(errs, wrap(ErrLock, err))
	}
	if err := c.seg.Detach(); err != nil {
		errs = append(errs, wrap(ErrAttach, err))
	}
	if err := c.releaseEmpty(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return c.fail(span, err)
	}
	c.rec.Committed(span, n)
	return nil
}

// Close stops the background loop and releases the endpoint. A payload that was
// announced but not read is handed back, so the next consumer on the channel sees
// it. An open transaction is ended first.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.closed = true
	defer unregister(c.key)

	var errs []error
	if c.inTx {
		errs = append(errs, c.end())
	}

	// Wake the loop with a unit nobody produced; it sees terminating and exits
	// without announcing anything.
	c.terminating.Store(true)
	close(c.stop)
	if err := c.sems.full.Release(); err != nil {
		errs = append(errs, wrap(ErrSync, err))
	}
	select {
	case <-c.done:
	case <-time.After(c.cfg.ShutdownTimeout):
		// The loop may still take the unit later; leave the semaphores mapped.
		errs = append(errs, fmt.Errorf("%w: background loop did not stop within %v", ErrSync, c.cfg.ShutdownTimeout))
		c.mailbox.dispose()
		c.releasePool()
		return errors.Join(errs...)
	}
	if !c.unitTaken.Load() {
		if _, err := c.sems.full.TryAcquire(); err != nil {
			errs = append(errs, wrap(ErrSync, err))
		}
	}
	if c.dataAcquired.Swap(false) {
		c.log.Infof("returning an unread payload to %s", c.names.Full)
		if err := c.sems.full.Release(); err != nil {
			errs = append(errs, wrap(ErrSync, err))
		}
	}

	if n := c.mailbox.len(); n > 0 {
		c.log.Debugf("dropping %d undelivered notification(s)", n)
	}
	c.mailbox.dispose()
	c.releasePool()
	errs = append(errs, c.sems.close())
	c.log.Debugf("consumer closed")
	return errors.Join(errs...)
}

func (c *Consumer) releasePool() {
	if c.pool == nil {
		return
	}
	if err := c.pool.ReleaseTimeout(c.cfg.ShutdownTimeout); err != nil {
		c.log.Warnf("OnAvailable pool: %v", err)
	}
}

func (c *Consumer) fail(span trace.Span, err error) error {
	c.rec.Failed(span, string(KindOf(err)), err)
	return err
}

// Receive copies the announced payload out in one transaction.
func (c *Consumer) Receive() ([]byte, error) {
	var out []byte
	err := c.Consume(func(data []byte) error {
		out = make([]byte, len(data))
		copy(out, data)
		return nil
	})
	return out, err
}

// ReceiveTo writes the announced payload to w. The segment is released before w is
// written to, so a slow writer does not hold up the producer.
func (c *Consumer) ReceiveTo(w io.Writer) (int64, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	err := c.Consume(func(data []byte) error {
		_, err := buf.Write(data)
		return err
	})
	if err != nil {
		return 0, err
	}
	return buf.WriteTo(w)
}

// Consume runs fn on the announced payload inside a transaction. The slot is returned
// to the producer when fn returns, also when it fails or panics.
func (c *Consumer) Consume(fn func(data []byte) error) (err error) {
	g := ScopeConsumer(c)
	if g.Len() < 0 {
		return g.Err()
	}
	defer func() {
		if cerr := g.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(g.Data())
}
