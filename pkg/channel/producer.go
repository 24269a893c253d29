package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmchan/api"
	"github.com/srediag/shmchan/pkg/shm"
)

// Producer is the writing side of a channel. Its methods are safe for concurrent use,
// but transactions are meant to be driven by one goroutine.
type Producer struct {
	*base

	mu     sync.Mutex
	inTx   bool
	span   trace.Span
	closed bool
}

var (
	_ api.Producer = (*Producer)(nil)
	_ api.Sender   = (*Producer)(nil)
)

// NewProducer opens the producer endpoint of config.ID. The segment is created by the
// first Begin.
func NewProducer(config *Config) (*Producer, error) {
	b, err := newBase(api.RoleProducer, config)
	if err != nil {
		return nil, err
	}
	p := &Producer{base: b}
	if err := b.open(p); err != nil {
		return nil, err
	}
	p.log.Debugf("producer open: segment=%s empty=%s full=%s dir=%s",
		b.names.Segment, b.names.Empty, b.names.Full, b.dir)
	return p, nil
}

// Begin starts a transaction for a payload of size bytes. It blocks until the consumer
// has released the slot, then returns a writable view of exactly size bytes. The view
// is valid until End.
func (p *Producer) Begin(size int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if p.inTx {
		return nil, p.fail(nil, ErrAlreadyInTransaction)
	}
	if size <= 0 {
		return nil, p.fail(nil, fmt.Errorf("%w: payload size %d", ErrInvalidArgument, size))
	}

	ctx, span := p.rec.Start(context.Background(), "transaction")
	start := time.Now()
	if err := p.sems.empty.Acquire(); err != nil {
		return nil, p.fail(span, wrap(ErrSync, err))
	}
	p.rec.Waited(ctx, time.Since(start))

	if err := p.prepare(size); err != nil {
		return nil, p.fail(span, errors.Join(err, p.releaseEmpty()))
	}
	if err := p.seg.Lock(); err != nil {
		return nil, p.fail(span, errors.Join(wrap(ErrLock, err), p.releaseEmpty()))
	}
	p.seg.SetLen(size)
	p.inTx = true
	p.span = span
	return p.seg.Bytes(), nil
}

// prepare leaves the producer attached to a segment of at least size bytes. A smaller
// segment is destroyed and recreated; a stale segment in the way is reclaimed.
func (p *Producer) prepare(size int) error {
	if p.seg.Attached() && !p.seg.Published() {
		// removed by `shmchan clean` or replaced by another producer; the consumer can
		// no longer reach this mapping
		p.log.Warnf("segment %s no longer published, recreating", p.names.Segment)
		if err := p.seg.Detach(); err != nil {
			p.log.Warnf("detach stale segment %s: %v", p.names.Segment, err)
		}
	}
	if p.seg.Attached() {
		if p.seg.Cap() >= size {
			return nil
		}
		p.log.Debugf("segment %s too small (%d < %d), recreating", p.names.Segment, p.seg.Cap(), size)
		if err := p.seg.Destroy(); err != nil {
			p.log.Warnf("destroy segment %s: %v", p.names.Segment, err)
		}
	}

	attempt := 0
	create := func() error {
		attempt++
		err := p.seg.Create(size)
		if err == nil {
			return nil
		}
		if errors.Is(err, shm.ErrInvalidName) {
			return backoff.Permanent(err)
		}
		p.log.Warnf("create segment %s (attempt %d): %v", p.names.Segment, attempt, err)
		p.reclaim()
		return err
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(p.cfg.RecreateDelay), uint64(p.cfg.RecreateRetries))
	if err := backoff.Retry(create, b); err != nil {
		p.log.Errorf("segment %s unavailable after %d attempt(s): %v; "+
			"a stale shared memory object may need `shmchan clean` or a restart", p.names.Segment, attempt, err)
		return wrap(ErrSegmentUnavailable, err)
	}
	return nil
}

// reclaim removes a segment left behind by a previous producer. It runs while the
// producer holds the slot, so no live consumer is attached to it.
func (p *Producer) reclaim() {
	if err := p.seg.Attach(); err != nil {
		p.log.Debugf("reclaim segment %s: %v", p.names.Segment, err)
		return
	}
	if owner := p.seg.Owner(); p.seg.OwnerAlive() {
		p.log.Warnf("reclaiming segment %s created by running process %d", p.names.Segment, owner)
	} else {
		p.log.Infof("reclaiming segment %s left by exited process %d", p.names.Segment, owner)
	}
	if err := p.seg.Destroy(); err != nil {
		p.log.Warnf("reclaim segment %s: %v", p.names.Segment, err)
	}
}

// End publishes the payload written since Begin and wakes the consumer.
func (p *Producer) End() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.inTx {
		return p.fail(nil, ErrNotInTransaction)
	}
	span := p.span
	p.inTx = false
	p.span = nil

	n := p.seg.Len()
	p.seg.MarkPending()
	var errs []error
	if err := p.seg.Unlock(); err != nil {
		errs = append(errs, wrap(ErrLock, err))
	}
	if err := p.sems.full.Release(); err != nil {
		errs = append(errs, wrap(ErrSync, err))
	}
	if err := errors.Join(errs...); err != nil {
		return p.fail(span, err)
	}
	p.rec.Committed(span, n)
	return nil
}

// abort undoes an open transaction without publishing it.
func (p *Producer) abort() error {
	span := p.span
	p.inTx = false
	p.span = nil
	err := errors.Join(p.seg.Unlock(), p.releaseEmpty())
	p.rec.Failed(span, string(KindClosed), ErrClosed)
	return err
}

// Close aborts an open transaction, detaches from the segment and closes the
// semaphores. Data published earlier stays available to the consumer.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	p.closed = true
	defer unregister(p.key)

	var errs []error
	if p.inTx {
		p.log.Warnf("closing during a transaction, the payload is dropped")
		errs = append(errs, p.abort())
	}
	if p.seg.Attached() {
		errs = append(errs, p.seg.Detach())
	}
	errs = append(errs, p.sems.close())
	p.log.Debugf("producer closed")
	return errors.Join(errs...)
}

func (p *Producer) fail(span trace.Span, err error) error {
	p.rec.Failed(span, string(KindOf(err)), err)
	return err
}

// Send writes data as one payload.
func (p *Producer) Send(data []byte) error {
	return p.Produce(len(data), func(buf []byte) error {
		copy(buf, data)
		return nil
	})
}

// SendFrom reads r to EOF and sends what it read as one payload.
func (p *Producer) SendFrom(r io.Reader) (int64, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	n, err := buf.ReadFrom(r)
	if err != nil {
		return 0, err
	}
	if err := p.Send(buf.B); err != nil {
		return 0, err
	}
	return n, nil
}

// Produce runs fn on a size-byte payload inside a transaction. The payload is
// published when fn returns, also when it fails or panics.
func (p *Producer) Produce(size int, fn func(buf []byte) error) (err error) {
	g, err := ScopeProducer(p, size)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := g.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(g.Data())
}
