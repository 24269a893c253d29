package channel

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/shmchan/api"
	"github.com/srediag/shmchan/internal/telemetry"
	"github.com/srediag/shmchan/pkg/shm"
)

const waitTimeout = 5 * time.Second

type ChannelTestSuite struct {
	suite.Suite
	dir string
}

func (s *ChannelTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
}

func (s *ChannelTestSuite) config(id string) *Config {
	config := DefaultConfig()
	config.ID = id
	config.Dir = s.dir
	config.RecreateDelay = time.Millisecond
	return config
}

func (s *ChannelTestSuite) producer(config *Config) *Producer {
	p, err := NewProducer(config)
	s.Require().Nil(err)
	s.T().Cleanup(func() { _ = p.Close() })
	return p
}

func (s *ChannelTestSuite) consumer(config *Config) *Consumer {
	c, err := NewConsumer(config)
	s.Require().Nil(err)
	s.T().Cleanup(func() { _ = c.Close() })
	return c
}

func (s *ChannelTestSuite) waitReady(c *Consumer) Notification {
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	n, err := c.Wait(ctx)
	s.Require().Nil(err)
	s.Require().True(c.Ready())
	return n
}

func (s *ChannelTestSuite) counts(p *pair) (empty, full uint32) {
	return p.empty.Value(), p.full.Value()
}

func (s *ChannelTestSuite) TestRoundtrip() {
	p := s.producer(s.config("rt"))
	c := s.consumer(s.config("rt"))

	for _, size := range []int{1, 7, 4096, 100, 1 << 20, 3} {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i*31 + size)
		}
		s.Require().Nil(p.Send(payload))
		s.waitReady(c)
		got, err := c.Receive()
		s.Require().Nil(err)
		s.Require().True(bytes.Equal(payload, got), "size %d", size)
		s.False(c.Ready())
	}
}

func (s *ChannelTestSuite) TestChan1Scenario() {
	p := s.producer(s.config("chan1"))
	c := s.consumer(s.config("chan1"))

	buf, err := p.Begin(1024)
	s.Require().Nil(err)
	s.Require().Len(buf, 1024)
	for i := range buf {
		buf[i] = 0xAB
	}
	s.Require().Nil(p.End())

	n := s.waitReady(c)
	s.Equal(uint64(1), n.Seq)
	data, err := c.Begin()
	s.Require().Nil(err)
	s.Require().Len(data, 1024)
	for _, b := range data {
		s.Require().Equal(byte(0xAB), b)
	}
	s.Require().Nil(c.End())

	begun := make(chan error, 1)
	go func() {
		_, err := p.Begin(1024)
		begun <- err
	}()
	select {
	case err := <-begun:
		s.Require().Nil(err)
	case <-time.After(waitTimeout):
		s.FailNow("producer blocked after the consumer released the slot")
	}
	s.Require().Nil(p.End())
}

func (s *ChannelTestSuite) TestProducerAlreadyInTransaction() {
	p := s.producer(s.config("twice"))
	_, err := p.Begin(100)
	s.Require().Nil(err)
	empty, full := s.counts(p.sems)

	_, err = p.Begin(50)
	s.Require().ErrorIs(err, ErrAlreadyInTransaction)
	e2, f2 := s.counts(p.sems)
	s.Equal(empty, e2)
	s.Equal(full, f2)
	s.Equal(100, p.seg.Len(), "the open transaction is untouched")
	s.Require().Nil(p.End())
}

func (s *ChannelTestSuite) TestEndWithoutBegin() {
	p := s.producer(s.config("noend"))
	c := s.consumer(s.config("noend"))

	s.Require().ErrorIs(p.End(), ErrNotInTransaction)
	s.Require().ErrorIs(c.End(), ErrNotInTransaction)
	empty, full := s.counts(p.sems)
	s.Equal(uint32(1), empty)
	s.Equal(uint32(0), full)
	s.False(p.seg.Attached())
	s.False(c.seg.Attached())
}

func (s *ChannelTestSuite) TestInvalidSize() {
	p := s.producer(s.config("size"))
	for _, size := range []int{0, -1} {
		_, err := p.Begin(size)
		s.Require().ErrorIs(err, ErrInvalidArgument)
	}
	s.Require().ErrorIs(p.Send(nil), ErrInvalidArgument)
	empty, _ := s.counts(p.sems)
	s.Equal(uint32(1), empty)
}

func (s *ChannelTestSuite) TestCountsStayWithinSlot() {
	p := s.producer(s.config("cycles"))
	c := s.consumer(s.config("cycles"))

	for i := 0; i < 50; i++ {
		s.Require().Nil(p.Send([]byte{byte(i)}))
		empty, full := s.counts(p.sems)
		s.LessOrEqual(empty, uint32(1))
		s.LessOrEqual(full, uint32(1))

		s.waitReady(c)
		got, err := c.Receive()
		s.Require().Nil(err)
		s.Require().Equal([]byte{byte(i)}, got)
		empty, full = s.counts(p.sems)
		s.LessOrEqual(empty, uint32(1))
		s.LessOrEqual(full, uint32(1))
	}
	empty, full := s.counts(p.sems)
	s.Equal(uint32(1), empty)
	s.Equal(uint32(0), full)
}

func (s *ChannelTestSuite) TestConsumerNotReady() {
	c := s.consumer(s.config("early"))
	_, err := c.Begin()
	s.Require().ErrorIs(err, ErrNotReady)
	s.False(c.seg.Attached())

	g := ScopeConsumer(c)
	s.Equal(-1, g.Len())
	s.Nil(g.Data())
	s.ErrorIs(g.Err(), ErrNotReady)
	s.Nil(g.Close())

	s.ErrorIs(c.Consume(func([]byte) error { return nil }), ErrNotReady)
}

func (s *ChannelTestSuite) TestConsumerAlreadyInTransaction() {
	p := s.producer(s.config("cdouble"))
	c := s.consumer(s.config("cdouble"))
	s.Require().Nil(p.Send([]byte("x")))
	s.waitReady(c)

	_, err := c.Begin()
	s.Require().Nil(err)
	_, err = c.Begin()
	s.Require().ErrorIs(err, ErrAlreadyInTransaction)
	s.Require().Nil(c.End())
}

func (s *ChannelTestSuite) TestShutdownWithoutSpuriousNotification() {
	var calls atomic.Int32
	config := s.config("idle")
	config.OnAvailable = func(Notification) { calls.Add(1) }
	c, err := NewConsumer(config)
	s.Require().Nil(err)
	notes := c.Notifications()

	// give the loop time to block on full
	time.Sleep(50 * time.Millisecond)
	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	select {
	case err := <-closed:
		s.Require().Nil(err)
	case <-time.After(waitTimeout):
		s.FailNow("consumer close did not return")
	}

	s.Equal(int32(0), calls.Load())
	_, ok := <-notes
	s.False(ok, "notification channel is closed without a notification")
	s.False(c.Ready())
	s.ErrorIs(c.Alive(), ErrClosed)
	_, err = c.Wait(context.Background())
	s.ErrorIs(err, ErrClosed)

	p := s.producer(s.config("idle"))
	empty, full := s.counts(p.sems)
	s.Equal(uint32(1), empty)
	s.Equal(uint32(0), full, "the wake-up unit was taken back")
	s.ErrorIs(c.Close(), ErrClosed)
}

func (s *ChannelTestSuite) TestCloseReturnsUnreadPayload() {
	p := s.producer(s.config("unread"))
	s.Require().Nil(p.Send([]byte("keep me")))

	first, err := NewConsumer(s.config("unread"))
	s.Require().Nil(err)
	s.waitReady(first)
	s.Require().Nil(first.Close())

	second := s.consumer(s.config("unread"))
	s.waitReady(second)
	got, err := second.Receive()
	s.Require().Nil(err)
	s.Equal("keep me", string(got))
}

func (s *ChannelTestSuite) TestStaleSegmentUnavailable() {
	// a directory under the segment name can be neither created, attached nor removed
	s.Require().Nil(os.Mkdir(filepath.Join(s.dir, "chan1"), 0700))
	config := s.config("chan1")
	config.RecreateRetries = 2
	p := s.producer(config)

	_, err := p.Begin(64)
	s.Require().ErrorIs(err, ErrSegmentUnavailable)
	empty, full := s.counts(p.sems)
	s.Equal(uint32(1), empty, "the slot is handed back")
	s.Equal(uint32(0), full)

	_, err = p.Begin(64)
	s.Require().ErrorIs(err, ErrSegmentUnavailable, "no transaction was left open")
}

func (s *ChannelTestSuite) TestStaleSegmentReclaimed() {
	// a segment left mapped by a producer that never detached
	stale := shm.New(shm.Options{Name: "stale", Dir: s.dir})
	s.Require().Nil(stale.Create(16))
	defer func() { _ = stale.Detach() }()

	p := s.producer(s.config("stale"))
	c := s.consumer(s.config("stale"))
	s.Require().Nil(p.Send([]byte("new payload, larger than the stale one")))
	s.waitReady(c)
	got, err := c.Receive()
	s.Require().Nil(err)
	s.Equal("new payload, larger than the stale one", string(got))
}

func (s *ChannelTestSuite) TestSegmentReuseAndRecreate() {
	p := s.producer(s.config("resize"))
	c := s.consumer(s.config("resize"))

	cycle := func(size int) {
		buf, err := p.Begin(size)
		s.Require().Nil(err)
		s.Require().Len(buf, size)
		for i := range buf {
			buf[i] = byte(size)
		}
		s.Require().Nil(p.End())
		s.waitReady(c)
		got, err := c.Receive()
		s.Require().Nil(err)
		s.Require().Equal(bytes.Repeat([]byte{byte(size)}, size), got)
	}

	cycle(100)
	s.Equal(100, p.seg.Cap())
	cycle(50)
	s.Equal(100, p.seg.Cap(), "a smaller payload reuses the segment")
	cycle(200)
	s.Equal(200, p.seg.Cap(), "a larger payload recreates the segment")
}

func (s *ChannelTestSuite) TestKeyFileRenamesSegmentOnly() {
	key := filepath.Join(s.T().TempDir(), "key")
	s.Require().Nil(os.WriteFile(key, []byte("renamed\nignored\n"), 0600))
	pc := s.config("keyed")
	pc.KeyFile = key
	p := s.producer(pc)
	// the key file moves the segment; the semaphores keep the id's names
	cc := s.config("keyed")
	cc.KeyFile = key
	c := s.consumer(cc)

	s.Equal("renamed", p.Names().Segment)
	s.Equal("keyed_sem_empty", p.Names().Empty)
	s.Require().Nil(p.Send([]byte("hi")))
	s.FileExists(filepath.Join(s.dir, "renamed"))
	s.NoFileExists(filepath.Join(s.dir, "keyed"))
	s.waitReady(c)
	got, err := c.Receive()
	s.Require().Nil(err)
	s.Equal("hi", string(got))
}

func (s *ChannelTestSuite) TestDuplicateEndpoint() {
	s.producer(s.config("dup"))
	_, err := NewProducer(s.config("dup"))
	s.Require().ErrorIs(err, ErrInvalidArgument)

	c := s.consumer(s.config("dup"))
	s.Len(filterByID(Endpoints(), "dup"), 2)
	s.Require().Nil(c.Close())
	s.Len(filterByID(Endpoints(), "dup"), 1)
}

func (s *ChannelTestSuite) TestGuards() {
	p := s.producer(s.config("guards"))
	c := s.consumer(s.config("guards"))

	boom := errors.New("boom")
	err := p.Produce(4, func(buf []byte) error {
		copy(buf, "abcd")
		return boom
	})
	s.Require().ErrorIs(err, boom)
	s.False(p.inTx, "the guard ended the transaction on an early return")

	s.waitReady(c)
	err = c.Consume(func(data []byte) error {
		s.Equal("abcd", string(data))
		return boom
	})
	s.Require().ErrorIs(err, boom)
	s.False(c.inTx)

	s.Require().Panics(func() {
		_ = p.Produce(2, func(buf []byte) error {
			copy(buf, "zz")
			panic("producer panic")
		})
	})
	s.False(p.inTx)

	s.waitReady(c)
	g := ScopeConsumer(c)
	s.Require().Equal(2, g.Len())
	s.Equal("zz", string(g.Data()))
	s.Require().Nil(g.Close())
	s.Require().Nil(g.Close(), "closing twice ends once")

	sp, err := ScopeProducer(p, 3)
	s.Require().Nil(err)
	s.Equal(3, sp.Len())
	s.Require().Nil(sp.Close())
	s.Require().Nil(sp.Close())
	_, err = ScopeProducer(p, 0)
	s.Require().ErrorIs(err, ErrInvalidArgument)
}

func (s *ChannelTestSuite) TestStreams() {
	p := s.producer(s.config("streams"))
	c := s.consumer(s.config("streams"))

	n, err := p.SendFrom(bytes.NewBufferString("streamed payload"))
	s.Require().Nil(err)
	s.Equal(int64(16), n)

	s.waitReady(c)
	var out bytes.Buffer
	n, err = c.ReceiveTo(&out)
	s.Require().Nil(err)
	s.Equal(int64(16), n)
	s.Equal("streamed payload", out.String())

	_, err = p.SendFrom(bytes.NewReader(nil))
	s.Require().ErrorIs(err, ErrInvalidArgument)
}

func (s *ChannelTestSuite) TestNotificationsAndCallback() {
	got := make(chan Notification, 4)
	config := s.config("notify")
	config.OnAvailable = func(n Notification) { got <- n }
	c := s.consumer(config)
	p := s.producer(s.config("notify"))
	notes := c.Notifications()

	for i := 1; i <= 2; i++ {
		s.Require().Nil(p.Send([]byte{byte(i)}))
		select {
		case n := <-notes:
			s.Equal(uint64(i), n.Seq)
		case <-time.After(waitTimeout):
			s.FailNow("no notification")
		}
		select {
		case n := <-got:
			s.Equal(uint64(i), n.Seq)
		case <-time.After(waitTimeout):
			s.FailNow("no callback")
		}
		data, err := c.Receive()
		s.Require().Nil(err)
		s.Equal([]byte{byte(i)}, data)
	}
	s.Nil(c.Alive())
}

func (s *ChannelTestSuite) TestWaitHonorsContext() {
	c := s.consumer(s.config("ctx"))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Wait(ctx)
	s.ErrorIs(err, context.DeadlineExceeded)
	s.Equal(0, c.mailbox.len())
}

func (s *ChannelTestSuite) TestProducerCloseAbortsTransaction() {
	p, err := NewProducer(s.config("abort"))
	s.Require().Nil(err)
	_, err = p.Begin(10)
	s.Require().Nil(err)
	s.Require().Nil(p.Close())
	s.ErrorIs(p.Close(), ErrClosed)
	_, err = p.Begin(10)
	s.ErrorIs(err, ErrClosed)

	again := s.producer(s.config("abort"))
	empty, full := s.counts(again.sems)
	s.Equal(uint32(1), empty)
	s.Equal(uint32(0), full)
	s.NoFileExists(filepath.Join(s.dir, "abort"), "an unpublished segment is removed")
}

func (s *ChannelTestSuite) TestPublishedSegmentOutlivesProducer() {
	p, err := NewProducer(s.config("outlive"))
	s.Require().Nil(err)
	s.Require().Nil(p.Send([]byte("later")))
	s.Require().Nil(p.Close())
	s.FileExists(filepath.Join(s.dir, "outlive"))

	c := s.consumer(s.config("outlive"))
	s.waitReady(c)
	got, err := c.Receive()
	s.Require().Nil(err)
	s.Equal("later", string(got))
	s.NoFileExists(filepath.Join(s.dir, "outlive"), "the last detach removes the segment")
}

func (s *ChannelTestSuite) TestConsumerAttachFailureVoidsSlot() {
	p := s.producer(s.config("void"))
	c := s.consumer(s.config("void"))
	s.Require().Nil(p.Send([]byte("lost")))
	s.waitReady(c)
	s.Require().Nil(os.Remove(filepath.Join(s.dir, "void")))

	_, err := c.Begin()
	s.Require().ErrorIs(err, ErrAttach)
	s.False(c.Ready())
	empty, _ := s.counts(c.sems)
	s.Equal(uint32(1), empty, "the producer gets the slot back")
}

func (s *ChannelTestSuite) TestMetrics() {
	m, err := telemetry.NewMetrics(prometheus.NewRegistry(), "shmchan")
	s.Require().Nil(err)
	pc := s.config("metrics")
	pc.Metrics = m
	cc := s.config("metrics")
	cc.Metrics = m
	p := s.producer(pc)
	c := s.consumer(cc)

	_, err = c.Begin()
	s.Require().ErrorIs(err, ErrNotReady)
	s.Require().Nil(p.Send(make([]byte, 10)))
	s.waitReady(c)
	_, err = c.Receive()
	s.Require().Nil(err)

	value := func(col prometheus.Counter) float64 {
		out := &dto.Metric{}
		s.Require().Nil(col.Write(out))
		return out.GetCounter().GetValue()
	}
	s.Equal(float64(1), value(m.Transactions.WithLabelValues("producer")))
	s.Equal(float64(1), value(m.Transactions.WithLabelValues("consumer")))
	s.Equal(float64(10), value(m.Bytes.WithLabelValues("consumer")))
	s.Equal(float64(1), value(m.Failures.WithLabelValues("consumer", string(KindNotReady))))
	s.Equal(float64(1), value(m.Notifications))
}

func filterByID(all []api.Endpoint, id string) []api.Endpoint {
	var out []api.Endpoint
	for _, e := range all {
		if e.ID() == id {
			out = append(out, e)
		}
	}
	return out
}

func TestChannelTestSuite(t *testing.T) {
	suite.Run(t, new(ChannelTestSuite))
}
