package channel

import "sync"

// ScopedProducer is an open producer transaction that ends exactly once:
//
//	g, err := channel.ScopeProducer(p, len(payload))
//	if err != nil {
//		return err
//	}
//	defer g.Close()
//	copy(g.Data(), payload)
type ScopedProducer struct {
	p    *Producer
	data []byte
	once sync.Once
	err  error
}

// ScopeProducer begins a producer transaction of size bytes. A failed Begin is
// returned as is and no guard is created.
func ScopeProducer(p *Producer, size int) (*ScopedProducer, error) {
	data, err := p.Begin(size)
	if err != nil {
		return nil, err
	}
	return &ScopedProducer{p: p, data: data}, nil
}

// Data returns the writable payload view. It must not be used after Close.
func (g *ScopedProducer) Data() []byte { return g.data }

func (g *ScopedProducer) Len() int { return len(g.data) }

// Close ends the transaction, publishing the payload. Later calls return the result
// of the first.
func (g *ScopedProducer) Close() error {
	g.once.Do(func() {
		g.err = g.p.End()
		g.data = nil
	})
	return g.err
}

// ScopedConsumer is an attempted consumer transaction. Unlike ScopeProducer, a failed
// Begin does not fail construction: Len reports -1 and Err tells why, so a caller
// can treat ErrNotReady as benign.
type ScopedConsumer struct {
	c     *Consumer
	data  []byte
	begun bool
	once  sync.Once
	err   error
}

// ScopeConsumer begins a consumer transaction.
func ScopeConsumer(c *Consumer) *ScopedConsumer {
	data, err := c.Begin()
	if err != nil {
		return &ScopedConsumer{c: c, err: err}
	}
	return &ScopedConsumer{c: c, data: data, begun: true}
}

// Data returns the payload view, nil when Begin failed.
func (g *ScopedConsumer) Data() []byte { return g.data }

// Len returns the payload length, or -1 when Begin failed.
func (g *ScopedConsumer) Len() int {
	if !g.begun {
		return -1
	}
	return len(g.data)
}

// Err returns the Begin error, or the End error once closed.
func (g *ScopedConsumer) Err() error { return g.err }

// Close ends the transaction if Begin succeeded. It is safe to call more than once.
func (g *ScopedConsumer) Close() error {
	if !g.begun {
		return nil
	}
	g.once.Do(func() {
		g.err = g.c.End()
		g.data = nil
	})
	return g.err
}
