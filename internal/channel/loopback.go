package channel

import (
	"bytes"
	"context"
	"sync"
)

// Loopback is an in-process transport that raises every sent payload as a
// received message.
type Loopback struct {
	mu      sync.Mutex
	deliver func([]byte)
	sent    int
}

// NewLoopback creates a channel over a Loopback transport.
func NewLoopback(cfg Config) *Channel {
	return New(&Loopback{}, cfg)
}

func (l *Loopback) Open(_ context.Context, deliver func([]byte)) error {
	l.mu.Lock()
	l.deliver = deliver
	l.mu.Unlock()
	return nil
}

func (l *Loopback) Send(ctx context.Context, payload []byte, _ ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	deliver := l.deliver
	l.sent++
	l.mu.Unlock()

	if deliver != nil {
		deliver(bytes.Clone(payload))
	}
	return nil
}

// Receive blocks until ctx is done; echoes are delivered from Send.
func (l *Loopback) Receive(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (l *Loopback) Close(context.Context) error {
	l.mu.Lock()
	l.deliver = nil
	l.mu.Unlock()
	return nil
}

// Sent returns the number of payloads sent.
func (l *Loopback) Sent() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sent
}
