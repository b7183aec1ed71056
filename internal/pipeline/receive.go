package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
)

const defaultReceiveRetryDelay = time.Second

// receiver is implemented by channels that can tell whether their transport
// has a receive side.
type receiver interface {
	Receives() bool
}

// WithReceiveRetryDelay sets how long a failed receive loop waits before
// reopening its channel. The default is one second.
func WithReceiveRetryDelay(d time.Duration) Option {
	return func(s *settings) error {
		if d > 0 {
			s.receiveRetryDelay = d
		}
		return nil
	}
}

// StartReceiving opens every channel with a receive side and runs its
// receive loop until ctx is done or the pipeline is closed. Received
// messages are raised as channel events. Receiving channels stay open
// between executions. It returns the number of loops started; a channel
// already receiving is not started twice.
func (p *Pipeline[In, Out]) StartReceiving(ctx context.Context) int {
	ctx, cancel := context.WithCancel(ctx)

	p.inflight.mu.Lock()
	if p.inflight.closed {
		p.inflight.mu.Unlock()
		cancel()
		return 0
	}
	var started []ports.Channel
	for _, ch := range p.channels.items {
		r, ok := ch.(receiver)
		if !ok || !r.Receives() || p.receiving[ch.ID()] {
			continue
		}
		if p.receiving == nil {
			p.receiving = make(map[string]bool)
		}
		p.receiving[ch.ID()] = true
		started = append(started, ch)
	}
	if len(started) == 0 {
		p.inflight.mu.Unlock()
		cancel()
		return 0
	}
	p.stopReceive = append(p.stopReceive, cancel)
	p.receivers.Add(len(started))
	p.inflight.mu.Unlock()

	for _, ch := range started {
		go p.receiveLoop(ctx, ch)
	}
	return len(started)
}

func (p *Pipeline[In, Out]) receiveLoop(ctx context.Context, ch ports.Channel) {
	defer p.receivers.Done()
	logger := p.logger.With(slog.String("pipeline", p.name), slog.String("channel", ch.Name()))
	logger.Debug("receive loop started")

	for {
		err := p.channels.ensureOpen(ctx, ch)
		if err == nil {
			err = ch.Receive(ctx)
		}
		if ctx.Err() != nil {
			logger.Debug("receive loop stopped")
			return
		}
		if err != nil {
			logger.Warn("receive loop failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", p.receiveRetryDelay))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.receiveRetryDelay):
		}
	}
}

// stopReceiving cancels every receive loop and waits for them to return.
func (p *Pipeline[In, Out]) stopReceiving() {
	p.inflight.mu.Lock()
	cancels := p.stopReceive
	p.stopReceive = nil
	p.inflight.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	p.receivers.Wait()
}

// closeIdleChannels closes the channels that are not receiving. It runs
// when the last execution of a pipeline without persistent channels ends.
func (p *Pipeline[In, Out]) closeIdleChannels(ctx context.Context, logger *slog.Logger) {
	for _, ch := range p.channels.items {
		if p.receiving[ch.ID()] {
			continue
		}
		if err := ch.Close(ctx); err != nil {
			logger.Warn("closing channel", slog.String("channel", ch.Name()), slog.String("error", err.Error()))
		}
	}
}
