// Package channel implements the channel lifecycle state machine shared by
// every concrete channel.
//
// # States
//
//	Closed -> Opening -> Open <-> Receiving -> Closing -> Closed
//	                 \______\_________\___________-> Error
//
// Error is terminal for the current lifetime; Open recovers from it. Every
// transition raises a state-change notification, in addition to the
// open/close/error/receive notification for the operation.
//
// Concrete channels only supply a Transport; Channel owns the state,
// serializes transitions and raises notifications synchronously, outside its
// lock, so listeners may call back into the channel.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
	"github.com/tjfontaine/polyglot-pipeline/internal/events"
)

var (
	// ErrInvalidState is returned when an operation is not valid in the current state.
	ErrInvalidState = errors.New("invalid channel state")

	// ErrTransportUnusable is wrapped by transports when a send failure leaves
	// the connection unusable. The channel moves to Error.
	ErrTransportUnusable = errors.New("channel transport unusable")
)

// Transport is the endpoint-specific half of a channel.
type Transport interface {
	// Open connects. deliver may be called at any time while open to raise
	// an inbound message, including from transport goroutines.
	Open(ctx context.Context, deliver func([]byte)) error
	// Send transmits payload. items carry optional per-send parameters.
	Send(ctx context.Context, payload []byte, items ...any) error
	// Receive blocks until the transport ends the receive operation or ctx
	// is done. Inbound messages go through deliver.
	Receive(ctx context.Context) error
	// Close releases resources. It must tolerate being called on a transport
	// that never opened or failed to open.
	Close(ctx context.Context) error
}

// Receiver is implemented by transports that can tell whether they have a
// receive side. Transports without it are treated as send-only.
type Receiver interface {
	Receives() bool
}

// Config describes a channel instance.
type Config struct {
	// ID is assigned when empty.
	ID              string
	Name            string
	ExecutionStatus domain.StatusType
	Authenticated   bool
	Encrypted       bool
	Port            int
	Logger          *slog.Logger
}

// Channel is a ports.Channel driven by a Transport.
type Channel struct {
	id            string
	name          string
	status        domain.StatusType
	authenticated bool
	encrypted     bool
	port          int
	logger        *slog.Logger

	transport Transport
	events    events.Bus[domain.ChannelEvent]

	mu            sync.Mutex
	state         domain.ChannelState
	receiveCancel context.CancelFunc
}

var _ ports.Channel = (*Channel)(nil)

// New creates a closed channel over t.
func New(t Transport, cfg Config) *Channel {
	id := cfg.ID
	if id == "" {
		id = uuid.New().String()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Channel{
		id:            id,
		name:          cfg.Name,
		status:        cfg.ExecutionStatus,
		authenticated: cfg.Authenticated,
		encrypted:     cfg.Encrypted,
		port:          cfg.Port,
		logger:        logger.With(slog.String("channel", cfg.Name), slog.String("channel_id", id)),
		transport:     t,
		state:         domain.ChannelClosed,
	}
}

func (c *Channel) ID() string                         { return c.id }
func (c *Channel) Name() string                       { return c.name }
func (c *Channel) ExecutionStatus() domain.StatusType { return c.status }
func (c *Channel) IsAuthenticated() bool              { return c.authenticated }
func (c *Channel) IsEncrypted() bool                  { return c.encrypted }
func (c *Channel) Port() int                          { return c.port }

// Receives reports whether the transport has a receive side that needs a
// running receive loop.
func (c *Channel) Receives() bool {
	r, ok := c.transport.(Receiver)
	return ok && r.Receives()
}

// State returns the current state.
func (c *Channel) State() domain.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers a listener for every channel notification.
func (c *Channel) Subscribe(fn func(domain.ChannelEvent)) func() {
	return c.events.Subscribe(fn)
}

// Open connects the transport. Opening an open channel is a no-op. Opening
// from Error closes the transport first.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	prev := c.state
	switch prev {
	case domain.ChannelOpen, domain.ChannelReceiving:
		c.mu.Unlock()
		return nil
	case domain.ChannelOpening, domain.ChannelClosing:
		c.mu.Unlock()
		return c.reject("open", prev)
	}
	c.state = domain.ChannelOpening
	c.mu.Unlock()
	c.emitState(prev, domain.ChannelOpening)

	if prev == domain.ChannelError {
		// Release what the failed lifetime left behind before reconnecting.
		if err := c.transport.Close(context.WithoutCancel(ctx)); err != nil {
			c.emitError(fmt.Errorf("close failed transport of channel %s: %w", c.name, err))
		}
	}

	if err := ctx.Err(); err != nil {
		c.fail(domain.ChannelOpening, err)
		return fmt.Errorf("open channel %s: %w", c.name, err)
	}

	if err := c.transport.Open(ctx, c.deliver); err != nil {
		c.fail(domain.ChannelOpening, err)
		return fmt.Errorf("open channel %s: %w", c.name, err)
	}

	c.mu.Lock()
	if c.state != domain.ChannelOpening {
		// Closed while the transport was connecting.
		current := c.state
		c.mu.Unlock()
		_ = c.transport.Close(context.WithoutCancel(ctx))
		return fmt.Errorf("open channel %s: %w: state changed to %s", c.name, ErrInvalidState, current)
	}
	c.state = domain.ChannelOpen
	c.mu.Unlock()

	c.emitState(domain.ChannelOpening, domain.ChannelOpen)
	c.emit(domain.ChannelEvent{Kind: domain.ChannelEventOpen, State: domain.ChannelOpen})
	c.logger.Debug("channel opened")
	return nil
}

// Receive runs the transport receive loop. It returns to Open when the loop
// ends; a transport error moves the channel to Error.
func (c *Channel) Receive(ctx context.Context) error {
	c.mu.Lock()
	if c.state != domain.ChannelOpen {
		current := c.state
		c.mu.Unlock()
		return c.reject("receive", current)
	}
	rctx, cancel := context.WithCancel(ctx)
	c.state = domain.ChannelReceiving
	c.receiveCancel = cancel
	c.mu.Unlock()
	c.emitState(domain.ChannelOpen, domain.ChannelReceiving)

	err := c.transport.Receive(rctx)
	cancel()

	c.mu.Lock()
	c.receiveCancel = nil
	if c.state != domain.ChannelReceiving {
		// Closed or failed while receiving.
		c.mu.Unlock()
		return nil
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		c.mu.Unlock()
		c.fail(domain.ChannelReceiving, err)
		return fmt.Errorf("receive on channel %s: %w", c.name, err)
	}
	c.state = domain.ChannelOpen
	c.mu.Unlock()
	c.emitState(domain.ChannelReceiving, domain.ChannelOpen)

	return ctx.Err()
}

// Send transmits payload. A failed send raises an error notification; only
// ErrTransportUnusable changes the state.
func (c *Channel) Send(ctx context.Context, payload []byte, items ...any) error {
	if current := c.State(); !current.IsActive() {
		return c.reject("send", current)
	}

	if err := c.transport.Send(ctx, payload, items...); err != nil {
		if errors.Is(err, ErrTransportUnusable) {
			c.fail(c.State(), err)
		} else {
			c.emitError(err)
		}
		return fmt.Errorf("send on channel %s: %w", c.name, err)
	}
	return nil
}

// AddMessage raises payload as a received message.
func (c *Channel) AddMessage(ctx context.Context, payload []byte) error {
	if current := c.State(); !current.IsActive() {
		return c.reject("add message", current)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.deliver(payload)
	return nil
}

// Close releases the transport. Closing a closed channel is a no-op. The
// channel always ends Closed; a transport close failure is reported.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	prev := c.state
	if prev == domain.ChannelClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = domain.ChannelClosing
	cancel := c.receiveCancel
	c.mu.Unlock()
	c.emitState(prev, domain.ChannelClosing)

	if cancel != nil {
		cancel()
	}
	err := c.transport.Close(ctx)

	c.mu.Lock()
	c.state = domain.ChannelClosed
	c.mu.Unlock()
	c.emitState(domain.ChannelClosing, domain.ChannelClosed)
	c.emit(domain.ChannelEvent{Kind: domain.ChannelEventClose, State: domain.ChannelClosed})
	c.logger.Debug("channel closed")

	if err != nil {
		c.emitError(err)
		return fmt.Errorf("close channel %s: %w", c.name, err)
	}
	return nil
}

func (c *Channel) deliver(payload []byte) {
	if current := c.State(); !current.IsActive() {
		c.logger.Debug("dropping message delivered while inactive", slog.String("state", current.String()))
		return
	}
	c.emit(domain.ChannelEvent{Kind: domain.ChannelEventReceive, State: c.State(), Payload: payload})
}

func (c *Channel) reject(op string, current domain.ChannelState) error {
	err := fmt.Errorf("%s on channel %s: %w: %s", op, c.name, ErrInvalidState, current)
	c.emitError(err)
	return err
}

// fail moves the channel from expected to Error and raises the error.
func (c *Channel) fail(expected domain.ChannelState, err error) {
	c.mu.Lock()
	prev := c.state
	if prev != expected || prev == domain.ChannelClosed {
		c.mu.Unlock()
		c.emitError(err)
		return
	}
	c.state = domain.ChannelError
	c.mu.Unlock()

	c.logger.Warn("channel failed", slog.String("error", err.Error()))
	c.emitState(prev, domain.ChannelError)
	c.emitError(err)
}

func (c *Channel) emitState(prev, next domain.ChannelState) {
	if prev == next {
		return
	}
	c.emit(domain.ChannelEvent{Kind: domain.ChannelEventState, Previous: prev, State: next})
}

func (c *Channel) emitError(err error) {
	c.emit(domain.ChannelEvent{Kind: domain.ChannelEventError, State: c.State(), Err: err})
}

func (c *Channel) emit(ev domain.ChannelEvent) {
	ev.ChannelID = c.id
	ev.ChannelName = c.name
	ev.Timestamp = time.Now()
	c.events.Publish(ev)
}

// Endpoint derives the port and encryption flag from an endpoint URL.
// Schemes ending in "s" (https, wss, rediss, amqps, tls) count as encrypted.
func Endpoint(rawURL string) (port int, encrypted bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return 0, false
	}

	switch u.Scheme {
	case "https", "wss", "rediss", "amqps", "tls":
		encrypted = true
	}

	if p := u.Port(); p != "" {
		port, _ = strconv.Atoi(p)
		return port, encrypted
	}
	if p, err := net.LookupPort("tcp", u.Scheme); err == nil {
		port = p
	}
	return port, encrypted
}
