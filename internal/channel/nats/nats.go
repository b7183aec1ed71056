// Package nats provides a channel that publishes to a NATS subject and
// receives from a subscription.
//
// Subjects support the usual NATS wildcards on the receive side:
//
//	"orders.created"  exact
//	"orders.*"        single token
//	"orders.>"        multiple tokens
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tjfontaine/polyglot-pipeline/internal/channel"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
	"github.com/tjfontaine/polyglot-pipeline/internal/registry"
)

// Config configures a NATS channel.
type Config struct {
	// URL is the server URL, e.g. "nats://localhost:4222".
	URL string `koanf:"url"`

	// Subject receives sent payloads.
	Subject string `koanf:"subject"`

	// ReceiveSubject is subscribed to while open. Empty disables receiving.
	ReceiveSubject string `koanf:"receive_subject"`

	// Queue is an optional queue group for the subscription.
	Queue string `koanf:"queue"`

	// BufferSize bounds messages held between receive loops. Default 256.
	BufferSize int `koanf:"buffer_size"`

	// ConnectTimeout defaults to 5s.
	ConnectTimeout time.Duration `koanf:"connect_timeout"`

	// FlushTimeout defaults to 1s.
	FlushTimeout time.Duration `koanf:"flush_timeout"`
}

func (c Config) applyDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = time.Second
	}
	return c
}

func (c Config) validate() error {
	if c.URL == "" {
		return errors.New("nats: url is required")
	}
	if c.Subject == "" && c.ReceiveSubject == "" {
		return errors.New("nats: subject or receive_subject is required")
	}
	return nil
}

// Transport is a channel.Transport over a NATS connection.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	conn    *nats.Conn
	sub     *nats.Subscription
	msgs    chan *nats.Msg
	deliver func([]byte)
}

// NewTransport validates cfg and returns an unconnected transport.
func NewTransport(cfg Config, logger *slog.Logger) (*Transport, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{cfg: cfg.applyDefaults(), logger: logger}, nil
}

// New creates a NATS channel.
func New(cfg Config, chCfg channel.Config) (*channel.Channel, error) {
	t, err := NewTransport(cfg, chCfg.Logger)
	if err != nil {
		return nil, err
	}
	return channel.New(t, chCfg), nil
}

// Receives reports whether a receive subject is configured.
func (t *Transport) Receives() bool { return t.cfg.ReceiveSubject != "" }

func (t *Transport) Open(ctx context.Context, deliver func([]byte)) error {
	conn, err := nats.Connect(
		t.cfg.URL,
		nats.Timeout(t.cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				t.logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			t.logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	var (
		sub  *nats.Subscription
		msgs chan *nats.Msg
	)
	if t.cfg.ReceiveSubject != "" {
		msgs = make(chan *nats.Msg, t.cfg.BufferSize)
		if t.cfg.Queue != "" {
			sub, err = conn.QueueSubscribeSyncWithChan(t.cfg.ReceiveSubject, t.cfg.Queue, msgs)
		} else {
			sub, err = conn.ChanSubscribe(t.cfg.ReceiveSubject, msgs)
		}
		if err != nil {
			conn.Close()
			return fmt.Errorf("failed to subscribe to %s: %w", t.cfg.ReceiveSubject, err)
		}
	}

	t.mu.Lock()
	t.conn, t.sub, t.msgs, t.deliver = conn, sub, msgs, deliver
	t.mu.Unlock()
	return nil
}

func (t *Transport) Send(_ context.Context, payload []byte, _ ...any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return fmt.Errorf("%w: not connected to NATS", channel.ErrTransportUnusable)
	}
	if t.cfg.Subject == "" {
		return errors.New("nats: no subject configured for sending")
	}
	if err := conn.Publish(t.cfg.Subject, payload); err != nil {
		if errors.Is(err, nats.ErrConnectionClosed) {
			err = errors.Join(channel.ErrTransportUnusable, err)
		}
		return fmt.Errorf("failed to publish to %s: %w", t.cfg.Subject, err)
	}
	if err := conn.FlushTimeout(t.cfg.FlushTimeout); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// Receive delivers subscription messages until ctx is done.
func (t *Transport) Receive(ctx context.Context) error {
	t.mu.Lock()
	msgs, deliver := t.msgs, t.deliver
	t.mu.Unlock()

	if msgs == nil {
		return errors.New("nats: no receive_subject configured")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			deliver(msg.Data)
		}
	}
}

func (t *Transport) Close(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	if t.sub != nil {
		err = t.sub.Unsubscribe()
		t.sub = nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.msgs, t.deliver = nil, nil
	if errors.Is(err, nats.ErrConnectionClosed) {
		err = nil
	}
	return err
}

// RegisterFactory registers the "nats" channel factory.
func RegisterFactory() {
	registry.RegisterChannel(registry.ChannelFactory{
		Type:        "nats",
		Description: "Publishes to and subscribes on NATS subjects",
		Create: func(c registry.Component, deps registry.Deps) (ports.Channel, error) {
			var cfg Config
			if err := c.Decode(&cfg); err != nil {
				return nil, err
			}
			return New(cfg, channel.ConfigFrom(c, cfg.URL, channel.HasUserInfo(cfg.URL), deps.Logger))
		},
	})
}
