// Package websocket provides a channel over a client WebSocket connection.
//
// A single reader goroutine runs for the lifetime of the connection so that
// control frames are always processed. Messages read outside a receive loop
// are buffered up to BufferSize and then dropped.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/tjfontaine/polyglot-pipeline/internal/channel"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
	"github.com/tjfontaine/polyglot-pipeline/internal/registry"
)

// Config configures a WebSocket channel.
type Config struct {
	// URL is a ws:// or wss:// URL.
	URL     string            `koanf:"url"`
	Headers map[string]string `koanf:"headers"`

	// Binary sends binary frames instead of text frames.
	Binary bool `koanf:"binary"`

	// Resource, when set, acquires a bearer token for the handshake.
	Resource string   `koanf:"resource"`
	Scopes   []string `koanf:"scopes"`

	// DialTimeout defaults to 10s.
	DialTimeout time.Duration `koanf:"dial_timeout"`

	// ReadLimit caps a single message. Default 1 MiB.
	ReadLimit int64 `koanf:"read_limit"`

	// BufferSize defaults to 64.
	BufferSize int `koanf:"buffer_size"`
}

func (c Config) applyDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	return c
}

// Transport is a channel.Transport over a coder/websocket connection.
type Transport struct {
	cfg    Config
	client *http.Client
	tokens ports.TokenProvider
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	inbound chan []byte
	readErr chan error
	stop    context.CancelFunc
	deliver func([]byte)
}

// NewTransport validates cfg. client and tokens may be nil; tokens is
// required when cfg.Resource is set.
func NewTransport(cfg Config, client *http.Client, tokens ports.TokenProvider, logger *slog.Logger) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("websocket: url is required")
	}
	if cfg.Resource != "" && tokens == nil {
		return nil, errors.New("websocket: resource requires a token provider")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{cfg: cfg.applyDefaults(), client: client, tokens: tokens, logger: logger}, nil
}

// New creates a WebSocket channel.
func New(cfg Config, chCfg channel.Config, client *http.Client, tokens ports.TokenProvider) (*channel.Channel, error) {
	t, err := NewTransport(cfg, client, tokens, chCfg.Logger)
	if err != nil {
		return nil, err
	}
	return channel.New(t, chCfg), nil
}

// Receives reports true; the peer may write at any time.
func (t *Transport) Receives() bool { return true }

func (t *Transport) Open(ctx context.Context, deliver func([]byte)) error {
	header := make(http.Header, len(t.cfg.Headers)+1)
	for k, v := range t.cfg.Headers {
		header.Set(k, v)
	}
	if t.cfg.Resource != "" {
		token, err := t.tokens.AcquireToken(ctx, t.cfg.Resource, t.cfg.Scopes...)
		if err != nil {
			return fmt.Errorf("failed to acquire token for %s: %w", t.cfg.Resource, err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, t.cfg.URL, &websocket.DialOptions{
		HTTPClient: t.client,
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", t.cfg.URL, err)
	}
	conn.SetReadLimit(t.cfg.ReadLimit)

	readCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	inbound := make(chan []byte, t.cfg.BufferSize)
	readErr := make(chan error, 1)

	t.mu.Lock()
	t.conn, t.inbound, t.readErr, t.stop, t.deliver = conn, inbound, readErr, stop, deliver
	t.mu.Unlock()

	go t.read(readCtx, conn, inbound, readErr)
	return nil
}

func (t *Transport) read(ctx context.Context, conn *websocket.Conn, inbound chan<- []byte, readErr chan<- error) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			readErr <- err
			return
		}
		select {
		case inbound <- data:
		default:
			t.logger.Warn("dropping websocket message, receive buffer full")
		}
	}
}

func (t *Transport) Send(ctx context.Context, payload []byte, _ ...any) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("%w: not connected", channel.ErrTransportUnusable)
	}
	typ := websocket.MessageText
	if t.cfg.Binary {
		typ = websocket.MessageBinary
	}
	// A failed write closes the connection.
	if err := conn.Write(ctx, typ, payload); err != nil {
		return fmt.Errorf("%w: %w", channel.ErrTransportUnusable, err)
	}
	return nil
}

// Receive delivers inbound messages until ctx is done. A normal close by
// the peer ends the loop without error.
func (t *Transport) Receive(ctx context.Context) error {
	t.mu.Lock()
	inbound, readErr, deliver := t.inbound, t.readErr, t.deliver
	t.mu.Unlock()

	if inbound == nil {
		return errors.New("websocket: not connected")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-inbound:
			deliver(data)
		case err := <-readErr:
			// Let a later Receive observe the same condition.
			readErr <- err
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("websocket read: %w", err)
		}
	}
}

func (t *Transport) Close(context.Context) error {
	t.mu.Lock()
	conn, stop := t.conn, t.stop
	t.conn, t.inbound, t.readErr, t.stop, t.deliver = nil, nil, nil, nil, nil
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "closed")
	stop()
	if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close websocket: %w", err)
	}
	return nil
}

// RegisterFactory registers the "websocket" channel factory.
func RegisterFactory() {
	registry.RegisterChannel(registry.ChannelFactory{
		Type:        "websocket",
		Description: "Exchanges messages over a WebSocket connection",
		Create: func(c registry.Component, deps registry.Deps) (ports.Channel, error) {
			var cfg Config
			if err := c.Decode(&cfg); err != nil {
				return nil, err
			}
			return New(cfg, channel.ConfigFrom(c, cfg.URL, cfg.Resource != "", deps.Logger), deps.HTTPClient, deps.Tokens)
		},
	})
}
