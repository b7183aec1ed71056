// Package redis provides a channel that publishes to a Redis pub/sub
// channel and subscribes to another.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tjfontaine/polyglot-pipeline/internal/channel"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
	"github.com/tjfontaine/polyglot-pipeline/internal/registry"
)

// Config configures a Redis pub/sub channel.
type Config struct {
	// URL is a redis:// or rediss:// URL. Addr is used when URL is empty.
	URL      string `koanf:"url"`
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`

	// Channel receives sent payloads.
	Channel string `koanf:"channel"`

	// ReceiveChannel is subscribed to while open. Empty disables receiving.
	ReceiveChannel string `koanf:"receive_channel"`
}

func (c Config) options() (*goredis.Options, error) {
	if c.URL != "" {
		opts, err := goredis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: invalid url: %w", err)
		}
		return opts, nil
	}
	if c.Addr == "" {
		return nil, errors.New("redis: url or addr is required")
	}
	return &goredis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB}, nil
}

func (c Config) endpoint() string {
	if c.URL != "" {
		return c.URL
	}
	return "redis://" + c.Addr
}

// Transport is a channel.Transport over go-redis pub/sub.
type Transport struct {
	cfg    Config
	opts   *goredis.Options
	logger *slog.Logger

	mu      sync.Mutex
	client  *goredis.Client
	pubsub  *goredis.PubSub
	deliver func([]byte)
}

// NewTransport validates cfg and returns an unconnected transport.
func NewTransport(cfg Config, logger *slog.Logger) (*Transport, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	if cfg.Channel == "" && cfg.ReceiveChannel == "" {
		return nil, errors.New("redis: channel or receive_channel is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{cfg: cfg, opts: opts, logger: logger}, nil
}

// New creates a Redis pub/sub channel.
func New(cfg Config, chCfg channel.Config) (*channel.Channel, error) {
	t, err := NewTransport(cfg, chCfg.Logger)
	if err != nil {
		return nil, err
	}
	return channel.New(t, chCfg), nil
}

// Receives reports whether a receive channel is configured.
func (t *Transport) Receives() bool { return t.cfg.ReceiveChannel != "" }

func (t *Transport) Open(ctx context.Context, deliver func([]byte)) error {
	client := goredis.NewClient(t.opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	var pubsub *goredis.PubSub
	if t.cfg.ReceiveChannel != "" {
		pubsub = client.Subscribe(ctx, t.cfg.ReceiveChannel)
		// Wait for the subscription confirmation so no publish is missed.
		if _, err := pubsub.Receive(ctx); err != nil {
			pubsub.Close()
			client.Close()
			return fmt.Errorf("failed to subscribe to %s: %w", t.cfg.ReceiveChannel, err)
		}
	}

	t.mu.Lock()
	t.client, t.pubsub, t.deliver = client, pubsub, deliver
	t.mu.Unlock()
	return nil
}

func (t *Transport) Send(ctx context.Context, payload []byte, _ ...any) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil {
		return fmt.Errorf("%w: not connected to redis", channel.ErrTransportUnusable)
	}
	if t.cfg.Channel == "" {
		return errors.New("redis: no channel configured for sending")
	}
	if err := client.Publish(ctx, t.cfg.Channel, payload).Err(); err != nil {
		if errors.Is(err, goredis.ErrClosed) {
			err = errors.Join(channel.ErrTransportUnusable, err)
		}
		return fmt.Errorf("failed to publish to %s: %w", t.cfg.Channel, err)
	}
	return nil
}

// Receive delivers subscription messages until ctx is done.
func (t *Transport) Receive(ctx context.Context) error {
	t.mu.Lock()
	pubsub, deliver := t.pubsub, t.deliver
	t.mu.Unlock()

	if pubsub == nil {
		return errors.New("redis: no receive_channel configured")
	}
	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			deliver([]byte(msg.Payload))
		}
	}
}

func (t *Transport) Close(context.Context) error {
	t.mu.Lock()
	client, pubsub := t.client, t.pubsub
	t.client, t.pubsub, t.deliver = nil, nil, nil
	t.mu.Unlock()

	var errs []error
	if pubsub != nil {
		if err := pubsub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if client != nil {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RegisterFactory registers the "redis" channel factory.
func RegisterFactory() {
	registry.RegisterChannel(registry.ChannelFactory{
		Type:        "redis",
		Description: "Publishes to and subscribes on Redis pub/sub channels",
		Create: func(c registry.Component, deps registry.Deps) (ports.Channel, error) {
			var cfg Config
			if err := c.Decode(&cfg); err != nil {
				return nil, err
			}
			authenticated := cfg.Password != "" || channel.HasUserInfo(cfg.URL)
			return New(cfg, channel.ConfigFrom(c, cfg.endpoint(), authenticated, deps.Logger))
		},
	})
}
