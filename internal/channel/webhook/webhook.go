// Package webhook provides a channel that POSTs each payload to an HTTP
// endpoint and raises non-empty response bodies as received messages.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-pipeline/internal/channel"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
	"github.com/tjfontaine/polyglot-pipeline/internal/registry"
)

const maxResponseBytes = 1 << 20

// Config configures a webhook channel.
type Config struct {
	URL     string            `koanf:"url"`
	Method  string            `koanf:"method"` // Default POST
	Headers map[string]string `koanf:"headers"`

	// Resource, when set, acquires a bearer token for every request.
	Resource string   `koanf:"resource"`
	Scopes   []string `koanf:"scopes"`

	// Timeout bounds each request. Default 10s.
	Timeout time.Duration `koanf:"timeout"`

	// IgnoreResponse suppresses raising response bodies.
	IgnoreResponse bool `koanf:"ignore_response"`
}

// Transport is a channel.Transport over HTTP requests.
type Transport struct {
	cfg    Config
	client *http.Client
	tokens ports.TokenProvider
	logger *slog.Logger

	mu      sync.Mutex
	deliver func([]byte)
}

// NewTransport validates cfg. A nil client uses http.DefaultClient.
func NewTransport(cfg Config, client *http.Client, tokens ports.TokenProvider, logger *slog.Logger) (*Transport, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("webhook: invalid url %q", cfg.URL)
	}
	if cfg.Resource != "" && tokens == nil {
		return nil, errors.New("webhook: resource requires a token provider")
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{cfg: cfg, client: client, tokens: tokens, logger: logger}, nil
}

// New creates a webhook channel.
func New(cfg Config, chCfg channel.Config, client *http.Client, tokens ports.TokenProvider) (*channel.Channel, error) {
	t, err := NewTransport(cfg, client, tokens, chCfg.Logger)
	if err != nil {
		return nil, err
	}
	return channel.New(t, chCfg), nil
}

func (t *Transport) Open(_ context.Context, deliver func([]byte)) error {
	t.mu.Lock()
	t.deliver = deliver
	t.mu.Unlock()
	return nil
}

func (t *Transport) Send(ctx context.Context, payload []byte, items ...any) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, t.cfg.Method, t.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if op := channel.Operation(items); op != nil && op.ContentType != "" {
		req.Header.Set("Content-Type", op.ContentType)
	}
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}
	if t.cfg.Resource != "" {
		token, err := t.tokens.AcquireToken(ctx, t.cfg.Resource, t.cfg.Scopes...)
		if err != nil {
			return fmt.Errorf("failed to acquire token for %s: %w", t.cfg.Resource, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read webhook response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	if len(body) > 0 && !t.cfg.IgnoreResponse {
		t.mu.Lock()
		deliver := t.deliver
		t.mu.Unlock()
		if deliver != nil {
			deliver(body)
		}
	}
	return nil
}

// Receive blocks until ctx is done; responses are raised from Send.
func (t *Transport) Receive(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (t *Transport) Close(context.Context) error {
	t.mu.Lock()
	t.deliver = nil
	t.mu.Unlock()
	return nil
}

// RegisterFactory registers the "webhook" channel factory.
func RegisterFactory() {
	registry.RegisterChannel(registry.ChannelFactory{
		Type:        "webhook",
		Description: "Sends payloads to an HTTP endpoint",
		Create: func(c registry.Component, deps registry.Deps) (ports.Channel, error) {
			var cfg Config
			if err := c.Decode(&cfg); err != nil {
				return nil, err
			}
			return New(cfg, channel.ConfigFrom(c, cfg.URL, cfg.Resource != "", deps.Logger), deps.HTTPClient, deps.Tokens)
		},
	})
}
