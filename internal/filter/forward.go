package filter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
	"github.com/tjfontaine/polyglot-pipeline/internal/registry"
)

// ForwardConfig configures a Forward filter.
type ForwardConfig struct {
	ServerURL string `koanf:"server_url"`
	// Method overrides the request method.
	Method string `koanf:"method"`
	// PreservePath appends the request path and query to ServerURL.
	PreservePath     bool          `koanf:"preserve_path"`
	Timeout          time.Duration `koanf:"timeout"`
	MaxRetryAttempts int           `koanf:"max_retry_attempts"`
	RetryDelay       time.Duration `koanf:"retry_delay"`
	// Resource and Scopes request a bearer token for the upstream call.
	Resource string   `koanf:"resource"`
	Scopes   []string `koanf:"scopes"`
	// MaxResponseBytes caps the upstream body, 10 MiB by default.
	MaxResponseBytes int64 `koanf:"max_response_bytes"`
}

const defaultMaxResponseBytes = 10 << 20

// errResponseTooLarge is returned when an upstream body exceeds its cap.
var errResponseTooLarge = errors.New("response body too large")

// readLimited reads at most limit bytes of r.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", errResponseTooLarge, limit)
	}
	return body, nil
}

// hopHeaders are not forwarded in either direction.
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Content-Length", "Host",
}

// Forward sends the request to an upstream server and replaces the status,
// headers and content of the operation context with the response.
// Transport failures and 5xx responses are retried; once attempts are
// exhausted the context is faulted with 502. A context served from the
// cache is passed through untouched.
type Forward struct {
	Base
	cfg    ForwardConfig
	target *url.URL
	client *http.Client
	tokens ports.TokenProvider
	logger *slog.Logger
}

var _ ports.Filter = (*Forward)(nil)

// NewForward creates a forward filter. tokens may be nil when cfg.Resource is empty.
func NewForward(b Base, cfg ForwardConfig, client *http.Client, tokens ports.TokenProvider, logger *slog.Logger) (*Forward, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server_url is required")
	}
	target, err := url.Parse(cfg.ServerURL)
	if err != nil || target.Host == "" {
		return nil, fmt.Errorf("invalid server_url %q", cfg.ServerURL)
	}
	if cfg.Resource != "" && tokens == nil {
		return nil, errors.New("a token provider is required when resource is set")
	}
	if cfg.MaxRetryAttempts < 0 {
		return nil, errors.New("max_retry_attempts cannot be negative")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxResponseBytes < 0 {
		return nil, errors.New("max_response_bytes cannot be negative")
	}
	if cfg.MaxResponseBytes == 0 {
		cfg.MaxResponseBytes = defaultMaxResponseBytes
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Forward{Base: b, cfg: cfg, target: target, client: client, tokens: tokens, logger: logger}, nil
}

func newForwardFromComponent(c registry.Component, deps registry.Deps) (ports.Filter, error) {
	var cfg ForwardConfig
	if err := c.Decode(&cfg); err != nil {
		return nil, err
	}
	return NewForward(baseFrom(c), cfg, deps.HTTPClient, deps.Tokens, deps.Logger)
}

func (f *Forward) Execute(ctx context.Context, op *domain.OperationContext) (*domain.OperationContext, error) {
	if servedFromCache(op) {
		return op, nil
	}

	var token string
	if f.cfg.Resource != "" {
		t, err := f.tokens.AcquireToken(ctx, f.cfg.Resource, f.cfg.Scopes...)
		if err != nil {
			return op, domain.ErrUnauthenticated("forward token acquisition failed: " + err.Error()).AsFatal()
		}
		token = t
	}

	var (
		resp    *http.Response
		body    []byte
		lastErr error
	)
	attempts := f.cfg.MaxRetryAttempts + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, body, lastErr = f.do(ctx, op, token)
		if lastErr == nil && resp.StatusCode < http.StatusInternalServerError {
			break
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("upstream returned status %d", resp.StatusCode)
		}
		if ctx.Err() != nil || attempt == attempts || errors.Is(lastErr, errResponseTooLarge) {
			break
		}

		f.logger.Debug("retrying forward",
			slog.String("filter", f.Name()),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()))

		select {
		case <-ctx.Done():
		case <-time.After(f.cfg.RetryDelay):
		}
	}

	if err := ctx.Err(); err != nil {
		return op, domain.ErrCanceled(err)
	}
	if resp == nil || resp.StatusCode >= http.StatusInternalServerError {
		return op, f.fault(op, http.StatusBadGateway, "forward failed: "+lastErr.Error())
	}

	headers := domain.HeadersFromHTTP(resp.Header)
	for _, h := range hopHeaders {
		headers.Del(h)
	}
	op.Headers = headers
	op.StatusCode = resp.StatusCode
	op.SetContent(body, resp.Header.Get("Content-Type"))
	return op, nil
}

func (f *Forward) do(ctx context.Context, op *domain.OperationContext, token string) (*http.Response, []byte, error) {
	method := f.cfg.Method
	if method == "" {
		method = op.Method
	}
	if method == "" {
		method = http.MethodPost
	}

	target := *f.target
	if f.cfg.PreservePath && op.URL != nil {
		target.Path = strings.TrimSuffix(target.Path, "/") + op.URL.Path
		target.RawQuery = op.URL.RawQuery
	}

	var reqBody io.Reader
	if len(op.Content) > 0 {
		reqBody = bytes.NewReader(op.Content)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), target.String(), reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}

	req.Header = op.Headers.HTTP()
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	if op.ContentType != "" {
		req.Header.Set("Content-Type", op.ContentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("forward request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := readLimited(resp.Body, f.cfg.MaxResponseBytes)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, body, nil
}
