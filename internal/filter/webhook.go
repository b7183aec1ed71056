package filter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
	"github.com/tjfontaine/polyglot-pipeline/internal/registry"
)

// WebhookAction is the decision returned by a webhook.
type WebhookAction string

const (
	WebhookAllow  WebhookAction = "allow"
	WebhookDeny   WebhookAction = "deny"
	WebhookMutate WebhookAction = "mutate"
)

// WebhookRequest is posted to the webhook.
type WebhookRequest struct {
	Phase   string         `json:"phase"`
	Filter  string         `json:"filter"`
	Context WebhookContext `json:"context"`
}

// WebhookContext is the JSON view of an operation context.
type WebhookContext struct {
	Method      string              `json:"method"`
	URL         string              `json:"url,omitempty"`
	Status      string              `json:"status"`
	StatusCode  int                 `json:"status_code"`
	Headers     map[string][]string `json:"headers,omitempty"`
	ContentType string              `json:"content_type,omitempty"`
	Content     string              `json:"content,omitempty"`
}

// WebhookResponse is returned by the webhook.
type WebhookResponse struct {
	Action      WebhookAction       `json:"action"`
	Headers     map[string][]string `json:"headers,omitempty"`      // if mutating, replaces all headers
	Content     *string             `json:"content,omitempty"`      // if mutating
	ContentType string              `json:"content_type,omitempty"` // if mutating content
	StatusCode  int                 `json:"status_code,omitempty"`
	Properties  map[string]any      `json:"properties,omitempty"`
	DenyReason  string              `json:"deny_reason,omitempty"` // if denying
}

// maxWebhookResponseBytes caps a webhook decision body.
const maxWebhookResponseBytes = 1 << 20

// WebhookConfig configures a webhook filter.
type WebhookConfig struct {
	URL     string            `koanf:"url"`
	Timeout time.Duration     `koanf:"timeout"`
	OnError string            `koanf:"on_error"` // "allow" or "deny" (default: deny)
	Retries int               `koanf:"retries"`
	Headers map[string]string `koanf:"headers"`
	// DenyStatusCode is the fault status for denials, 403 by default.
	DenyStatusCode int `koanf:"deny_status_code"`
}

// Webhook calls an external HTTP endpoint that may allow, deny or mutate
// the operation context. A context served from the cache is not sent.
type Webhook struct {
	Base
	cfg    WebhookConfig
	client *http.Client
	logger *slog.Logger
}

var _ ports.Filter = (*Webhook)(nil)

// NewWebhook creates a webhook filter. A nil client uses one with cfg.Timeout.
func NewWebhook(b Base, cfg WebhookConfig, client *http.Client, logger *slog.Logger) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, errors.New("url is required")
	}
	switch WebhookAction(cfg.OnError) {
	case "":
		cfg.OnError = string(WebhookDeny) // Default to fail-closed
	case WebhookAllow, WebhookDeny:
	default:
		return nil, fmt.Errorf("invalid on_error %q (must be 'allow' or 'deny')", cfg.OnError)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.DenyStatusCode == 0 {
		cfg.DenyStatusCode = http.StatusForbidden
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Webhook{Base: b, cfg: cfg, client: client, logger: logger}, nil
}

func newWebhookFromComponent(c registry.Component, deps registry.Deps) (ports.Filter, error) {
	var cfg WebhookConfig
	if err := c.Decode(&cfg); err != nil {
		return nil, err
	}
	return NewWebhook(baseFrom(c), cfg, deps.HTTPClient, deps.Logger)
}

// Execute executes the webhook call.
func (w *Webhook) Execute(ctx context.Context, op *domain.OperationContext) (*domain.OperationContext, error) {
	if servedFromCache(op) {
		return op, nil
	}

	var lastErr error

	// Retry loop
	attempts := w.cfg.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		out, err := w.doRequest(ctx, op)
		if err == nil {
			return w.apply(op, out)
		}
		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			break
		}
	}

	// All retries failed - apply onError behavior
	return w.handleError(op, lastErr)
}

func (w *Webhook) doRequest(ctx context.Context, op *domain.OperationContext) (*WebhookResponse, error) {
	in := WebhookRequest{
		Phase:  "request",
		Filter: w.Name(),
		Context: WebhookContext{
			Method:      op.Method,
			Status:      op.Status.String(),
			StatusCode:  op.StatusCode,
			Headers:     op.Headers.HTTP(),
			ContentType: op.ContentType,
			Content:     string(op.Content),
		},
	}
	if op.URL != nil {
		in.Context.URL = op.URL.String()
	}

	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	// Add custom headers
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := readLimited(resp.Body, maxWebhookResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var out WebhookResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("unmarshal webhook response: %w", err)
	}

	switch out.Action {
	case WebhookAllow, WebhookDeny, WebhookMutate:
		// Valid
	case "":
		out.Action = WebhookAllow // Default to allow if not specified
	default:
		return nil, fmt.Errorf("invalid action from webhook: %s", out.Action)
	}

	return &out, nil
}

func (w *Webhook) apply(op *domain.OperationContext, out *WebhookResponse) (*domain.OperationContext, error) {
	switch out.Action {
	case WebhookDeny:
		reason := out.DenyReason
		if reason == "" {
			reason = "denied by webhook " + w.Name()
		}
		status := out.StatusCode
		if status == 0 {
			status = w.cfg.DenyStatusCode
		}
		return op, domain.ErrFatalFilter(reason).WithStatusCode(status)

	case WebhookMutate:
		if out.Headers != nil {
			op.Headers = domain.HeadersFromHTTP(out.Headers)
		}
		if out.Content != nil {
			contentType := out.ContentType
			if contentType == "" {
				contentType = op.ContentType
			}
			op.SetContent([]byte(*out.Content), contentType)
		}
		if out.StatusCode != 0 {
			op.StatusCode = out.StatusCode
		}
		for k, v := range out.Properties {
			op.SetProperty(k, v)
		}
	}

	return op, nil
}

func (w *Webhook) handleError(op *domain.OperationContext, err error) (*domain.OperationContext, error) {
	if WebhookAction(w.cfg.OnError) == WebhookAllow {
		// Fail-open: log and allow
		w.logger.Warn("webhook failed, allowing request",
			slog.String("filter", w.Name()),
			slog.String("url", w.cfg.URL),
			slog.String("error", err.Error()))
		return op, nil
	}

	// Fail-closed
	return op, domain.ErrFatalFilter(fmt.Sprintf("webhook error: %v", err)).
		WithStatusCode(http.StatusBadGateway).
		WithCause(err)
}
