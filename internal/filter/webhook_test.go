package filter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/testutil"
)

func TestWebhook_Mutate(t *testing.T) {
	r, cleanup := testutil.NewVCRRecorder(t, "webhook_mutate")
	defer cleanup()

	f, err := NewWebhook(NewBase("", "policy", domain.StatusNormal),
		WebhookConfig{URL: "https://policy.example.com/check"},
		testutil.VCRHTTPClient(r), nil)
	if err != nil {
		t.Fatalf("NewWebhook() error = %v", err)
	}

	op := newOp(t, "POST", "http://example.com/orders")
	op.SetContent([]byte(`{"card":"4111"}`), "application/json")

	out, err := f.Execute(context.Background(), op)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(out.Content) != `{"card":"redacted"}` {
		t.Errorf("content = %s", out.Content)
	}
	if out.Headers.Get("X-Policy") != "checked" {
		t.Errorf("headers = %v", out.Headers.HTTP())
	}
	if v, _ := out.Property("policy.version"); v != "7" {
		t.Errorf("policy.version = %v", v)
	}
	if out.Status != domain.StatusNormal {
		t.Errorf("status = %v, want Normal", out.Status)
	}
}

func TestWebhook_Deny(t *testing.T) {
	r, cleanup := testutil.NewVCRRecorder(t, "webhook_deny")
	defer cleanup()

	f, _ := NewWebhook(NewBase("", "policy", domain.StatusNormal),
		WebhookConfig{URL: "https://policy.example.com/check"},
		testutil.VCRHTTPClient(r), nil)

	_, err := f.Execute(context.Background(), newOp(t, "DELETE", "http://example.com/orders/1"))
	pe, ok := domain.AsPipelineError(err)
	if !ok {
		t.Fatalf("error = %v, want PipelineError", err)
	}
	if !pe.Fatal || pe.HTTPStatusCode() != http.StatusForbidden {
		t.Errorf("fatal = %v status = %d, want fatal 403", pe.Fatal, pe.HTTPStatusCode())
	}
	if pe.Message != "orders cannot be deleted" {
		t.Errorf("message = %q", pe.Message)
	}
}

func TestWebhook_RequestShape(t *testing.T) {
	var got WebhookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Webhook-Secret") != "s3cret" {
			t.Errorf("missing custom header")
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	f, _ := NewWebhook(NewBase("", "policy", domain.StatusNormal),
		WebhookConfig{URL: srv.URL, Headers: map[string]string{"X-Webhook-Secret": "s3cret"}},
		srv.Client(), nil)

	op := newOp(t, "PUT", "http://example.com/items?id=3")
	op.Headers.Set("X-Trace", "t1")
	op.SetContent([]byte("payload"), "text/plain")

	out, err := f.Execute(context.Background(), op)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out != op || string(out.Content) != "payload" {
		t.Error("allow should leave the context untouched")
	}

	if got.Phase != "request" || got.Filter != "policy" {
		t.Errorf("request = %+v", got)
	}
	if got.Context.Method != "PUT" || got.Context.URL != "http://example.com/items?id=3" || got.Context.Content != "payload" {
		t.Errorf("context = %+v", got.Context)
	}
	if got.Context.Headers["X-Trace"][0] != "t1" {
		t.Errorf("headers = %v", got.Context.Headers)
	}
}

func TestWebhook_OnError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tests := []struct {
		name      string
		onError   string
		wantFatal bool
	}{
		{"fail closed by default", "", true},
		{"fail open", "allow", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls.Store(0)
			f, err := NewWebhook(NewBase("", "policy", domain.StatusNormal),
				WebhookConfig{URL: srv.URL, OnError: tt.onError, Retries: 2, Timeout: time.Second},
				srv.Client(), nil)
			if err != nil {
				t.Fatalf("NewWebhook() error = %v", err)
			}

			_, err = f.Execute(context.Background(), newOp(t, "GET", "http://example.com/"))
			if calls.Load() != 3 {
				t.Errorf("calls = %d, want 3", calls.Load())
			}

			if !tt.wantFatal {
				if err != nil {
					t.Errorf("Execute() error = %v, want nil", err)
				}
				return
			}
			pe, ok := domain.AsPipelineError(err)
			if !ok || !pe.Fatal || pe.HTTPStatusCode() != http.StatusBadGateway {
				t.Errorf("error = %v, want fatal 502", err)
			}
		})
	}
}

func TestNewWebhook_Validation(t *testing.T) {
	b := NewBase("", "policy", domain.StatusNormal)
	if _, err := NewWebhook(b, WebhookConfig{}, nil, nil); err == nil {
		t.Error("expected error for missing url")
	}
	if _, err := NewWebhook(b, WebhookConfig{URL: "http://x", OnError: "maybe"}, nil, nil); err == nil {
		t.Error("expected error for invalid on_error")
	}
}

func TestWebhook_CacheHitPassesThrough(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"action":"deny"}`))
	}))
	defer srv.Close()

	f, _ := NewWebhook(NewBase("", "policy", domain.StatusNormal), WebhookConfig{URL: srv.URL}, srv.Client(), nil)

	op := newOp(t, "GET", "http://example.com/")
	op.SetProperty(PropertyCacheHit, true)
	if _, err := f.Execute(context.Background(), op); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("webhook calls = %d, want 0", calls.Load())
	}
}

func TestWebhook_ResponseTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"action":"allow","content":"`))
		w.Write(make([]byte, maxWebhookResponseBytes))
		w.Write([]byte(`"}`))
	}))
	defer srv.Close()

	f, _ := NewWebhook(NewBase("", "policy", domain.StatusNormal), WebhookConfig{URL: srv.URL}, srv.Client(), nil)

	_, err := f.Execute(context.Background(), newOp(t, "GET", "http://example.com/"))
	pe, ok := domain.AsPipelineError(err)
	if !ok || !pe.Fatal || pe.HTTPStatusCode() != http.StatusBadGateway {
		t.Errorf("error = %v, want fatal 502", err)
	}
}
