package web

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/filter"
	"github.com/tjfontaine/polyglot-pipeline/internal/pipeline"
	"github.com/tjfontaine/polyglot-pipeline/internal/server"
)

func TestInput_Adapt(t *testing.T) {
	r := httptest.NewRequest("POST", "/orders?id=1", strings.NewReader(`{"a":1}`))
	r.Header.Set("Content-Type", "application/json")
	r.Header.Add("X-Multi", "1")
	r.Header.Add("X-Multi", "2")

	in := Input{RequestID: func(context.Context) string { return "req-1" }}
	op, err := in.Adapt(context.Background(), r)
	if err != nil {
		t.Fatalf("Adapt() error = %v", err)
	}
	if op.Method != "POST" || op.URL.Path != "/orders" || op.URL.RawQuery != "id=1" {
		t.Errorf("request line = %s %s", op.Method, op.URL)
	}
	if string(op.Content) != `{"a":1}` || op.ContentType != "application/json" {
		t.Errorf("content = %s %s", op.Content, op.ContentType)
	}
	if got := op.Headers.Values("X-Multi"); len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Errorf("X-Multi = %v", got)
	}
	if v, _ := op.Property(PropertyRequestID); v != "req-1" {
		t.Errorf("request id = %v", v)
	}
	if op.Status != domain.StatusNormal || op.Request != r {
		t.Error("context should be Normal and carry the raw request")
	}
}

func TestInput_EmptyBody(t *testing.T) {
	op, err := Input{}.Adapt(context.Background(), httptest.NewRequest("GET", "/", nil))
	if err != nil {
		t.Fatalf("Adapt() error = %v", err)
	}
	if op.Content != nil {
		t.Errorf("content = %q, want nil", op.Content)
	}
}

func TestInput_BodyTooLarge(t *testing.T) {
	r := httptest.NewRequest("POST", "/", strings.NewReader("0123456789"))
	_, err := Input{MaxBodyBytes: 4}.Adapt(context.Background(), r)

	pe, ok := domain.AsPipelineError(err)
	if !ok || pe.HTTPStatusCode() != http.StatusRequestEntityTooLarge {
		t.Errorf("error = %v, want 413 PipelineError", err)
	}
}

func TestOutput_Adapt(t *testing.T) {
	op := domain.NewOperationContext("GET", nil)
	op.StatusCode = http.StatusCreated
	op.Headers.Set("X-Out", "1")
	op.Headers.Set("Authorization", "Bearer secret")
	op.Headers.Set("Content-Length", "999")
	op.SetContent([]byte("<html></html>"), "")

	resp, err := Output{}.Adapt(context.Background(), op)
	if err != nil {
		t.Fatalf("Adapt() error = %v", err)
	}
	if resp.StatusCode != http.StatusCreated || string(resp.Body) != "<html></html>" {
		t.Errorf("response = %d %s", resp.StatusCode, resp.Body)
	}
	if resp.Header.Get("X-Out") != "1" || resp.Header.Get("Authorization") != "" || resp.Header.Get("Content-Length") != "" {
		t.Errorf("headers = %v", resp.Header)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want detected text/html", ct)
	}

	empty, _ := Output{}.Adapt(context.Background(), nil)
	if empty.StatusCode != http.StatusOK || empty.Body != nil {
		t.Errorf("nil context = %+v", empty)
	}

	op.StatusCode = 42
	if _, err := (Output{}).Adapt(context.Background(), op); err == nil {
		t.Error("expected error for invalid status code")
	}
}

func TestOutput_Fault(t *testing.T) {
	op := domain.NewOperationContext("GET", nil)
	op.Fault(http.StatusForbidden, &domain.ErrorDetail{Message: "denied"})

	resp := Output{}.Fault(op)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var body struct {
		Error struct {
			Message string `json:"message"`
			Status  int    `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("body = %s: %v", resp.Body, err)
	}
	if body.Error.Message != "denied" || body.Error.Status != 403 {
		t.Errorf("body = %+v", body)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}

	withBody := domain.NewOperationContext("GET", nil)
	withBody.Fault(http.StatusOK, nil)
	withBody.SetContent([]byte("custom"), "text/plain")
	resp = Output{}.Fault(withBody)
	if resp.StatusCode != http.StatusInternalServerError || string(resp.Body) != "custom" {
		t.Errorf("fault with body = %d %s", resp.StatusCode, resp.Body)
	}
}

type executorFunc func(ctx context.Context, r *http.Request) Response

func (f executorFunc) Name() string { return "test" }

func (f executorFunc) Execute(ctx context.Context, r *http.Request) Response { return f(ctx, r) }

func TestHandler(t *testing.T) {
	h := NewHandler(executorFunc(func(_ context.Context, r *http.Request) Response {
		return Response{
			StatusCode: http.StatusAccepted,
			Header:     http.Header{"X-Path": {r.URL.Path}},
			Body:       []byte("ok"),
		}
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	if rec.Code != http.StatusAccepted || rec.Body.String() != "ok" || rec.Header().Get("X-Path") != "/x" {
		t.Errorf("response = %d %q %v", rec.Code, rec.Body.String(), rec.Header())
	}
	if rec.Header().Get("Content-Length") != "2" {
		t.Errorf("Content-Length = %q", rec.Header().Get("Content-Length"))
	}
}

func TestHandler_LogsExecution(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		block   bool
		want    []string
		code    int
	}{
		{
			name:    "complete",
			timeout: time.Second,
			want:    []string{"pipeline=orders", "pipeline_status=complete", "status=200"},
			code:    http.StatusOK,
		},
		{
			name:    "deadline",
			timeout: 20 * time.Millisecond,
			block:   true,
			want:    []string{"pipeline=orders", "pipeline_status=fault", "status=504", "timeout=20ms", "level=WARN", "pipeline_error="},
			code:    http.StatusGatewayTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wait := filter.NewFunc("wait", domain.StatusNormal, func(ctx context.Context, op *domain.OperationContext) (*domain.OperationContext, error) {
				if tt.block {
					<-ctx.Done()
					return op, ctx.Err()
				}
				return op, nil
			})
			p, err := pipeline.New[*http.Request, Response](Input{}, Output{},
				pipeline.WithName("orders"),
				pipeline.WithFilters(wait))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer p.Close(context.Background())

			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))
			h := server.LoggingMiddleware(logger)(server.TimeoutMiddleware(tt.timeout)(NewHandler(p)))

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest("GET", "/orders", nil))
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d", rec.Code, tt.code)
			}

			out := buf.String()
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("log missing %q: %s", want, out)
				}
			}
			if !strings.Contains(out, "execution_id=") {
				t.Errorf("log has no execution id: %s", out)
			}
			if !tt.block && strings.Contains(out, "timeout=") {
				t.Errorf("unexpired request logged a timeout: %s", out)
			}
		})
	}
}

func TestOutput_CarriesExecutionID(t *testing.T) {
	op := domain.NewOperationContext("GET", nil)
	op.SetProperty(domain.PropertyExecutionID, "exec-1")

	resp, err := Output{}.Adapt(context.Background(), op)
	if err != nil {
		t.Fatalf("Adapt() error = %v", err)
	}
	if resp.ExecutionID != "exec-1" || resp.Error != nil {
		t.Errorf("response = %+v", resp)
	}

	op.Fault(http.StatusBadGateway, nil)
	fault := Output{}.Fault(op)
	if fault.ExecutionID != "exec-1" || fault.Error == nil || fault.Error.Message != "Bad Gateway" {
		t.Errorf("fault = %+v", fault)
	}
}
