// Package web adapts HTTP requests and responses to pipelines.
//
// Input turns an *http.Request into an operation context and Output turns
// the final context into a Response that Handler writes back to the client.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
	"github.com/tjfontaine/polyglot-pipeline/internal/server"
)

// DefaultMaxBodyBytes caps request bodies when Input.MaxBodyBytes is zero.
const DefaultMaxBodyBytes = 10 << 20

// Properties set by Input.
const (
	PropertyRemoteAddr = "request.remote_addr"
	PropertyRequestID  = "request.id"
)

// Response is the raw pipeline output.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// ExecutionID identifies the execution that produced the response.
	ExecutionID string
	// Error is set when the context ended in Fault.
	Error *domain.ErrorDetail
}

// Write sends the response.
func (r Response) Write(w http.ResponseWriter) {
	for k, v := range r.Header {
		w.Header()[k] = v
	}
	if len(r.Body) > 0 {
		w.Header().Set("Content-Length", strconv.Itoa(len(r.Body)))
	}
	w.WriteHeader(r.StatusCode)
	if len(r.Body) > 0 {
		w.Write(r.Body)
	}
}

// Input converts inbound HTTP requests.
type Input struct {
	// MaxBodyBytes caps the body. Zero uses DefaultMaxBodyBytes.
	MaxBodyBytes int64

	// RequestID, when set, supplies the request id property.
	RequestID func(ctx context.Context) string
}

var _ ports.InputAdapter[*http.Request] = Input{}

// Adapt reads the body and copies method, URL and headers. An empty body
// leaves Content nil.
func (in Input) Adapt(ctx context.Context, r *http.Request) (*domain.OperationContext, error) {
	if r == nil {
		return nil, domain.ErrAdapter("request is required")
	}

	u := *r.URL
	op := domain.NewOperationContext(r.Method, &u)
	op.Request = r
	op.Headers = domain.HeadersFromHTTP(r.Header)
	op.SetProperty(PropertyRemoteAddr, r.RemoteAddr)
	if in.RequestID != nil {
		if id := in.RequestID(ctx); id != "" {
			op.SetProperty(PropertyRequestID, id)
		}
	}

	if r.Body == nil || r.Body == http.NoBody {
		return op, nil
	}
	limit := in.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, domain.ErrAdapter(fmt.Sprintf("request body exceeds %d bytes", limit)).
				WithStatusCode(http.StatusRequestEntityTooLarge).
				WithCause(err)
		}
		return nil, domain.ErrAdapter("failed to read request body").WithCause(err)
	}
	if len(body) > 0 {
		op.SetContent(body, r.Header.Get("Content-Type"))
	}
	return op, nil
}

// Hop-by-hop, framing and request credential headers are never written back.
var skipHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding",
	"Upgrade", "Te", "Trailer", "Content-Length",
	"Authorization", "Proxy-Authorization", "Cookie", "X-Api-Key",
}

// Output converts the final context into a Response.
type Output struct{}

var _ ports.OutputAdapter[Response] = Output{}

func (Output) Adapt(_ context.Context, op *domain.OperationContext) (Response, error) {
	if op == nil {
		return Response{StatusCode: http.StatusOK, Header: http.Header{}}, nil
	}
	if op.StatusCode != 0 && (op.StatusCode < 100 || op.StatusCode > 999) {
		return Response{}, fmt.Errorf("invalid status code %d", op.StatusCode)
	}
	return render(op, op.Content), nil
}

// Fault renders the context. Without content the recorded error message is
// written as a JSON error body.
func (Output) Fault(op *domain.OperationContext) Response {
	if op == nil {
		op = domain.NewOperationContext("", nil)
	}
	if op.StatusCode < 400 || op.StatusCode > 999 {
		op.StatusCode = http.StatusInternalServerError
	}
	if op.Content != nil {
		return render(op, op.Content)
	}

	message := http.StatusText(op.StatusCode)
	if op.Error != nil && op.Error.Message != "" {
		message = op.Error.Message
	}
	body, _ := json.Marshal(map[string]any{
		"error": map[string]any{"message": message, "status": op.StatusCode},
	})
	op.ContentType = "application/json"
	return render(op, body)
}

func render(op *domain.OperationContext, body []byte) Response {
	header := op.Headers.HTTP()
	for _, h := range skipHeaders {
		header.Del(h)
	}
	if len(body) == 0 {
		header.Del("Content-Type")
	} else {
		switch {
		case op.ContentType != "":
			header.Set("Content-Type", op.ContentType)
		case header.Get("Content-Type") == "":
			header.Set("Content-Type", http.DetectContentType(body))
		}
	}

	code := op.StatusCode
	if code == 0 {
		code = http.StatusOK
	}
	resp := Response{StatusCode: code, Header: header, Body: body, ExecutionID: op.ExecutionID()}
	if op.Status == domain.StatusFault {
		resp.Error = op.Error
		if resp.Error == nil {
			resp.Error = &domain.ErrorDetail{Message: http.StatusText(code)}
		}
	}
	return resp
}

// Executor runs a pipeline for an HTTP request.
type Executor interface {
	Name() string
	Execute(ctx context.Context, r *http.Request) Response
}

// Handler serves requests through an Executor.
type Handler struct {
	exec Executor
}

// NewHandler creates a handler for exec.
func NewHandler(exec Executor) *Handler {
	return &Handler{exec: exec}
}

// ServeHTTP executes the pipeline and records pipeline, execution_id and
// pipeline_status in the request log.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := h.exec.Execute(ctx, r)

	server.AddLogField(ctx, "pipeline", h.exec.Name())
	server.AddLogField(ctx, "execution_id", resp.ExecutionID)
	if resp.Error != nil {
		server.AddLogField(ctx, "pipeline_status", "fault")
		server.AddLogField(ctx, "pipeline_error", resp.Error.Message)
	} else {
		server.AddLogField(ctx, "pipeline_status", "complete")
	}
	resp.Write(w)
}
