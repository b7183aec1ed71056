// Package filter provides the built-in pipeline filters.
//
// Filters are shared between concurrent executions and keep no
// per-request state outside the operation context they are given.
package filter

import (
	"context"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
	"github.com/tjfontaine/polyglot-pipeline/internal/registry"
)

// Base carries the identity every filter reports.
type Base struct {
	id     string
	name   string
	status domain.StatusType
}

// NewBase returns a Base. An empty id is replaced with a fresh UUID.
func NewBase(id, name string, status domain.StatusType) Base {
	if id == "" {
		id = uuid.New().String()
	}
	return Base{id: id, name: name, status: status}
}

func baseFrom(c registry.Component) Base {
	return NewBase(c.ID, c.Name, c.Status)
}

func (b Base) ID() string                         { return b.id }
func (b Base) Name() string                       { return b.name }
func (b Base) ExecutionStatus() domain.StatusType { return b.status }

// fault moves op into Fault and returns a non-fatal filter error describing it.
func (b Base) fault(op *domain.OperationContext, statusCode int, message string) *domain.PipelineError {
	pe := domain.ErrFilter(message).WithFilter(b.name, b.id).WithStatusCode(statusCode)
	op.Fault(statusCode, pe.ErrorDetail())
	return pe
}

// Func adapts a function to ports.Filter.
type Func struct {
	Base
	fn func(ctx context.Context, op *domain.OperationContext) (*domain.OperationContext, error)
}

var _ ports.Filter = (*Func)(nil)

// NewFunc creates a filter that calls fn.
func NewFunc(name string, status domain.StatusType, fn func(ctx context.Context, op *domain.OperationContext) (*domain.OperationContext, error)) *Func {
	return &Func{Base: NewBase("", name, status), fn: fn}
}

func (f *Func) Execute(ctx context.Context, op *domain.OperationContext) (*domain.OperationContext, error) {
	return f.fn(ctx, op)
}

// RegisterFactories registers the built-in filter factories.
func RegisterFactories() {
	registry.RegisterFilter(registry.FilterFactory{
		Type:        "header",
		Description: "Sets, appends and removes headers",
		Create:      newHeaderFromComponent,
	})
	registry.RegisterFilter(registry.FilterFactory{
		Type:        "content",
		Description: "Replaces the body or sets top-level JSON properties",
		Create:      newContentFromComponent,
	})
	registry.RegisterFilter(registry.FilterFactory{
		Type:        "validate",
		Description: "Faults requests that fail method, header, content type or body checks",
		Create:      newValidateFromComponent,
	})
	registry.RegisterFilter(registry.FilterFactory{
		Type:        "token",
		Description: "Acquires a bearer token and injects it as a header",
		Create:      newTokenFromComponent,
	})
	registry.RegisterFilter(registry.FilterFactory{
		Type:        "webhook",
		Description: "Calls an external webhook that may allow, deny or mutate the request",
		Create:      newWebhookFromComponent,
	})
	registry.RegisterFilter(registry.FilterFactory{
		Type:        "forward",
		Description: "Forwards the request to a server and maps the response back",
		Create:      newForwardFromComponent,
	})
	registry.RegisterFilter(registry.FilterFactory{
		Type:        "cache",
		Description: "Serves or stores responses in the cache backing store",
		Create:      newCacheFromComponent,
	})
	registry.RegisterFilter(registry.FilterFactory{
		Type:        "fault",
		Description: "Renders the recorded error as a JSON body",
		Create:      newFaultFromComponent,
	})
}
