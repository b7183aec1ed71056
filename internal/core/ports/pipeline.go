// Package ports defines the core interfaces for the pipeline gateway.
// This file contains the filter, channel and adapter contracts a pipeline is
// composed from.
package ports

import (
	"context"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
)

// Filter transforms an operation context. Filters are long-lived and shared
// between concurrent executions: any state kept beyond the passed context
// must be immutable or internally synchronized.
type Filter interface {
	// ID returns the unique identifier assigned at construction.
	ID() string
	// Name returns the display name used in traces and errors.
	Name() string
	// ExecutionStatus returns the status under which the filter runs.
	ExecutionStatus() domain.StatusType
	// Execute runs the filter. A *domain.PipelineError with Fatal unset is
	// reported and the sequence continues; any other error halts it.
	Execute(ctx context.Context, op *domain.OperationContext) (*domain.OperationContext, error)
}

// Channel is a stateful external endpoint. Channels are shared between
// concurrent executions and synchronize their own state.
type Channel interface {
	ID() string
	Name() string
	ExecutionStatus() domain.StatusType
	IsAuthenticated() bool
	IsEncrypted() bool
	// Port returns the network port, 0 if not applicable.
	Port() int
	State() domain.ChannelState

	// Open transitions Closed (or Error) to Open.
	Open(ctx context.Context) error
	// Receive runs the receive loop from Open until the transport ends it or ctx is done.
	Receive(ctx context.Context) error
	// Send transmits payload while Open or Receiving.
	Send(ctx context.Context, payload []byte, items ...any) error
	// AddMessage injects payload as if it had been received.
	AddMessage(ctx context.Context, payload []byte) error
	// Close releases resources. Closing a closed channel is a no-op.
	Close(ctx context.Context) error

	// Subscribe registers a listener for channel notifications and returns
	// a function that removes it.
	Subscribe(fn func(domain.ChannelEvent)) (unsubscribe func())
}

// InputAdapter converts a raw request into an operation context in Normal status.
type InputAdapter[In any] interface {
	Adapt(ctx context.Context, raw In) (*domain.OperationContext, error)
}

// OutputAdapter converts an operation context into a raw response.
type OutputAdapter[Out any] interface {
	// Adapt maps status code, headers and content. A nil context produces an
	// empty 200 response.
	Adapt(ctx context.Context, op *domain.OperationContext) (Out, error)
	// Fault builds a fault response and must not fail.
	Fault(op *domain.OperationContext) Out
}

// InputAdapterFunc adapts a function to InputAdapter.
type InputAdapterFunc[In any] func(ctx context.Context, raw In) (*domain.OperationContext, error)

// Adapt calls f.
func (f InputAdapterFunc[In]) Adapt(ctx context.Context, raw In) (*domain.OperationContext, error) {
	return f(ctx, raw)
}
