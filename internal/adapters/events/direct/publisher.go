// Package direct provides a direct event publisher that writes to storage.
package direct

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
)

// Publisher implements ports.EventPublisher by writing directly to storage.
// This is the default implementation for single-instance deployments.
type Publisher struct {
	store  ports.EventStore
	logger *slog.Logger
}

var _ ports.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a new direct event publisher.
func NewPublisher(store ports.EventStore, logger *slog.Logger) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("event store required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		store:  store,
		logger: logger,
	}, nil
}

// Publish writes a lifecycle event directly to storage.
func (p *Publisher) Publish(ctx context.Context, event *domain.LifecycleEvent) error {
	return p.store.AppendLifecycleEvent(ctx, event)
}

// Listener returns a pipeline listener that persists every event it receives.
// Listeners cannot fail, so storage errors are logged.
func (p *Publisher) Listener(ctx context.Context) func(domain.PipelineEvent) {
	return func(ev domain.PipelineEvent) {
		if err := p.Publish(ctx, domain.NewLifecycleEvent(ev)); err != nil {
			p.logger.Warn("failed to persist lifecycle event",
				slog.String("pipeline", ev.Pipeline),
				slog.String("execution_id", ev.ExecutionID),
				slog.String("type", string(ev.Kind)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Close is a no-op for direct publisher.
func (p *Publisher) Close() error {
	return nil
}
