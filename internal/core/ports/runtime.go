package ports

import (
	"context"

	"github.com/tjfontaine/polyglot-pipeline/internal/config"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based (default), remote API, etc.
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// CacheStore is the backing store used by filters that memoize.
// Absence is reported through the boolean, never as an error.
// Implementations: memory (default), SQLite, Redis.
type CacheStore interface {
	Add(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Remove(ctx context.Context, key string) (bool, error)
	Close() error
}

// TokenProvider acquires bearer tokens for outbound calls.
type TokenProvider interface {
	AcquireToken(ctx context.Context, resource string, scopes ...string) (string, error)
}

// EventStore persists lifecycle events.
type EventStore interface {
	AppendLifecycleEvent(ctx context.Context, event *domain.LifecycleEvent) error
	ListLifecycleEvents(ctx context.Context, executionID string) ([]*domain.LifecycleEvent, error)
}

// EventPublisher publishes pipeline lifecycle events.
// Implementations: direct storage (default), message bus, etc.
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.LifecycleEvent) error
	Close() error
}
