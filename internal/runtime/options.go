package runtime

import (
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjfontaine/polyglot-pipeline/internal/adapters/config/file"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		provider, err := file.NewProvider(path, g.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		g.config = provider
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
// For advanced use cases where you need full control over config loading.
func WithConfigProvider(provider ports.ConfigProvider) Option {
	return func(g *Gateway) error {
		g.config = provider
		return nil
	}
}

// WithLogger sets a custom logger. Set it before WithFileConfig so the
// provider logs through it too.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		g.logger = logger
		return nil
	}
}

// WithCacheStore sets the cache backing store, overriding storage.type.
// The caller keeps ownership; the gateway does not close it.
func WithCacheStore(store ports.CacheStore) Option {
	return func(g *Gateway) error {
		g.cache = store
		return nil
	}
}

// WithEventPublisher sets a custom event publisher for lifecycle events.
// The caller keeps ownership; the gateway does not close it.
func WithEventPublisher(publisher ports.EventPublisher) Option {
	return func(g *Gateway) error {
		g.events = publisher
		return nil
	}
}

// WithMetricsRegistry registers pipeline metrics with reg and serves it
// on /metrics regardless of telemetry.metrics.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(g *Gateway) error {
		g.registry = reg
		return nil
	}
}

// WithTraceWriter sets where the stdout trace exporter writes.
func WithTraceWriter(w io.Writer) Option {
	return func(g *Gateway) error {
		g.traceOut = w
		return nil
	}
}

// WithListener serves on ln instead of listening on server.port.
func WithListener(ln net.Listener) Option {
	return func(g *Gateway) error {
		g.listener = ln
		return nil
	}
}
