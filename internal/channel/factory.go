package channel

import (
	"log/slog"
	"net/url"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
	"github.com/tjfontaine/polyglot-pipeline/internal/registry"
)

// ConfigFrom builds a channel Config for a configured component. endpoint,
// when set, supplies the port and encryption flag.
func ConfigFrom(c registry.Component, endpoint string, authenticated bool, logger *slog.Logger) Config {
	cfg := Config{
		ID:              c.ID,
		Name:            c.Name,
		ExecutionStatus: c.Status,
		Authenticated:   authenticated,
		Logger:          logger,
	}
	if endpoint != "" {
		cfg.Port, cfg.Encrypted = Endpoint(endpoint)
	}
	return cfg
}

// RegisterFactory registers the loopback channel factory.
func RegisterFactory() {
	registry.RegisterChannel(registry.ChannelFactory{
		Type:        "loopback",
		Description: "Raises every sent payload as a received message",
		Create: func(c registry.Component, deps registry.Deps) (ports.Channel, error) {
			if err := c.Decode(&struct{}{}); err != nil {
				return nil, err
			}
			return NewLoopback(ConfigFrom(c, "", false, deps.Logger)), nil
		},
	})
}

// Operation returns the operation context among send items, if any.
func Operation(items []any) *domain.OperationContext {
	for _, item := range items {
		if op, ok := item.(*domain.OperationContext); ok && op != nil {
			return op
		}
	}
	return nil
}

// HasUserInfo reports whether rawURL carries credentials.
func HasUserInfo(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && u.User != nil
}
