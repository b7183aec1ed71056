package filter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tjfontaine/polyglot-pipeline/internal/cache"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
	"github.com/tjfontaine/polyglot-pipeline/internal/registry"
)

// Cache modes.
const (
	CacheLookup = "lookup"
	CacheStore  = "store"
)

// PropertyCacheHit is set to true on the context when a lookup is served.
// Forward and webhook filters pass such a context through, and a later
// store-mode cache filter does not store it again.
const PropertyCacheHit = "cache.hit"

// servedFromCache reports whether a lookup already produced the response.
func servedFromCache(op *domain.OperationContext) bool {
	hit, _ := op.Property(PropertyCacheHit)
	return hit == true
}

// CacheConfig configures a Cache filter.
type CacheConfig struct {
	Mode string `koanf:"mode"` // lookup or store
	// Prefix namespaces keys, the filter name by default.
	Prefix string `koanf:"prefix"`
	// VaryHeaders adds header values to the key.
	VaryHeaders []string `koanf:"vary_headers"`
}

// cachedResponse is the stored form of a response.
type cachedResponse struct {
	StatusCode  int                 `json:"status_code"`
	ContentType string              `json:"content_type,omitempty"`
	Headers     map[string][]string `json:"headers,omitempty"`
	Content     []byte              `json:"content,omitempty"`
}

// Cache memoizes responses in a ports.CacheStore. In lookup mode a hit
// replaces the context payload and sets PropertyCacheHit; in store mode
// successful responses are stored. Store failures are logged and ignored.
type Cache struct {
	Base
	cfg    CacheConfig
	store  ports.CacheStore
	logger *slog.Logger
}

var _ ports.Filter = (*Cache)(nil)

// NewCache creates a cache filter.
func NewCache(b Base, cfg CacheConfig, store ports.CacheStore, logger *slog.Logger) (*Cache, error) {
	if store == nil {
		return nil, errors.New("cache store is required")
	}
	switch cfg.Mode {
	case CacheLookup, CacheStore:
	default:
		return nil, fmt.Errorf("invalid mode %q (must be 'lookup' or 'store')", cfg.Mode)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = b.Name()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{Base: b, cfg: cfg, store: store, logger: logger}, nil
}

func newCacheFromComponent(c registry.Component, deps registry.Deps) (ports.Filter, error) {
	var cfg CacheConfig
	if err := c.Decode(&cfg); err != nil {
		return nil, err
	}
	return NewCache(baseFrom(c), cfg, deps.Cache, deps.Logger)
}

// Key returns the cache key for op.
func (c *Cache) Key(op *domain.OperationContext) string {
	var b strings.Builder
	b.WriteString(c.cfg.Prefix)
	b.WriteByte(':')
	b.WriteString(op.Method)
	b.WriteByte(' ')
	if op.URL != nil {
		b.WriteString(op.URL.RequestURI())
	}
	for _, h := range c.cfg.VaryHeaders {
		b.WriteByte('|')
		b.WriteString(strings.Join(op.Headers.Values(h), ","))
	}
	return b.String()
}

func (c *Cache) Execute(ctx context.Context, op *domain.OperationContext) (*domain.OperationContext, error) {
	key := c.Key(op)

	if c.cfg.Mode == CacheLookup {
		cached, ok, err := cache.Get[cachedResponse](ctx, c.store, key)
		if err != nil {
			c.logger.Warn("cache lookup failed", slog.String("filter", c.Name()), slog.String("error", err.Error()))
			return op, nil
		}
		if !ok {
			op.SetProperty(PropertyCacheHit, false)
			return op, nil
		}

		op.StatusCode = cached.StatusCode
		op.SetContent(cached.Content, cached.ContentType)
		if cached.Headers != nil {
			op.Headers = domain.HeadersFromHTTP(cached.Headers)
		}
		op.SetProperty(PropertyCacheHit, true)
		return op, nil
	}

	if servedFromCache(op) {
		return op, nil
	}
	if op.Status != domain.StatusNormal || op.StatusCode < 200 || op.StatusCode >= 300 {
		return op, nil
	}

	resp := cachedResponse{
		StatusCode:  op.StatusCode,
		ContentType: op.ContentType,
		Headers:     op.Headers.HTTP(),
		Content:     op.Content,
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if err := cache.Add(ctx, c.store, key, resp); err != nil {
		c.logger.Warn("cache store failed", slog.String("filter", c.Name()), slog.String("error", err.Error()))
	}
	return op, nil
}
