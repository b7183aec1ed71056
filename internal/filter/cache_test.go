package filter

import (
	"context"
	"net/http"
	"testing"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/domain"
	"github.com/tjfontaine/polyglot-pipeline/internal/storage/memory"
)

func TestCache_StoreThenLookup(t *testing.T) {
	store := memory.New()
	b := NewBase("", "orders", domain.StatusNormal)

	lookup, err := NewCache(b, CacheConfig{Mode: CacheLookup, VaryHeaders: []string{"Accept"}}, store, nil)
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	save, _ := NewCache(b, CacheConfig{Mode: CacheStore, VaryHeaders: []string{"Accept"}}, store, nil)
	ctx := context.Background()

	miss := newOp(t, "GET", "http://example.com/orders?id=1")
	miss.Headers.Set("Accept", "application/json")
	miss, _ = lookup.Execute(ctx, miss)
	if v, _ := miss.Property(PropertyCacheHit); v != false {
		t.Fatalf("cache.hit = %v, want false", v)
	}

	// Simulate an upstream response, then store it.
	miss.StatusCode = http.StatusOK
	miss.Headers.Set("X-Upstream", "1")
	miss.SetContent([]byte(`{"id":1}`), "application/json")
	if _, err := save.Execute(ctx, miss); err != nil {
		t.Fatalf("store Execute() error = %v", err)
	}

	hit := newOp(t, "GET", "http://example.com/orders?id=1")
	hit.Headers.Set("Accept", "application/json")
	hit, _ = lookup.Execute(ctx, hit)
	if v, _ := hit.Property(PropertyCacheHit); v != true {
		t.Fatalf("cache.hit = %v, want true", v)
	}
	if string(hit.Content) != `{"id":1}` || hit.ContentType != "application/json" || hit.Headers.Get("X-Upstream") != "1" {
		t.Errorf("served = %s %s %v", hit.Content, hit.ContentType, hit.Headers.HTTP())
	}

	other := newOp(t, "GET", "http://example.com/orders?id=1")
	other.Headers.Set("Accept", "text/html")
	other, _ = lookup.Execute(ctx, other)
	if v, _ := other.Property(PropertyCacheHit); v != false {
		t.Error("different vary header should miss")
	}
}

func TestCache_StoreSkips(t *testing.T) {
	tests := []struct {
		name  string
		setup func(op *domain.OperationContext)
	}{
		{"faulted", func(op *domain.OperationContext) { op.Fault(http.StatusBadRequest, nil) }},
		{"non-2xx", func(op *domain.OperationContext) { op.StatusCode = http.StatusNotFound }},
		{"already a hit", func(op *domain.OperationContext) { op.SetProperty(PropertyCacheHit, true) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			save, _ := NewCache(NewBase("", "c", domain.StatusAny), CacheConfig{Mode: CacheStore}, store, nil)

			op := newOp(t, "GET", "http://example.com/x")
			op.SetContent([]byte("body"), "text/plain")
			tt.setup(op)

			if _, err := save.Execute(context.Background(), op); err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if _, ok, _ := store.Get(context.Background(), save.Key(op)); ok {
				t.Error("response should not have been stored")
			}
		})
	}
}

func TestCache_Key(t *testing.T) {
	c, _ := NewCache(NewBase("", "orders", domain.StatusNormal), CacheConfig{Mode: CacheLookup}, memory.New(), nil)

	op := newOp(t, "GET", "http://example.com/a/b?x=1")
	if got := c.Key(op); got != "orders:GET /a/b?x=1" {
		t.Errorf("Key() = %q", got)
	}
}

func TestNewCache_Validation(t *testing.T) {
	b := NewBase("", "c", domain.StatusNormal)
	if _, err := NewCache(b, CacheConfig{Mode: CacheLookup}, nil, nil); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := NewCache(b, CacheConfig{Mode: "both"}, memory.New(), nil); err == nil {
		t.Error("expected error for invalid mode")
	}
}
