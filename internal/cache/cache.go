// Package cache provides typed access to a ports.CacheStore.
//
// Values are stored as JSON, except strings and byte slices which are
// stored as-is so that GetString reads what AddString wrote.
package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
)

// Add stores value under key as JSON.
func Add[T any](ctx context.Context, store ports.CacheStore, key string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value %s: %w", key, err)
	}
	return store.Add(ctx, key, data)
}

// Get loads and decodes the value under key. Absence is reported through the
// boolean, never as an error.
func Get[T any](ctx context.Context, store ports.CacheStore, key string) (T, bool, error) {
	var zero T

	data, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return zero, false, fmt.Errorf("decode cache value %s: %w", key, err)
	}
	return value, true, nil
}

// AddString stores s under key.
func AddString(ctx context.Context, store ports.CacheStore, key, s string) error {
	return store.Add(ctx, key, []byte(s))
}

// GetString loads the raw value under key as a string.
func GetString(ctx context.Context, store ports.CacheStore, key string) (string, bool, error) {
	data, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}
	return string(data), true, nil
}

// Remove deletes key, reporting whether it was present.
func Remove(ctx context.Context, store ports.CacheStore, key string) (bool, error) {
	return store.Remove(ctx, key)
}
