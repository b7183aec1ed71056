// Package storage holds what the cache backing stores share.
package storage

import (
	"errors"

	"github.com/tjfontaine/polyglot-pipeline/internal/core/ports"
)

// ErrEmptyKey is returned for operations on an empty key.
var ErrEmptyKey = errors.New("cache key cannot be empty")

// Store is a cache backing store that also persists lifecycle events.
type Store interface {
	ports.CacheStore
	ports.EventStore
}

// ValidateKey rejects keys no backend can address.
func ValidateKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return nil
}
