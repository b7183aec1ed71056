package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"

	"github.com/tjfontaine/polyglot-pipeline/internal/config"
)

// ErrInvalidAPIKey is returned for unknown or missing keys.
var ErrInvalidAPIKey = errors.New("invalid API key")

// KeyInfo describes an accepted API key.
type KeyInfo struct {
	KeyHash     string
	Description string
}

// APIKeys validates inbound API keys against their SHA-256 hashes.
type APIKeys struct {
	mu   sync.RWMutex
	keys map[string]KeyInfo // keyHash -> info
}

// NewAPIKeys creates a validator for the configured keys.
func NewAPIKeys(keys []config.APIKeyConfig) *APIKeys {
	a := &APIKeys{}
	a.Reload(keys)
	return a
}

// Reload replaces the accepted keys.
func (a *APIKeys) Reload(keys []config.APIKeyConfig) {
	m := make(map[string]KeyInfo, len(keys))
	for _, k := range keys {
		hash := strings.ToLower(k.KeyHash)
		m[hash] = KeyInfo{KeyHash: hash, Description: k.Description}
	}

	a.mu.Lock()
	a.keys = m
	a.mu.Unlock()
}

// Enabled reports whether any key is configured. With no keys every request
// is accepted.
func (a *APIKeys) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys) > 0
}

// Authenticate validates an API key.
func (a *APIKeys) Authenticate(ctx context.Context, key string) (*KeyInfo, error) {
	if key == "" {
		return nil, ErrInvalidAPIKey
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	info, ok := a.keys[HashAPIKey(key)]
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	return &info, nil
}

// HashAPIKey creates a SHA-256 hash of an API key for storage.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// KeyFromRequest extracts the key from an Authorization bearer header or the
// X-API-Key header.
func KeyFromRequest(authorization, apiKeyHeader string) string {
	if apiKeyHeader != "" {
		return apiKeyHeader
	}
	if scheme, token, ok := strings.Cut(authorization, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}
