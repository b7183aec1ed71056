package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/tjfontaine/polyglot-pipeline/internal/auth"
)

type keyInfoContextKey struct{}

// AuthMiddleware validates inbound API keys. Keys are read from the
// X-API-Key header or a bearer Authorization header. When no keys are
// configured every request passes.
func AuthMiddleware(keys *auth.APIKeys) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if keys == nil || !keys.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			key := auth.KeyFromRequest(r.Header.Get("Authorization"), r.Header.Get("X-API-Key"))
			info, err := keys.Authenticate(r.Context(), key)
			if err != nil {
				AddError(r.Context(), err)
				writeError(w, http.StatusUnauthorized, "invalid or missing API key")
				return
			}

			AddLogField(r.Context(), "api_key", info.Description)
			ctx := context.WithValue(r.Context(), keyInfoContextKey{}, info)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetKeyInfo retrieves the authenticated key from context.
// Returns nil if the request was not authenticated.
func GetKeyInfo(ctx context.Context) *auth.KeyInfo {
	if info, ok := ctx.Value(keyInfoContextKey{}).(*auth.KeyInfo); ok {
		return info
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": message, "status": status},
	})
}
