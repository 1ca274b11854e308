package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/tjfontaine/conversion-relay/internal/auth"
	"github.com/tjfontaine/conversion-relay/internal/codec"
	"github.com/tjfontaine/conversion-relay/internal/core/domain"
)

type apiKeyContextKey struct{}

// AuthMiddleware validates API keys from the Authorization header (Bearer
// token format). When the authenticator has no keys configured every request
// passes.
func AuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authenticator.Open() {
				next.ServeHTTP(w, r)
				return
			}

			apiKey := r.Header.Get("Authorization")
			if apiKey == "" {
				codec.WriteError(w, domain.ErrUnauthorized("Missing Authorization header"))
				return
			}

			// Remove "Bearer " prefix if present
			if len(apiKey) > 7 && strings.EqualFold(apiKey[:7], "Bearer ") {
				apiKey = apiKey[7:]
			}

			key, err := authenticator.ValidateAPIKey(apiKey)
			if err != nil {
				codec.WriteError(w, domain.ErrUnauthorized("Invalid API key"))
				return
			}

			AddLogField(r.Context(), "api_key", key.Description)
			ctx := context.WithValue(r.Context(), apiKeyContextKey{}, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAPIKey retrieves the authenticated key from context.
// Returns nil if auth is disabled or open.
func GetAPIKey(ctx context.Context) *auth.Key {
	if k, ok := ctx.Value(apiKeyContextKey{}).(*auth.Key); ok {
		return k
	}
	return nil
}
