package middleware

import (
	"context"
	"net/http"

	"github.com/edvin/controlplane/internal/api/response"
	"github.com/edvin/controlplane/internal/core"
)

type contextKey string

const apiKeyIdentityKey contextKey = "api_key_identity"

// APIKeyIdentity holds the authenticated key's record.
type APIKeyIdentity struct {
	ID          string
	Description string
}

// GetIdentity returns the authenticated API key identity, or nil.
func GetIdentity(ctx context.Context) *APIKeyIdentity {
	identity, _ := ctx.Value(apiKeyIdentityKey).(*APIKeyIdentity)
	return identity
}

// Auth returns a middleware that validates the X-API-Key header against the
// api_keys table.
func Auth(svc *core.APIKeyService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get("X-API-Key")
			if rawKey == "" {
				response.WriteError(w, http.StatusUnauthorized, "missing API key")
				return
			}

			key, err := svc.Verify(r.Context(), rawKey)
			if err != nil {
				response.WriteError(w, http.StatusUnauthorized, "invalid API key")
				return
			}

			identity := &APIKeyIdentity{ID: key.ID, Description: key.Description}
			ctx := context.WithValue(r.Context(), apiKeyIdentityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
