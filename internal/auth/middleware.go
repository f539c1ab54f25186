package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/ctxmemory/gateway/internal/apierr"
	"github.com/ctxmemory/gateway/internal/httpserver"
)

// Middleware authenticates the caller via X-API-Key or an Authorization:
// Bearer header and stores the resolved Identity in the request context.
// If devTenantSlug is non-empty, requests carrying no credentials at all
// fall back to a fixed development identity scoped to that workspace. No
// configuration setting turns this on; the gateway's API router passes an
// empty slug, so the fallback is off there.
func Middleware(apikeyAuth *APIKeyAuthenticator, devTenantSlug string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := extractKey(r)

			if rawKey == "" {
				if devTenantSlug == "" {
					httpserver.RespondAPIError(w, r, apierr.Unauthenticated("no API key provided"))
					return
				}
				identity := &Identity{
					Workspace: devTenantSlug,
					Method:    MethodDev,
				}
				logger.Debug("dev-mode authentication", "workspace", devTenantSlug)
				ctx := NewContext(r.Context(), identity)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			identity, err := apikeyAuth.Authenticate(r.Context(), rawKey)
			if err != nil {
				logger.Warn("API key authentication failed", "error", err)
				httpserver.RespondAPIError(w, r, apierr.Unauthenticated("invalid API key"))
				return
			}
			apikeyAuth.TouchLastUsed(identity.APIKeyID)

			logger.Debug("authenticated via API key", "key_prefix", identity.KeyPrefix, "workspace", identity.Workspace)

			ctx := NewContext(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractKey reads the raw API key from X-API-Key or Authorization: Bearer.
func extractKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}

// RequireAuth rejects requests that have no authenticated identity.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if FromContext(r.Context()) == nil {
			httpserver.RespondAPIError(w, r, apierr.Unauthenticated("authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
