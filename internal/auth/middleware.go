package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// Middleware returns HTTP middleware enforcing bearer admission on the
// MCP endpoint. Requests without credentials get a 401 with the
// WWW-Authenticate header pointing at the protected resource metadata
// (RFC 9728 Section 5.1); requests with invalid or expired credentials
// get a 403. API keys are tried before OAuth access tokens, routed by
// their prefix.
func Middleware(keys *APIKeyManager, tokens *TokenService, logger *slog.Logger, serverURL string) func(http.Handler) http.Handler {
	metadataURL := serverURL + "/.well-known/oauth-protected-resource"
	challenge := fmt.Sprintf(`Bearer resource_metadata=%q`, metadataURL)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")

			if header == "" || !strings.HasPrefix(header, "Bearer ") {
				logger.Debug("admission: no bearer credential", slog.String("path", r.URL.Path))
				w.Header().Set("WWW-Authenticate", challenge)
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			raw := strings.TrimPrefix(header, "Bearer ")

			if strings.HasPrefix(raw, APIKeyPrefix) {
				if keys.Validate(raw) {
					next.ServeHTTP(w, r)
					return
				}
			} else if tokens.ValidateAccessToken(raw) {
				next.ServeHTTP(w, r)
				return
			}

			logger.Debug("admission: invalid bearer credential", slog.String("path", r.URL.Path))
			w.WriteHeader(http.StatusForbidden)
		})
	}
}
