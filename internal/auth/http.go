// ABOUTME: HTTP middleware enforcing bearer-token authentication on API endpoints
// ABOUTME: Extracts the token, verifies it, and adds the principal to the context

package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// Middleware returns an HTTP middleware that rejects requests whose bearer
// token the verifier does not accept. The verified principal is attached to
// the request context under the given method name.
func Middleware(verifier TokenVerifier, method string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			principal, err := verifier.Verify(token)
			if err != nil {
				logger.Debug("token rejected", "error", err, "remote_addr", r.RemoteAddr)
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			ctx := WithPrincipal(r.Context(), Principal{ID: principal, Method: method})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
