package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// contextKey keeps our context values private to this package.
type contextKey string

const claimsKey contextKey = "claims"

// APIKeyHeader carries the project's public key on every request.
const APIKeyHeader = "apikey"

// RequireAPIKey rejects requests without the project key. The key is read from
// the apikey header, or from the apikey query parameter for WebSocket
// upgrades, which cannot set headers from a browser.
func RequireAPIKey(anonKey string) func(http.Handler) http.Handler {
	want := []byte(anonKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(APIKeyHeader)
			if got == "" {
				got = r.URL.Query().Get(APIKeyHeader)
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				writeUnauthorized(w, "invalid_api_key", "a valid apikey is required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireUser enforces a valid bearer access token and stores its claims in
// the request context.
func RequireUser(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := BearerToken(r)
			if !ok {
				writeUnauthorized(w, "unauthorized", "bearer token required")
				return
			}
			claims, err := tokens.Validate(raw)
			if err != nil {
				writeUnauthorized(w, "invalid_token", "invalid or expired access token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + code + `","message":"` + message + `"}`))
}

// BearerToken extracts the token from "Authorization: Bearer <token>".
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ClaimsFromContext returns the verified claims, or (nil, false) on an
// unauthenticated request.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok && c != nil
}

// UserIDFromContext returns the authenticated user's id.
func UserIDFromContext(ctx context.Context) (string, bool) {
	c, ok := ClaimsFromContext(ctx)
	if !ok {
		return "", false
	}
	return c.Subject, c.Subject != ""
}
