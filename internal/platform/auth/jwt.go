// Package auth gates the public edge with the same anon-key scheme the clients
// already send: an HS256 JWT in the apikey query param, apikey header or bearer token.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/example/streamgate/internal/platform/api"
	"github.com/example/streamgate/internal/platform/httpserver"
)

type ctxKeyAPIKey struct{}

// APIKeyFromContext returns the key the caller presented, if any.
func APIKeyFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyAPIKey{}).(string)
	return v, ok && v != ""
}

// WithAPIKey injects a key into context. Useful for testing.
func WithAPIKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxKeyAPIKey{}, key)
}

type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type JWTVerifier struct {
	Secret []byte
}

func (v JWTVerifier) Parse(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return v.Secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// APIKeyFromRequest looks at the apikey query param, then the apikey header, then a
// bearer Authorization header.
func APIKeyFromRequest(r *http.Request) string {
	if k := strings.TrimSpace(r.URL.Query().Get("apikey")); k != "" {
		return k
	}
	if k := strings.TrimSpace(r.Header.Get("apikey")); k != "" {
		return k
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// RequireAPIKey records the presented key in context. When verifier is nil any key
// (or none) is accepted; otherwise the key must be a valid token.
func RequireAPIKey(verifier *JWTVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := APIKeyFromRequest(r)
			if verifier != nil {
				rid := httpserver.RequestIDFromContext(r.Context())
				if key == "" {
					api.Unauthorized(w, "API_KEY_MISSING", "Missing API key", rid)
					return
				}
				if _, err := verifier.Parse(key); err != nil {
					api.Unauthorized(w, "API_KEY_INVALID", "Invalid API key", rid)
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithAPIKey(r.Context(), key)))
		})
	}
}
