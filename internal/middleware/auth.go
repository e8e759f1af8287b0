// Package middleware carries the cross-cutting HTTP concerns: bearer
// token authentication, role gates, per-caller rate limiting, CORS,
// and request logging. Handlers stay free of header parsing; they read
// the authenticated identity from the request context.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/clearbill/backend/internal/auth"
	"github.com/clearbill/backend/internal/billing"
)

var logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)

type contextKey string

const claimsKey contextKey = "claims"

// WithClaims returns a context carrying the validated token claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// ClaimsFrom extracts the claims injected by Authenticate. The second
// return is false on requests that never passed the auth middleware.
func ClaimsFrom(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*auth.Claims)
	return claims, ok
}

// Authenticate validates the Authorization bearer token and injects
// its claims into the request context. Missing, malformed, expired,
// and forged tokens all get the same 401.
func Authenticate(issuer *auth.TokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				unauthorized(w)
				return
			}
			claims, err := issuer.Validate(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// RequireRole admits only tokens carrying one of the given roles.
// It must be mounted after Authenticate.
func RequireRole(roles ...billing.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFrom(r.Context())
			if !ok {
				unauthorized(w)
				return
			}
			if !claims.HasRole(roles...) {
				names := make([]string, len(roles))
				for i, role := range roles {
					names[i] = string(role)
				}
				writeJSONError(w, http.StatusForbidden,
					fmt.Sprintf("Access denied. Required roles: [%s]", strings.Join(names, ", ")))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSONError(w, http.StatusUnauthorized, "Could not validate credentials")
}

func writeJSONError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
