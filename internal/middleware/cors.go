package middleware

import (
	"net/http"
	"strings"
)

// CORS answers cross-origin requests for the configured origins and
// short-circuits preflights. An allow list containing "*" admits every
// origin.
func CORS(allowOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	exact := make(map[string]bool, len(allowOrigins))
	var wildcards []string
	for _, origin := range allowOrigins {
		switch {
		case origin == "*":
			allowAll = true
		case strings.HasPrefix(origin, "*."):
			wildcards = append(wildcards, origin[1:]) // keep ".example.com"
		default:
			exact[origin] = true
		}
	}

	allowed := func(origin string) bool {
		if allowAll || exact[origin] {
			return true
		}
		for _, suffix := range wildcards {
			if strings.HasSuffix(origin, suffix) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && allowed(origin) {
				if allowAll {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
