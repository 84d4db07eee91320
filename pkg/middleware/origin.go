package middleware

import (
	"log/slog"
	"net/http"
	"strings"
)

type OriginConfig struct {
	// AllowedOrigins lists the Origin headers accepted on websocket
	// upgrades. An empty list accepts any origin.
	AllowedOrigins []string
}

// AllowedOrigins refuses websocket upgrades whose Origin is not listed.
// Plain HTTP requests pass through untouched.
func AllowedOrigins(config OriginConfig, logger *slog.Logger) Middleware {
	allowed := make(map[string]struct{}, len(config.AllowedOrigins))
	for _, origin := range config.AllowedOrigins {
		allowed[origin] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(allowed) == 0 || !isUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}

			origin := r.Header.Get("Origin")
			if _, ok := allowed[origin]; !ok {
				logger.Warn("refusing upgrade", "origin", origin, "remote", r.RemoteAddr)
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
