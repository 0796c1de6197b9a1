package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-speech/pkg/gateway/config"
)

var corsAllowedMethods = "GET, OPTIONS"

var corsAllowedHeaders = strings.Join([]string{
	"Content-Type",
	"X-Request-ID",
	apiVersionHeader,
}, ", ")

var corsExposedHeaders = strings.Join([]string{
	"X-Request-ID",
	"Retry-After",
	apiVersionHeader,
}, ", ")

// OriginAllowed reports whether a browser origin may use the gateway. A
// request without Origin is not a browser request and is always allowed; an
// empty allowlist admits no browser origin.
func OriginAllowed(cfg config.Config, origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return true
	}
	_, ok := cfg.CORSAllowedOrigins[origin]
	return ok
}

// CORS serves the plain HTTP endpoints (readiness, session listing, metrics)
// to allowlisted browser origins.
//
// Websocket upgrades pass through untouched. Browsers neither preflight a
// websocket handshake nor read CORS headers on its 101 response, so the live
// handler applies OriginAllowed itself before upgrading.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		origin := strings.TrimSpace(r.Header.Get("Origin"))

		if r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != "" {
			if origin == "" || !OriginAllowed(cfg, origin) {
				http.Error(w, "cors preflight not allowed", http.StatusForbidden)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", corsAllowedMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if origin != "" && OriginAllowed(cfg, origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Vary", "Origin")
			h.Set("Access-Control-Expose-Headers", corsExposedHeaders)
		}
		next.ServeHTTP(w, r)
	})
}
