package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/vai-speech/pkg/gateway/apierror"
)

const (
	apiVersionHeader    = "X-Speech-Version"
	supportedAPIVersion = "1"
)

// APIVersion pins the /v1 speech surface. A request may name the protocol
// version it speaks in X-Speech-Version, or in the "v" query parameter on a
// live upgrade; any value other than the supported one is refused before the
// handler runs, so a client built for a newer message set never opens a
// session it cannot parse. Responses advertise the version served.
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !shouldValidateAPIVersion(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set(apiVersionHeader, supportedAPIVersion)

		versions := requestedVersions(r)
		if len(versions) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		for _, version := range versions {
			if version != supportedAPIVersion {
				reqID, _ := RequestIDFrom(r.Context())
				apierror.Write(w, &apierror.Error{
					Type:      apierror.ErrInvalidRequest,
					Message:   "unsupported API version",
					Param:     apiVersionHeader,
					Code:      "unsupported_version",
					RequestID: reqID,
				})
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func shouldValidateAPIVersion(r *http.Request) bool {
	if r.Method == http.MethodOptions {
		return false
	}
	return isV1Path(r.URL.Path)
}

// Browsers cannot set headers on a websocket handshake, so upgrades may carry
// the version as the "v" query parameter instead.
func requestedVersions(r *http.Request) []string {
	versions := parseHeaderCSVValues(r.Header.Values(apiVersionHeader))
	if isWebSocketUpgrade(r) {
		if v := strings.TrimSpace(r.URL.Query().Get("v")); v != "" {
			versions = append(versions, v)
		}
	}
	return versions
}

func isV1Path(path string) bool {
	return path == "/v1" || strings.HasPrefix(path, "/v1/")
}

func isWebSocketUpgrade(r *http.Request) bool {
	if !headerHasToken(r.Header, "Connection", "upgrade") {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, value := range h.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func parseHeaderCSVValues(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			out = append(out, trimmed)
		}
	}
	return out
}
