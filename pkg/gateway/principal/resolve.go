// Package principal identifies the client behind a request for admission
// control. The gateway has no accounts, so a client is its network address.
package principal

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/vango-go/vai-speech/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindIP   Kind = "ip"
	KindAnon Kind = "anonymous"
)

// Resolved is the admission identity of one live-session request. Key is what
// the rate limiter buckets on and what the session registry publishes.
type Resolved struct {
	Kind Kind
	// Raw is the resolved client IP. It must not be logged.
	Raw string
	// Key is a hashed identifier suitable for in-memory maps.
	Key string
}

// LogValue keeps Raw out of log records.
func (p Resolved) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", string(p.Kind)),
		slog.String("key", p.Key),
	)
}

// proxyHeaders are consulted in order when proxy headers are trusted. Each
// names a single client address except X-Forwarded-For, whose left-most
// entry is the client.
var proxyHeaders = []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"}

// Resolve returns the client identity of r. Proxy headers are honored only
// when trustProxyHeaders is set.
func Resolve(r *http.Request, trustProxyHeaders bool) Resolved {
	ip := resolveClientIP(r, trustProxyHeaders)
	if ip == "" {
		return Resolved{Kind: KindAnon, Key: "anonymous"}
	}
	return Resolved{
		Kind: KindIP,
		Raw:  ip,
		Key:  ratelimit.ClientKeyFromIP(ip),
	}
}

func resolveClientIP(r *http.Request, trustProxyHeaders bool) string {
	if r == nil {
		return ""
	}

	if trustProxyHeaders {
		for _, name := range proxyHeaders {
			raw, _, _ := strings.Cut(r.Header.Get(name), ",")
			if ip := parseIP(raw); ip != "" {
				return ip
			}
		}
	}

	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return parseIP(host)
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// Some proxies include a port; accept "ip:port" as well.
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}

	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}
