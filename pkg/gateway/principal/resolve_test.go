package principal

import (
	"bytes"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestResolve_RemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/speech/live", nil)
	r.RemoteAddr = "198.51.100.7:51234"
	r.Header.Set("X-Forwarded-For", "203.0.113.1")

	got := Resolve(r, false)
	if got.Kind != KindIP || got.Raw != "198.51.100.7" {
		t.Fatalf("resolved=%+v, want remote addr when proxy headers are untrusted", got)
	}
	if got.Key == "" || got.Key == got.Raw {
		t.Fatalf("key=%q must be a hashed identifier", got.Key)
	}
}

func TestResolve_TrustedProxyHeaders(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
		want   string
	}{
		{"cloudflare", "CF-Connecting-IP", "203.0.113.5", "203.0.113.5"},
		{"real ip", "X-Real-IP", "203.0.113.6", "203.0.113.6"},
		{"xff leftmost", "X-Forwarded-For", "203.0.113.7, 10.0.0.1", "203.0.113.7"},
		{"xff with port", "X-Forwarded-For", "203.0.113.8:443", "203.0.113.8"},
		{"garbage falls back", "X-Forwarded-For", "not-an-ip", "198.51.100.7"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = "198.51.100.7:1"
			r.Header.Set(tc.header, tc.value)
			if got := Resolve(r, true).Raw; got != tc.want {
				t.Fatalf("Raw=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestResolve_Anonymous(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = ""
	if got := Resolve(r, false); got.Kind != KindAnon || got.Key != "anonymous" {
		t.Fatalf("resolved=%+v", got)
	}
	if got := Resolve(nil, true); got.Kind != KindAnon {
		t.Fatalf("nil request resolved=%+v", got)
	}
}

func TestResolve_ProxyHeaderPrecedence(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/speech/live", nil)
	r.RemoteAddr = "198.51.100.7:1"
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	r.Header.Set("X-Real-IP", "203.0.113.6")
	if got := Resolve(r, true).Raw; got != "203.0.113.6" {
		t.Fatalf("Raw=%q, want X-Real-IP ahead of X-Forwarded-For", got)
	}
}

func TestResolved_LogValueOmitsAddress(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/speech/live", nil)
	r.RemoteAddr = "198.51.100.7:1"
	p := Resolve(r, false)

	var buf bytes.Buffer
	slog.New(slog.NewTextHandler(&buf, nil)).Info("admitted", "client", p)
	out := buf.String()
	if strings.Contains(out, "198.51.100.7") {
		t.Fatalf("log leaked the client address: %q", out)
	}
	if !strings.Contains(out, "client.key="+p.Key) || !strings.Contains(out, "client.kind=ip") {
		t.Fatalf("log=%q", out)
	}
}
