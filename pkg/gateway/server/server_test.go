package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vango-go/vai-speech/pkg/core/responder"
	"github.com/vango-go/vai-speech/pkg/gateway/config"
	"github.com/vango-go/vai-speech/pkg/gateway/handlers"
	"github.com/vango-go/vai-speech/pkg/gateway/live/sessions"
)

func testConfig() config.Config {
	return config.Config{
		CORSAllowedOrigins: map[string]struct{}{},
		LiveCanonicalRate:  16000,
		LiveOutputRate:     24000,
		STTProvider:        config.STTDeepgram,
		TTSProvider:        config.TTSElevenLabs,
		Responder:          config.ResponderEcho,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s := New(testConfig(), testLogger())

	rr := serve(s, http.MethodGet, "/does-not-exist")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"type":"not_found_error"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID")
	}
}

func TestServer_LiveRoute_Reachable(t *testing.T) {
	s := New(testConfig(), testLogger())

	// No engines are configured, so the handler answers before any upgrade.
	rr := serve(s, http.MethodGet, "/v1/speech/live")
	if rr.Code == http.StatusNotFound {
		t.Fatalf("/v1/speech/live unexpectedly returned 404")
	}
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestServer_SessionsRoute_ListsTracker(t *testing.T) {
	tracker := sessions.NewTracker()
	defer tracker.Register("sess_1", "", sessions.Handle{})()

	s := New(testConfig(), testLogger(), WithLiveSessions(tracker))

	rr := serve(s, http.MethodGet, "/v1/speech/sessions")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"id":"sess_1"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}

	rr = serve(s, http.MethodGet, "/v1/speech/sessions/sess_1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestServer_MetricsRoute_ExposesRequestCounters(t *testing.T) {
	s := New(testConfig(), testLogger(), WithMetrics(prometheus.NewRegistry()))

	_ = serve(s, http.MethodGet, "/healthz")
	rr := serve(s, http.MethodGet, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `vai_speech_http_requests_total{route="/healthz",status="200"} 1`) {
		t.Fatalf("request counter missing from:\n%s", body)
	}
	if !strings.Contains(body, "vai_speech_sessions_active") {
		t.Fatalf("session gauge missing")
	}
}

func TestServer_MetricsRoute_AbsentWithoutRegistry(t *testing.T) {
	s := New(testConfig(), testLogger())
	if rr := serve(s, http.MethodGet, "/metrics"); rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestServer_Draining(t *testing.T) {
	engines := handlers.Engines{Responder: &responder.Echo{}}
	s := New(testConfig(), testLogger(), WithEngines(engines))
	s.SetDraining()

	rr := serve(s, http.MethodGet, "/readyz")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status=%d body=%q", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"draining":true`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}

	rr = serve(s, http.MethodGet, "/v1/speech/live")
	if rr.Code != http.StatusServiceUnavailable || !strings.Contains(rr.Body.String(), `"code":"draining"`) {
		t.Fatalf("live status=%d body=%q", rr.Code, rr.Body.String())
	}

	if rr := serve(s, http.MethodGet, "/healthz"); rr.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rr.Code)
	}
}

func TestServer_DrainHooksReachTrackedSessions(t *testing.T) {
	tracker := sessions.NewTracker()
	var warned []string
	canceled := make(chan struct{})
	var unregister func()
	unregister = tracker.Register("sess_1", "", sessions.Handle{
		Warn: func(code, message string) error {
			warned = append(warned, code)
			return nil
		},
		Cancel: func() {
			close(canceled)
			go unregister()
		},
	})

	s := New(testConfig(), testLogger(), WithLiveSessions(tracker))

	if n := s.WarnLiveSessionsDraining(); n != 1 {
		t.Fatalf("warned=%d", n)
	}
	if len(warned) != 1 || warned[0] != "draining" {
		t.Fatalf("warn codes=%v", warned)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if s.WaitLiveSessions(ctx) {
		t.Fatalf("expected wait to time out with a live session")
	}

	if n := s.CancelLiveSessions(); n != 1 {
		t.Fatalf("canceled=%d", n)
	}
	<-canceled

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if !s.WaitLiveSessions(ctx2) {
		t.Fatalf("expected sessions to drain")
	}
}
