package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/vai-speech/pkg/gateway/config"
	"github.com/vango-go/vai-speech/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-speech/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Pinger is a dependency readiness can probe, such as the Redis presence
// mirror.
type Pinger interface {
	Ping(ctx context.Context) error
}

type ReadyHandler struct {
	Config       config.Config
	Engines      Engines
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
	Mirror       Pinger
}

const readyProbeTimeout = time.Second

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool       `json:"ok"`
		Draining       bool       `json:"draining"`
		DrainingSince  *time.Time `json:"draining_since,omitempty"`
		ActiveSessions int        `json:"active_sessions"`
		STTProvider    string     `json:"stt_provider"`
		TTSProvider    string     `json:"tts_provider"`
		Responder      string     `json:"responder"`
		Issues         []string   `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	if h.Engines.STT == nil {
		issues = append(issues, "stt engine not configured")
	}
	if h.Engines.TTS == nil {
		issues = append(issues, "tts engine not configured")
	}
	if h.Engines.Responder == nil {
		issues = append(issues, "responder not configured")
	}
	if h.Config.LiveCanonicalRate <= 0 || h.Config.LiveOutputRate <= 0 {
		issues = append(issues, "sample rates must be > 0")
	}
	if h.Mirror != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyProbeTimeout)
		err := h.Mirror.Ping(ctx)
		cancel()
		if err != nil {
			issues = append(issues, "session mirror unreachable")
		}
	}

	resp := readyResp{
		ActiveSessions: h.LiveSessions.Count(),
		STTProvider:    h.Config.STTProvider,
		TTSProvider:    h.Config.TTSProvider,
		Responder:      h.Config.Responder,
		Issues:         issues,
	}
	if h.Lifecycle.IsDraining() {
		resp.Draining = true
		since := h.Lifecycle.DrainingSince()
		resp.DrainingSince = &since
	}
	resp.OK = len(issues) == 0 && !resp.Draining

	status := http.StatusOK
	switch {
	case resp.Draining:
		status = http.StatusServiceUnavailable
	case len(issues) > 0:
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
