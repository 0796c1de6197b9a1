package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-speech/pkg/gateway/config"
	"github.com/vango-go/vai-speech/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-speech/pkg/gateway/live/sessions"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func readyConfig() config.Config {
	return config.Config{
		LiveCanonicalRate: 16000,
		LiveOutputRate:    24000,
		STTProvider:       config.STTDeepgram,
		TTSProvider:       config.TTSElevenLabs,
		Responder:         config.ResponderEcho,
	}
}

func serveReady(t *testing.T, h ReadyHandler) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), "body=%q", rr.Body.String())
	return rr.Code, resp
}

func TestHealthHandler_OK(t *testing.T) {
	rr := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok\n", rr.Body.String())
}

func TestReadyHandler_Ready(t *testing.T) {
	tracker := sessions.NewTracker()
	unregister := tracker.Register("sess_1", "", sessions.Handle{})
	defer unregister()

	code, resp := serveReady(t, ReadyHandler{
		Config:       readyConfig(),
		Engines:      fakeEngines(),
		Lifecycle:    &lifecycle.Lifecycle{},
		LiveSessions: tracker,
		Mirror:       fakePinger{},
	})

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, resp["ok"])
	assert.Equal(t, float64(1), resp["active_sessions"])
	assert.Equal(t, "deepgram", resp["stt_provider"])
	assert.NotContains(t, resp, "issues")
}

func TestReadyHandler_MissingEngines_NotReady(t *testing.T) {
	code, resp := serveReady(t, ReadyHandler{Config: readyConfig()})

	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, false, resp["ok"])
	issues, _ := resp["issues"].([]any)
	assert.Len(t, issues, 3)
}

func TestReadyHandler_MirrorDown_NotReady(t *testing.T) {
	code, resp := serveReady(t, ReadyHandler{
		Config:  readyConfig(),
		Engines: fakeEngines(),
		Mirror:  fakePinger{err: errors.New("connection refused")},
	})

	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, resp["issues"], "session mirror unreachable")
}

func TestReadyHandler_Draining_Unavailable(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.SetDraining(true)

	code, resp := serveReady(t, ReadyHandler{
		Config:    readyConfig(),
		Engines:   fakeEngines(),
		Lifecycle: lc,
	})

	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, false, resp["ok"])
	assert.Equal(t, true, resp["draining"])
	assert.NotEmpty(t, resp["draining_since"])
}
