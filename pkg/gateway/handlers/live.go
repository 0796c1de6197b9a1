package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-speech/pkg/core/responder"
	"github.com/vango-go/vai-speech/pkg/core/stt"
	"github.com/vango-go/vai-speech/pkg/core/tts"
	"github.com/vango-go/vai-speech/pkg/core/vas"
	"github.com/vango-go/vai-speech/pkg/gateway/apierror"
	"github.com/vango-go/vai-speech/pkg/gateway/config"
	"github.com/vango-go/vai-speech/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-speech/pkg/gateway/live/session"
	"github.com/vango-go/vai-speech/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-speech/pkg/gateway/mw"
	"github.com/vango-go/vai-speech/pkg/gateway/principal"
	"github.com/vango-go/vai-speech/pkg/gateway/ratelimit"
)

// Engines are the process-wide engine clients. Every session opens its own
// streams on them.
type Engines struct {
	STT       stt.Engine
	TTS       tts.Engine
	Responder responder.Responder
}

// SessionMetrics extends session.Metrics with the gateway-level counters.
type SessionMetrics interface {
	session.Metrics
	SessionStarted()
	SessionEnded()
	AdmissionRejected(reason string)
}

// LiveHandler handles /v1/speech/live websocket sessions.
type LiveHandler struct {
	Config       config.Config
	Engines      Engines
	Logger       *slog.Logger
	Limiter      *ratelimit.Limiter
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
	Metrics      SessionMetrics
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, r, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"})
		return
	}
	if h.Lifecycle.IsDraining() {
		writeAPIError(w, r, &apierror.Error{Type: apierror.ErrUnavailable, Message: "gateway is draining", Code: "draining"})
		return
	}
	if !mw.OriginAllowed(h.Config, r.Header.Get("Origin")) {
		writeAPIError(w, r, &apierror.Error{Type: apierror.ErrPermission, Message: "origin is not allowed", Param: "Origin"})
		return
	}
	if h.Engines.STT == nil || h.Engines.TTS == nil || h.Engines.Responder == nil {
		writeAPIError(w, r, &apierror.Error{Type: apierror.ErrUnavailable, Message: "speech engines are not configured", Code: "engines_unavailable"})
		return
	}

	client := principal.Resolve(r, h.Config.TrustProxyHeaders)
	if h.Limiter != nil {
		dec := h.Limiter.AcquireSession(client.Key, time.Now())
		if !dec.Allowed {
			if h.Metrics != nil {
				h.Metrics.AdmissionRejected(dec.Reason)
			}
			retry := dec.RetryAfter
			typ := apierror.ErrRateLimit
			if dec.Reason == ratelimit.ReasonCapacity {
				typ = apierror.ErrOverloaded
			}
			writeAPIError(w, r, &apierror.Error{Type: typ, Message: "live session not admitted", Code: dec.Reason, RetryAfter: &retry})
			return
		}
		defer dec.Permit.Release()
	}

	upgrader := websocket.Upgrader{
		// Origin was checked above against the configured allowlist.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sessionID := "sess_" + uuid.NewString()
	requestID := requestIDFromContext(r.Context())
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    logger,
		STT:       h.Engines.STT,
		STTConfig: sttConfig(h.Config),
		TTS:       h.Engines.TTS,
		TTSConfig: ttsConfig(h.Config),
		Responder: h.Engines.Responder,
		Metrics:   h.sessionMetrics(),
		SessionID: sessionID,
		RequestID: requestID,
		Config:    SessionConfig(h.Config),
		OnStateChange: func(state sessions.State) {
			h.LiveSessions.SetState(sessionID, state)
		},
	})
	if err != nil {
		logger.Error("failed to initialize live session", "session_id", sessionID, "request_id", requestID, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "internal error"), time.Now().Add(2*time.Second))
		return
	}

	unregister := h.LiveSessions.Register(sessionID, clientRef(client), sessions.Handle{
		Cancel: s.Cancel,
		Warn:   s.SendWarning,
	})
	defer unregister()

	if h.Metrics != nil {
		h.Metrics.SessionStarted()
		defer h.Metrics.SessionEnded()
	}

	start := time.Now()
	logger.Info("live session opened", "session_id", sessionID, "request_id", requestID, "client", client)
	err = s.Run()
	logger.Info("live session closed",
		"session_id", sessionID,
		"request_id", requestID,
		"duration_ms", time.Since(start).Milliseconds(),
		"error_kind", session.KindOf(err).String(),
	)
}

func (h LiveHandler) sessionMetrics() session.Metrics {
	if h.Metrics == nil {
		return nil
	}
	return h.Metrics
}

// clientRef is what the registry publishes for a client: the hashed key,
// never the raw address.
func clientRef(p principal.Resolved) string {
	if p.Kind != principal.KindIP {
		return ""
	}
	return p.Key
}

// SessionConfig maps gateway configuration onto per-session settings.
func SessionConfig(cfg config.Config) session.Config {
	return session.Config{
		CanonicalRate:   cfg.LiveCanonicalRate,
		OutputRate:      cfg.LiveOutputRate,
		DefaultLanguage: cfg.LiveDefaultLanguage,
		VAD: vas.Config{
			StartThreshold:   cfg.VADStartThreshold,
			ReleaseThreshold: cfg.VADReleaseThreshold,
			StartDwell:       cfg.VADStartDwell,
			SilenceTimeout:   cfg.VADSilenceTimeout,
			PreRoll:          cfg.VADPreRoll,
			SampleRate:       cfg.LiveCanonicalRate,
		},
		MaxAudioFrameBytes:     cfg.LiveMaxAudioFrameBytes,
		MaxJSONMessageBytes:    cfg.LiveMaxJSONMessageBytes,
		MaxAudioFPS:            cfg.LiveMaxAudioFPS,
		MaxAudioBytesPerSecond: cfg.LiveMaxAudioBytesPerSecond,
		InboundBurstSeconds:    cfg.LiveInboundBurstSeconds,
		StartTimeout:           cfg.LiveStartTimeout,
		PingInterval:           cfg.LiveWSPingInterval,
		WriteTimeout:           cfg.LiveWSWriteTimeout,
		ReadTimeout:            cfg.LiveWSReadTimeout,
		MaxSessionDuration:     cfg.LiveMaxSessionDuration,
		TurnTimeout:            cfg.LiveTurnTimeout,
		InterruptGrace:         cfg.LiveInterruptGrace,
		EmitterDepth:           cfg.LiveEmitterDepth,
		SubFrame:               cfg.LiveSubFrame,
		MaxProtocolViolations:  cfg.LiveMaxProtocolViolations,
		HistoryTurns:           cfg.LiveHistoryTurns,
		SurfaceTokens:          cfg.LiveSurfaceTokens,
		PhraseMinWords:         cfg.LivePhraseMinWords,
	}
}

func sttConfig(cfg config.Config) stt.Config {
	return stt.Config{
		Language:        cfg.LiveDefaultLanguage,
		SampleRate:      cfg.LiveCanonicalRate,
		ConfidenceFloor: cfg.STTConfidenceFloor,
		FinalizeTimeout: cfg.STTFinalizeTimeout,
	}
}

func ttsConfig(cfg config.Config) tts.Config {
	return tts.Config{
		OutputRate:    cfg.LiveOutputRate,
		ChunkDuration: cfg.TTSChunkDuration,
		Voice:         cfg.TTSVoice,
		Language:      cfg.LiveDefaultLanguage,
	}
}
