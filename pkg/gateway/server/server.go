package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/vai-speech/pkg/gateway/config"
	"github.com/vango-go/vai-speech/pkg/gateway/handlers"
	"github.com/vango-go/vai-speech/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-speech/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-speech/pkg/gateway/metrics"
	"github.com/vango-go/vai-speech/pkg/gateway/mw"
	"github.com/vango-go/vai-speech/pkg/gateway/ratelimit"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	engines      handlers.Engines
	limiter      *ratelimit.Limiter
	lifecycle    *lifecycle.Lifecycle
	liveSessions *sessions.Tracker
	mirror       handlers.Pinger
	metrics      *metrics.Collector
	gatherer     prometheus.Gatherer
}

type Option func(*Server)

// WithEngines sets the speech engines shared by all live sessions.
func WithEngines(e handlers.Engines) Option {
	return func(s *Server) { s.engines = e }
}

// WithLiveSessions replaces the default in-process session tracker, e.g. with
// one that mirrors presence to Redis.
func WithLiveSessions(t *sessions.Tracker) Option {
	return func(s *Server) {
		if t != nil {
			s.liveSessions = t
		}
	}
}

// WithReadinessProbe adds a dependency /readyz pings.
func WithReadinessProbe(p handlers.Pinger) Option {
	return func(s *Server) { s.mirror = p }
}

// WithMetrics registers the collector's instruments on reg and serves them on
// /metrics.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(s *Server) {
		if reg == nil {
			return
		}
		s.metrics = metrics.NewCollector("", reg)
		s.gatherer = reg
	}
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		lifecycle: &lifecycle.Lifecycle{},
		limiter: ratelimit.New(ratelimit.Config{
			ConnectRPS:           cfg.LimitConnectRPS,
			ConnectBurst:         cfg.LimitConnectBurst,
			MaxSessionsPerClient: cfg.LimitMaxSessionsPerClient,
			MaxSessions:          cfg.LimitMaxSessions,
		}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.liveSessions == nil {
		s.liveSessions = sessions.NewTracker(sessions.WithLogger(logger))
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:       s.cfg,
		Engines:      s.engines,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.liveSessions,
		Mirror:       s.mirror,
	})
	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.mux.Handle("/v1/speech/live", handlers.LiveHandler{
		Config:       s.cfg,
		Engines:      s.engines,
		Logger:       s.logger,
		Limiter:      s.limiter,
		Lifecycle:    s.lifecycle,
		LiveSessions: s.liveSessions,
		Metrics:      s.sessionMetrics(),
	})

	listing := handlers.SessionsHandler{LiveSessions: s.liveSessions}
	s.mux.Handle("GET /v1/speech/sessions", listing)
	s.mux.Handle("GET /v1/speech/sessions/{id}", listing)

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) sessionMetrics() handlers.SessionMetrics {
	if s.metrics == nil {
		return nil
	}
	return s.metrics
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.APIVersion(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	if s.metrics != nil {
		h = mw.AccessLog(s.logger, h, s.metrics)
	} else {
		h = mw.AccessLog(s.logger, h)
	}
	h = mw.RequestID(h)
	return h
}

// SetDraining stops admitting live sessions and fails readiness.
func (s *Server) SetDraining() {
	s.lifecycle.SetDraining(true)
}

// WarnLiveSessionsDraining tells connected clients the instance is going away.
func (s *Server) WarnLiveSessionsDraining() int {
	return s.liveSessions.WarnAll("draining", "server is shutting down; reconnect to continue")
}

// WaitLiveSessions blocks until every live session ended or ctx is done.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.liveSessions.Wait(ctx)
}

// CancelLiveSessions ends every live session still connected.
func (s *Server) CancelLiveSessions() int {
	return s.liveSessions.CancelAll()
}
