package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sethvargo/go-retry"

	"github.com/vango-go/vai-speech/pkg/gateway/config"
	"github.com/vango-go/vai-speech/pkg/gateway/handlers"
	"github.com/vango-go/vai-speech/pkg/gateway/live/sessions"
	gatewayserver "github.com/vango-go/vai-speech/pkg/gateway/server"
	"github.com/vango-go/vai-speech/pkg/gateway/telemetry"
)

type serverDeps struct {
	loadConfig   func() (config.Config, error)
	buildEngines func(context.Context, config.Config) (handlers.Engines, io.Closer, error)
	newGateway   func(config.Config, *slog.Logger, ...gatewayserver.Option) *gatewayserver.Server
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultServerDeps() serverDeps {
	return serverDeps{
		loadConfig:   config.LoadFromEnv,
		buildEngines: buildEngines,
		newGateway:   gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	// No ReadTimeout: it would cut hijacked websocket sessions short.
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.ToLower(format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// connectMirror dials the Redis presence mirror, retrying briefly so the
// gateway tolerates Redis starting alongside it.
func connectMirror(ctx context.Context, cfg config.Config, logger *slog.Logger) (*sessions.RedisMirror, error) {
	instance := cfg.Instance
	if instance == "" {
		instance, _ = os.Hostname()
	}

	var mirror *sessions.RedisMirror
	backoff := retry.WithMaxRetries(4, retry.NewExponential(250*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		m, err := sessions.NewRedisMirror(ctx, sessions.RedisMirrorConfig{
			URL:       cfg.RedisURL,
			KeyPrefix: cfg.RedisKeyPrefix,
			Instance:  instance,
			TTL:       cfg.RedisTTL,
		})
		if err != nil {
			if errors.Is(err, sessions.ErrInvalidURL) {
				return err
			}
			logger.Warn("redis mirror unavailable, retrying", "error", err)
			return retry.RetryableError(err)
		}
		mirror = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mirror, nil
}

func runServer(ctx context.Context, stderr io.Writer, deps serverDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.buildEngines == nil {
		return errors.New("missing buildEngines dependency")
	}
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(stderr, cfg.LogLevel, cfg.LogFormat)

	providers, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint: cfg.OTLPEndpoint,
		Insecure: cfg.OTLPInsecure,
		Instance: cfg.Instance,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	engines, closer, err := deps.buildEngines(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build engines: %w", err)
	}
	defer closer.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []gatewayserver.Option{
		gatewayserver.WithEngines(engines),
		gatewayserver.WithMetrics(reg),
	}

	mirrorCtx, stopMirror := context.WithCancel(ctx)
	defer stopMirror()
	if cfg.RedisURL != "" {
		mirror, err := connectMirror(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("connect session mirror: %w", err)
		}
		defer mirror.Close()

		tracker := sessions.NewTracker(sessions.WithMirror(mirror), sessions.WithLogger(logger))
		refreshed := make(chan struct{})
		go func() {
			defer close(refreshed)
			tracker.RefreshMirror(mirrorCtx, cfg.RedisTTL/2)
		}()
		// Queued removals are applied before the client closes.
		defer func() {
			stopMirror()
			<-refreshed
		}()
		opts = append(opts, gatewayserver.WithLiveSessions(tracker), gatewayserver.WithReadinessProbe(mirror))
	}

	gw := deps.newGateway(cfg, logger, opts...)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway",
		"addr", cfg.Addr,
		"stt", cfg.STTProvider,
		"tts", cfg.TTSProvider,
		"responder", cfg.Responder,
		"tracing", providers.Enabled(),
		"session_mirror", cfg.RedisURL != "",
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	warned := gw.WarnLiveSessionsDraining()
	logger.Info("draining live sessions", "sessions", warned)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveSessions(waitCtx) {
		canceled := gw.CancelLiveSessions()
		logger.Warn("grace period elapsed, canceled live sessions", "sessions", canceled)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps serverDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(stderr, "vai-speech: load .env: %v\n", err)
		return 1
	}

	if err := runServer(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "vai-speech: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultServerDeps()))
}
