package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-speech/pkg/core/audio"
	"github.com/vango-go/vai-speech/pkg/core/responder"
	"github.com/vango-go/vai-speech/pkg/core/stt"
	"github.com/vango-go/vai-speech/pkg/core/tts"
	"github.com/vango-go/vai-speech/pkg/core/vas"
	"github.com/vango-go/vai-speech/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-speech/pkg/gateway/live/sessions"
)

const tracerName = "vai-speech/session"

type Config struct {
	// CanonicalRate is the rate inbound audio is normalized to.
	CanonicalRate int
	// OutputRate is the default playback rate; session_start may override it.
	OutputRate      int
	DefaultLanguage string
	VAD             vas.Config

	MaxAudioFrameBytes     int
	MaxJSONMessageBytes    int64
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int

	StartTimeout       time.Duration
	PingInterval       time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	MaxSessionDuration time.Duration
	TurnTimeout        time.Duration
	InterruptGrace     time.Duration

	// EmitterDepth bounds queued playback chunks.
	EmitterDepth int
	// SubFrame is the largest binary message; chunks are split to it so a
	// flush can stop mid-chunk.
	SubFrame         time.Duration
	ControlQueueSize int

	MaxProtocolViolations int
	HistoryTurns          int
	SurfaceTokens         bool
	PhraseMinWords        int
}

func (c Config) withDefaults() Config {
	if c.CanonicalRate <= 0 {
		c.CanonicalRate = audio.DefaultCanonicalRate
	}
	if c.OutputRate <= 0 {
		c.OutputRate = audio.DefaultOutputRate
	}
	if c.DefaultLanguage == "" {
		c.DefaultLanguage = "en-US"
	}
	if c.VAD == (vas.Config{}) {
		c.VAD = vas.DefaultConfig()
	}
	if c.MaxAudioFrameBytes <= 0 {
		c.MaxAudioFrameBytes = 64 * 1024
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = 10 * time.Second
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 60 * time.Second
	}
	if c.InterruptGrace <= 0 {
		c.InterruptGrace = 100 * time.Millisecond
	}
	if c.EmitterDepth <= 0 {
		c.EmitterDepth = 10
	}
	if c.SubFrame <= 0 {
		c.SubFrame = 20 * time.Millisecond
	}
	if c.ControlQueueSize <= 0 {
		c.ControlQueueSize = 128
	}
	if c.MaxProtocolViolations <= 0 {
		c.MaxProtocolViolations = 8
	}
	if c.HistoryTurns < 0 {
		c.HistoryTurns = 0
	}
	return c
}

// Metrics receives session events. A nil Metrics in Dependencies is replaced
// by a no-op.
type Metrics interface {
	TurnFinished(outcome string)
	Interruption(cause string)
	FrameDropped(reason string)
	EngineFailure(component string)
	ProtocolViolation()
	ChunkSent(bytes int)
	FirstAudio(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) TurnFinished(string)      {}
func (nopMetrics) Interruption(string)      {}
func (nopMetrics) FrameDropped(string)      {}
func (nopMetrics) EngineFailure(string)     {}
func (nopMetrics) ProtocolViolation()       {}
func (nopMetrics) ChunkSent(int)            {}
func (nopMetrics) FirstAudio(time.Duration) {}

type Dependencies struct {
	Conn   *websocket.Conn
	Logger *slog.Logger

	STT       stt.Engine
	STTConfig stt.Config
	TTS       tts.Engine
	TTSConfig tts.Config
	Responder responder.Responder

	Metrics Metrics
	Tracer  trace.Tracer

	SessionID string
	RequestID string
	Config    Config
	Now       func() time.Time
	// OnStateChange observes lifecycle transitions, typically to update the
	// session registry.
	OnStateChange func(sessions.State)
}

// LiveSession is one client connection. Run owns it until the connection
// ends.
type LiveSession struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	deps      Dependencies
	cfg       Config
	metrics   Metrics
	tracer    trace.Tracer
	sessionID string
	now       func() time.Time
	onState   func(sessions.State)

	ctx    context.Context
	cancel context.CancelFunc

	control chan []byte
	emitter *Emitter
	tasks   sync.WaitGroup
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

var (
	errSessionEnded      = errors.New("session ended by client")
	errTooManyViolations = errors.New("too many protocol violations")
)

func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.STT == nil {
		return nil, fmt.Errorf("stt engine is required")
	}
	if deps.TTS == nil {
		return nil, fmt.Errorf("tts engine is required")
	}
	if deps.Responder == nil {
		return nil, fmt.Errorf("responder is required")
	}
	if deps.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.OnStateChange == nil {
		deps.OnStateChange = func(sessions.State) {}
	}
	cfg := deps.Config.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &LiveSession{
		conn:      deps.Conn,
		logger:    deps.Logger.With("session_id", deps.SessionID, "request_id", deps.RequestID),
		deps:      deps,
		cfg:       cfg,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		sessionID: deps.SessionID,
		now:       deps.Now,
		onState:   deps.OnStateChange,
		ctx:       ctx,
		cancel:    cancel,
		control:   make(chan []byte, cfg.ControlQueueSize),
		emitter:   NewEmitter(cfg.EmitterDepth),
	}, nil
}

// ID returns the session id.
func (s *LiveSession) ID() string { return s.sessionID }

// Cancel ends the session.
func (s *LiveSession) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

// SendWarning queues a non-fatal error message for the client. It is safe to
// call from any goroutine.
func (s *LiveSession) SendWarning(code, message string) error {
	if s == nil {
		return nil
	}
	return s.enqueueJSON(protocol.ServerError{Type: protocol.TypeError, Code: code, Message: message})
}

// Run serves the connection until the client leaves, the session is
// cancelled or a fatal error occurs. Transport failures are returned as
// *Error with kind TransportWriteFailure.
func (s *LiveSession) Run() error {
	defer s.cancel()
	defer s.onState(sessions.StateClosed)

	if s.cfg.MaxJSONMessageBytes > 0 {
		limit := s.cfg.MaxJSONMessageBytes
		if int64(s.cfg.MaxAudioFrameBytes) > limit {
			limit = int64(s.cfg.MaxAudioFrameBytes)
		}
		s.conn.SetReadLimit(limit)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	g, gctx := errgroup.WithContext(s.ctx)
	inbound := make(chan inboundFrame, 64)

	g.Go(func() error {
		s.readLoop(gctx, inbound)
		return nil
	})
	g.Go(func() error {
		w := outboundWriter{
			ws:      s.conn,
			ctx:     gctx,
			cfg:     s.cfg,
			control: s.control,
			emitter: s.emitter,
			onChunk: func(c audio.Chunk) { s.metrics.ChunkSent(len(c.Data)) },
		}
		if err := w.Run(); err != nil {
			_ = s.conn.Close()
			return newError(TransportWriteFailure, "", err)
		}
		return nil
	})
	g.Go(func() error {
		defer s.cancel()
		c := newCoordinator(s, gctx)
		defer c.shutdown()
		err := c.loop(inbound)
		if errors.Is(err, errSessionEnded) {
			return nil
		}
		return err
	})

	err := g.Wait()
	s.waitTasks()
	if err != nil {
		s.logger.Warn("live session ended with error", "kind", KindOf(err).String(), "error", err)
	}
	return err
}

func (s *LiveSession) waitTasks() {
	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	timer := time.NewTimer(2 * time.Second)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("session tasks still running after shutdown")
	}
}

func (s *LiveSession) readLoop(ctx context.Context, out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *LiveSession) enqueueJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case s.control <- payload:
		return nil
	default:
		return errBackpressure
	}
}
