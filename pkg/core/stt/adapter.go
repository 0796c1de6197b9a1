package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-speech/pkg/core/audio"
)

// Transcript is what the adapter hands to the coordinator.
type Transcript struct {
	TurnID     string
	Text       string
	IsFinal    bool
	Confidence float64
}

// Config tunes an Adapter.
type Config struct {
	Language   string
	SampleRate int
	// ConfidenceFloor turns final transcripts below it into empty text.
	// Zero disables the floor.
	ConfidenceFloor float64
	// MaxPendingFrames bounds audio queued while the engine stream opens or
	// falls behind. Overflow frames are dropped.
	MaxPendingFrames int
	// FinalizeTimeout bounds how long Finalize waits for the engine.
	FinalizeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Language) == "" {
		c.Language = "en-US"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = audio.DefaultCanonicalRate
	}
	if c.MaxPendingFrames <= 0 {
		c.MaxPendingFrames = 250
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 5 * time.Second
	}
	return c
}

// Adapter wraps an Engine for one session. A turn is opened with Begin, fed
// with Submit and closed with either Finalize or Abort.
//
// Submit and Begin never block on the engine: the engine stream is opened and
// fed by per-turn goroutines.
type Adapter struct {
	engine Engine
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	turn       *turnStream
	finalizing *turnStream
}

// NewAdapter builds an Adapter around engine.
func NewAdapter(engine Engine, cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		engine: engine,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Begin opens per-turn recognition state. The engine stream is opened in the
// background; audio submitted before it is ready is queued.
func (a *Adapter) Begin(ctx context.Context, turnID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.turn != nil {
		return ErrTurnOpen
	}
	t := newTurnStream(ctx, turnID, a.cfg.MaxPendingFrames)
	a.turn = t
	go t.run(a.engine, StreamConfig{
		Language:       a.cfg.Language,
		SampleRate:     a.cfg.SampleRate,
		InterimResults: true,
	})
	return nil
}

// TurnID returns the id of the open turn, or "".
func (a *Adapter) TurnID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.turn == nil {
		return ""
	}
	return a.turn.id
}

// Submit queues a frame for the open turn and returns the interim
// transcripts observed since the previous call, oldest first.
func (a *Adapter) Submit(fr audio.Frame) ([]Transcript, error) {
	a.mu.Lock()
	t := a.turn
	a.mu.Unlock()
	if t == nil {
		return nil, ErrNoTurn
	}
	if len(fr.Data) > 0 {
		select {
		case t.audio <- fr.Data:
		default:
			if t.noteDrop() == 1 {
				a.logger.Warn("recognition audio queue full, dropping frames", "turn_id", t.id, "engine", a.engine.Name())
			}
		}
	}
	return t.takeInterims(), nil
}

// Finalize ends the open turn and returns its single final transcript. The
// transcript is always usable: on engine failure or timeout it carries empty
// text and the error reports why. Per-turn state is released on return.
func (a *Adapter) Finalize(ctx context.Context) (Transcript, error) {
	a.mu.Lock()
	t := a.turn
	if t == nil {
		a.mu.Unlock()
		return Transcript{IsFinal: true}, ErrNoTurn
	}
	a.turn = nil
	a.finalizing = t
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		if a.finalizing == t {
			a.finalizing = nil
		}
		a.mu.Unlock()
		t.cancel()
	}()

	t.endAudio()

	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.FinalizeTimeout)
	defer cancel()

	out := Transcript{TurnID: t.id, IsFinal: true}
	select {
	case <-t.done:
	case <-t.ctx.Done():
	case <-waitCtx.Done():
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("finalize: %w", err)
		}
		return out, fmt.Errorf("%w: finalize: %v", ErrEngine, waitCtx.Err())
	}
	// An Abort racing the engine wins: the turn is gone.
	if err := t.ctx.Err(); err != nil {
		return out, fmt.Errorf("finalize: %w", err)
	}

	text, conf, err := t.result()
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrEngine, err)
	}
	out.Confidence = conf
	if a.cfg.ConfidenceFloor > 0 && text != "" && conf < a.cfg.ConfidenceFloor {
		a.logger.Debug("final transcript below confidence floor", "turn_id", t.id, "confidence", conf)
		return out, nil
	}
	out.Text = text
	return out, nil
}

// Abort drops any open or finalizing turn without producing a final. It
// returns immediately; engine streams are closed in the background.
func (a *Adapter) Abort() {
	a.mu.Lock()
	t, f := a.turn, a.finalizing
	a.turn, a.finalizing = nil, nil
	a.mu.Unlock()
	if t != nil {
		t.cancel()
	}
	if f != nil {
		f.cancel()
	}
}

// Close releases all state.
func (a *Adapter) Close() error {
	a.Abort()
	return nil
}

type turnStream struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	audio    chan []byte
	endCh    chan struct{}
	endOnce  sync.Once
	done     chan struct{}
	mu       sync.Mutex
	finals   []Result
	lastPart Result
	interims []Transcript
	err      error
	dropped  int
}

func newTurnStream(ctx context.Context, id string, pending int) *turnStream {
	tctx, cancel := context.WithCancel(ctx)
	return &turnStream{
		id:     id,
		ctx:    tctx,
		cancel: cancel,
		audio:  make(chan []byte, pending),
		endCh:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (t *turnStream) run(engine Engine, cfg StreamConfig) {
	defer close(t.done)

	stream, err := engine.Open(t.ctx, cfg)
	if err != nil {
		t.fail(fmt.Errorf("open %s stream: %w", engine.Name(), err))
		return
	}
	defer stream.Close()

	recvErr := make(chan error, 1)
	go func() { recvErr <- t.receive(stream) }()

	if err := t.send(stream); err != nil {
		t.fail(err)
		return
	}

	select {
	case err := <-recvErr:
		if err != nil {
			t.fail(err)
		}
	case <-t.ctx.Done():
	}
}

func (t *turnStream) send(stream Stream) error {
	for {
		select {
		case <-t.ctx.Done():
			return nil
		case pcm := <-t.audio:
			if err := stream.Send(pcm); err != nil {
				return fmt.Errorf("send audio: %w", err)
			}
		case <-t.endCh:
			for {
				select {
				case pcm := <-t.audio:
					if err := stream.Send(pcm); err != nil {
						return fmt.Errorf("send audio: %w", err)
					}
				default:
					if err := stream.CloseSend(); err != nil {
						return fmt.Errorf("close send: %w", err)
					}
					return nil
				}
			}
		}
	}
}

func (t *turnStream) receive(stream Stream) error {
	for {
		res, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if t.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		res.Text = strings.TrimSpace(res.Text)
		t.mu.Lock()
		if res.Final {
			if res.Text != "" {
				t.finals = append(t.finals, res)
			}
			t.lastPart = Result{}
		} else {
			t.lastPart = res
		}
		if text := t.joinedLocked(); text != "" {
			t.interims = append(t.interims, Transcript{TurnID: t.id, Text: text, Confidence: res.Confidence})
		}
		t.mu.Unlock()
	}
}

func (t *turnStream) endAudio() {
	t.endOnce.Do(func() { close(t.endCh) })
}

func (t *turnStream) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

func (t *turnStream) noteDrop() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropped++
	return t.dropped
}

func (t *turnStream) takeInterims() []Transcript {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.interims
	t.interims = nil
	return out
}

// joinedLocked is the running transcript: confirmed segments plus the
// current partial.
func (t *turnStream) joinedLocked() string {
	parts := make([]string, 0, len(t.finals)+1)
	for _, f := range t.finals {
		parts = append(parts, f.Text)
	}
	if t.lastPart.Text != "" {
		parts = append(parts, t.lastPart.Text)
	}
	return strings.Join(parts, " ")
}

// result folds the engine output into one final text. An engine that ends
// with only a partial hypothesis has that partial promoted.
func (t *turnStream) result() (string, float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return "", 0, t.err
	}
	segs := t.finals
	if len(segs) == 0 && t.lastPart.Text != "" {
		segs = []Result{t.lastPart}
	}
	if len(segs) == 0 {
		return "", 0, nil
	}
	texts := make([]string, 0, len(segs))
	var conf float64
	for _, s := range segs {
		texts = append(texts, s.Text)
		conf += s.Confidence
	}
	return strings.Join(texts, " "), conf / float64(len(segs)), nil
}
