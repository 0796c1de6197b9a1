package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-speech/pkg/core/audio"
)

// Config tunes a Synthesizer.
type Config struct {
	// OutputRate is the client playback rate. Engine audio is resampled to it.
	OutputRate int
	// ChunkDuration is the playback length of every chunk but the last.
	ChunkDuration time.Duration
	// FadeIn ramps the start of every synthesis from silence.
	FadeIn time.Duration
	// FadeOut ramps the last chunk to silence when a synthesis is stopped
	// before the engine finished.
	FadeOut time.Duration
	Voice   string
	// Language is the default when Open is given none.
	Language string
}

func (c Config) withDefaults() Config {
	if c.OutputRate <= 0 {
		c.OutputRate = audio.DefaultOutputRate
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = 40 * time.Millisecond
	}
	if c.FadeIn <= 0 {
		c.FadeIn = 10 * time.Millisecond
	}
	if c.FadeOut <= 0 {
		c.FadeOut = 20 * time.Millisecond
	}
	return c
}

// Synthesizer opens per-turn syntheses on one engine. It is shared by a
// session's turns; each Synthesis carries its own state.
type Synthesizer struct {
	engine Engine
	cfg    Config
	logger *slog.Logger
}

// New builds a Synthesizer.
func New(engine Engine, cfg Config, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{engine: engine, cfg: cfg.withDefaults(), logger: logger}
}

// OutputRate returns the rate of emitted chunks.
func (s *Synthesizer) OutputRate() int { return s.cfg.OutputRate }

// EngineName returns the engine identifier.
func (s *Synthesizer) EngineName() string { return s.engine.Name() }

// Open starts a synthesis for turnID. The engine stream is opened in the
// background so the caller can Push immediately.
func (s *Synthesizer) Open(ctx context.Context, turnID, language string) *Synthesis {
	if language == "" {
		language = s.cfg.Language
	}
	sctx, cancel := context.WithCancel(ctx)
	ectx, engineCancel := context.WithCancel(sctx)
	outFmt := audio.Canonical(s.cfg.OutputRate)
	sy := &Synthesis{
		turnID:       turnID,
		ctx:          sctx,
		cancel:       cancel,
		engineCtx:    ectx,
		engineCancel: engineCancel,
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		chunks:       make(chan audio.Chunk, 8),
		done:         make(chan struct{}),
		rate:         s.cfg.OutputRate,
		chunkBytes:   outFmt.BytesFor(s.cfg.ChunkDuration),
		fadeIn:       int(int64(s.cfg.OutputRate) * int64(s.cfg.FadeIn) / int64(time.Second)),
		fadeOut:      int(int64(s.cfg.OutputRate) * int64(s.cfg.FadeOut) / int64(time.Second)),
		rs:           audio.NewResampler(s.engine.SampleRate(), s.cfg.OutputRate),
		logger:       s.logger,
	}
	if sy.chunkBytes < 2 {
		sy.chunkBytes = 2
	}
	go sy.run(s.engine, Options{ContextID: turnID, Voice: s.cfg.Voice, Language: language})
	return sy
}

// Synthesis is one turn's text-to-audio stream.
//
// Text is pushed without blocking. Chunks are delivered on Chunks with
// indices contiguous from 0; the channel closes when the synthesis ends for
// any reason. Close lets the engine finish, Stop ends early with a fade-out
// and Cancel ends immediately without further audio.
type Synthesis struct {
	turnID string

	ctx          context.Context
	cancel       context.CancelFunc
	engineCtx    context.Context
	engineCancel context.CancelFunc

	mu       sync.Mutex
	queue    []string
	textDone bool
	err      error
	wake     chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}

	chunks chan audio.Chunk
	done   chan struct{}

	// Owned by run.
	rate       int
	chunkBytes int
	fadeIn     int
	fadeOut    int
	faded      int
	rs         *audio.Resampler
	carry      []byte
	pending    []byte
	held       *audio.Chunk
	index      int
	logger     *slog.Logger
}

// TurnID returns the owning turn.
func (s *Synthesis) TurnID() string { return s.turnID }

// Chunks returns the output channel.
func (s *Synthesis) Chunks() <-chan audio.Chunk { return s.chunks }

// Done is closed once the synthesis has fully ended and Chunks is closed.
func (s *Synthesis) Done() <-chan struct{} { return s.done }

// Err reports an engine failure, wrapped with ErrEngine. Stop and Cancel are
// not failures.
func (s *Synthesis) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Push queues text for synthesis.
func (s *Synthesis) Push(text string) error {
	if text == "" {
		return nil
	}
	s.mu.Lock()
	if s.textDone {
		s.mu.Unlock()
		return ErrClosed
	}
	s.queue = append(s.queue, text)
	s.mu.Unlock()
	s.signal()
	return nil
}

// Close marks the end of the text. The remaining audio is still delivered.
func (s *Synthesis) Close() {
	s.mu.Lock()
	s.textDone = true
	s.mu.Unlock()
	s.signal()
}

// Stop ends the synthesis early. The chunk held back for this purpose is
// faded to silence and delivered as the final chunk.
func (s *Synthesis) Stop() {
	s.mu.Lock()
	s.textDone = true
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.engineCancel()
}

// Cancel drops the synthesis without waiting for the engine. It does not
// block; the engine stream is closed in the background.
func (s *Synthesis) Cancel() {
	s.mu.Lock()
	s.textDone = true
	s.mu.Unlock()
	s.cancel()
}

func (s *Synthesis) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Synthesis) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = fmt.Errorf("%w: %v", ErrEngine, err)
	}
}

func (s *Synthesis) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *Synthesis) run(engine Engine, opts Options) {
	defer close(s.done)
	defer close(s.chunks)
	defer s.cancel()

	stream, err := engine.Open(s.engineCtx, opts)
	if err != nil {
		if s.ctx.Err() == nil && !s.stopped() {
			s.fail(fmt.Errorf("open %s stream: %w", engine.Name(), err))
		}
		return
	}
	defer stream.Close()
	go func() {
		<-s.engineCtx.Done()
		_ = stream.Close()
	}()

	go s.feed(stream)

	for {
		pcm, err := stream.Recv()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.finish()
			case s.ctx.Err() != nil:
			case s.stopped():
				s.forceEnd()
			default:
				s.logger.Warn("synthesis engine stream failed", "turn_id", s.turnID, "engine", engine.Name(), "error", err)
				s.fail(err)
				s.forceEnd()
			}
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		if s.stopped() {
			s.forceEnd()
			return
		}
		if !s.absorb(pcm) {
			return
		}
	}
}

// feed forwards queued text to the engine until the text is closed.
func (s *Synthesis) feed(stream Stream) {
	for {
		select {
		case <-s.engineCtx.Done():
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			done := s.textDone
			s.mu.Unlock()

			for _, text := range batch {
				if err := stream.Send(text); err != nil {
					if s.engineCtx.Err() == nil {
						s.fail(fmt.Errorf("send text: %w", err))
						s.engineCancel()
						_ = stream.Close()
					}
					return
				}
			}
			if len(batch) > 0 {
				continue
			}
			if done {
				if s.stopped() || s.engineCtx.Err() != nil {
					return
				}
				if err := stream.CloseSend(); err != nil && s.engineCtx.Err() == nil {
					s.fail(fmt.Errorf("close send: %w", err))
					s.engineCancel()
					_ = stream.Close()
				}
				return
			}
			break
		}
	}
}

// absorb resamples engine PCM and emits every complete chunk.
func (s *Synthesis) absorb(pcm []byte) bool {
	if len(s.carry) > 0 {
		pcm = append(s.carry, pcm...)
		s.carry = nil
	}
	if len(pcm)%2 == 1 {
		s.carry = []byte{pcm[len(pcm)-1]}
		pcm = pcm[:len(pcm)-1]
	}
	if len(pcm) == 0 {
		return true
	}
	out := s.rs.Write(audio.BytesToSamples(pcm))
	s.pending = append(s.pending, audio.SamplesToBytes(out)...)
	for len(s.pending) >= s.chunkBytes {
		data := make([]byte, s.chunkBytes)
		copy(data, s.pending)
		s.pending = s.pending[s.chunkBytes:]
		if !s.hold(data) {
			return false
		}
	}
	return true
}

// hold emits the previously held chunk and keeps data back.
func (s *Synthesis) hold(data []byte) bool {
	if s.faded < s.fadeIn {
		s.faded += audio.FadeInFrom(data, s.faded, s.fadeIn)
	}
	prev := s.held
	s.held = &audio.Chunk{Data: data, SampleRate: s.rate, TurnID: s.turnID}
	if prev != nil {
		return s.emit(*prev)
	}
	return true
}

// finish drains the resampler after the engine completed normally.
func (s *Synthesis) finish() {
	tail := s.rs.Flush()
	s.pending = append(s.pending, audio.SamplesToBytes(tail)...)
	for len(s.pending) > 0 {
		n := s.chunkBytes
		if n > len(s.pending) {
			n = len(s.pending)
		}
		data := make([]byte, n)
		copy(data, s.pending)
		s.pending = s.pending[n:]
		if !s.hold(data) {
			return
		}
	}
	s.emitHeldFinal(false)
}

// forceEnd fades out the held chunk and drops everything after it.
func (s *Synthesis) forceEnd() {
	s.pending = nil
	s.emitHeldFinal(true)
}

func (s *Synthesis) emitHeldFinal(fade bool) {
	if s.held == nil {
		return
	}
	c := *s.held
	s.held = nil
	if fade {
		audio.FadeOut(c.Data, s.fadeOut)
	}
	c.Final = true
	s.emit(c)
}

func (s *Synthesis) emit(c audio.Chunk) bool {
	if s.ctx.Err() != nil {
		return false
	}
	c.Index = s.index
	select {
	case s.chunks <- c:
		s.index++
		return true
	case <-s.ctx.Done():
		return false
	}
}
