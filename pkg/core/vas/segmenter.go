// Package vas segments a continuous canonical audio stream into speech
// regions. It is an energy detector with hysteresis: a turn only opens after
// energy has stayed above the start threshold for a dwell time, and closes
// after energy has stayed below the release threshold for the silence timeout.
//
// Time is counted from frame durations, never the wall clock, so a Segmenter
// fed the same frames always produces the same events.
package vas

import (
	"fmt"
	"time"

	"github.com/vango-go/vai-speech/pkg/core/audio"
)

// EventKind is the outcome of feeding one frame.
type EventKind int

const (
	// EventNone means no boundary was crossed.
	EventNone EventKind = iota
	// EventSpeechStart means speech has been confirmed.
	EventSpeechStart
	// EventSpeechEnd means sustained silence followed speech.
	EventSpeechEnd
)

// String returns a human-readable event name.
func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "NONE"
	case EventSpeechStart:
		return "SPEECH_START"
	case EventSpeechEnd:
		return "SPEECH_END"
	default:
		return "UNKNOWN"
	}
}

// Config holds the segmentation tuning parameters. They are per-session.
type Config struct {
	// StartThreshold is the normalized RMS level (0..1) that counts as speech
	// while idle.
	StartThreshold float64
	// ReleaseThreshold is the level below which a frame counts as silence
	// while in speech. It is lower than StartThreshold.
	ReleaseThreshold float64
	// StartDwell is how long energy must stay above StartThreshold before
	// speech is confirmed. Shorter bursts are ignored.
	StartDwell time.Duration
	// SilenceTimeout is how long energy must stay below ReleaseThreshold
	// before speech ends.
	SilenceTimeout time.Duration
	// PreRoll is how much audio before the dwell window is kept and handed
	// out with EventSpeechStart.
	PreRoll time.Duration
	// SampleRate is the canonical frame rate.
	SampleRate int
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		StartThreshold:   0.02,
		ReleaseThreshold: 0.012,
		StartDwell:       120 * time.Millisecond,
		SilenceTimeout:   600 * time.Millisecond,
		PreRoll:          300 * time.Millisecond,
		SampleRate:       audio.DefaultCanonicalRate,
	}
}

// Validate checks that the thresholds and durations are usable.
func (c Config) Validate() error {
	if c.StartThreshold <= 0 || c.StartThreshold >= 1 {
		return fmt.Errorf("start_threshold must be in (0, 1)")
	}
	if c.ReleaseThreshold <= 0 || c.ReleaseThreshold > c.StartThreshold {
		return fmt.Errorf("release_threshold must be in (0, start_threshold]")
	}
	if c.StartDwell < 0 || c.StartDwell > 2*time.Second {
		return fmt.Errorf("start_dwell must be between 0 and 2s")
	}
	if c.SilenceTimeout < 100*time.Millisecond || c.SilenceTimeout > 10*time.Second {
		return fmt.Errorf("silence_timeout must be between 100ms and 10s")
	}
	if c.PreRoll < 0 || c.PreRoll > 2*time.Second {
		return fmt.Errorf("pre_roll must be between 0 and 2s")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be > 0")
	}
	return nil
}

// Event is the result of Feed.
type Event struct {
	Kind EventKind
	// Seq is the sequence number of the frame that crossed the boundary.
	Seq uint64
	// Energy is the RMS energy of that frame.
	Energy float64
	// PreRoll holds the buffered onset audio, oldest first, including the
	// frame that confirmed speech. Set only on EventSpeechStart.
	PreRoll []audio.Frame
}

// Segmenter is a single-stream voice activity segmenter. It is owned by one
// session and is not safe for concurrent use.
type Segmenter struct {
	cfg Config

	inSpeech bool
	above    time.Duration
	below    time.Duration
	ring     *audio.FrameRing
}

// New builds a Segmenter. Zero fields in cfg take their defaults.
func New(cfg Config) *Segmenter {
	def := DefaultConfig()
	if cfg.StartThreshold <= 0 {
		cfg.StartThreshold = def.StartThreshold
	}
	if cfg.ReleaseThreshold <= 0 {
		cfg.ReleaseThreshold = cfg.StartThreshold * 0.6
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = def.SilenceTimeout
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	ringBytes := audio.Canonical(cfg.SampleRate).BytesFor(cfg.PreRoll + cfg.StartDwell)
	return &Segmenter{
		cfg:  cfg,
		ring: audio.NewFrameRing(ringBytes),
	}
}

// Config returns the effective configuration.
func (s *Segmenter) Config() Config { return s.cfg }

// InSpeech reports whether speech is currently confirmed.
func (s *Segmenter) InSpeech() bool { return s.inSpeech }

// Feed consumes one canonical frame and reports any boundary it crosses.
func (s *Segmenter) Feed(fr audio.Frame) Event {
	if len(fr.Data) == 0 {
		return Event{Kind: EventNone, Seq: fr.Seq}
	}
	energy := audio.RMSEnergy(fr.Data)
	d := fr.Duration()

	if !s.inSpeech {
		s.ring.Push(fr)
		if energy < s.cfg.StartThreshold {
			// A dip resets the dwell; noise bursts never accumulate.
			s.above = 0
			return Event{Kind: EventNone, Seq: fr.Seq, Energy: energy}
		}
		s.above += d
		if s.above < s.cfg.StartDwell {
			return Event{Kind: EventNone, Seq: fr.Seq, Energy: energy}
		}
		s.inSpeech = true
		s.above = 0
		s.below = 0
		return Event{Kind: EventSpeechStart, Seq: fr.Seq, Energy: energy, PreRoll: s.ring.Drain()}
	}

	if energy >= s.cfg.ReleaseThreshold {
		s.below = 0
		return Event{Kind: EventNone, Seq: fr.Seq, Energy: energy}
	}
	s.below += d
	if s.below < s.cfg.SilenceTimeout {
		return Event{Kind: EventNone, Seq: fr.Seq, Energy: energy}
	}
	s.inSpeech = false
	s.below = 0
	return Event{Kind: EventSpeechEnd, Seq: fr.Seq, Energy: energy}
}

// Reset returns the segmenter to idle and drops the pre-roll. It is called
// when a turn is finalized by audio_end rather than by silence.
func (s *Segmenter) Reset() {
	s.inSpeech = false
	s.above = 0
	s.below = 0
	s.ring.Clear()
}
