// Package audio holds the PCM primitives shared by the speech pipeline:
// canonical frames, the inbound frame decoder, energy measurement, fades and
// sample-rate conversion.
//
// Canonical audio is 16-bit signed little-endian mono. Everything past the
// decoder works on canonical frames only.
package audio

import (
	"fmt"
	"strings"
	"time"
)

// Encoding names accepted on the wire.
const (
	EncodingPCMS16LE = "pcm_s16le"
	EncodingPCMF32LE = "pcm_f32le"
)

// Default rates used when the session does not override them.
const (
	DefaultCanonicalRate = 16000
	DefaultOutputRate    = 24000
)

// Format describes a PCM stream.
type Format struct {
	Encoding   string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// Canonical returns the canonical mono s16 format at rate.
func Canonical(rate int) Format {
	return Format{Encoding: EncodingPCMS16LE, SampleRate: rate, Channels: 1}
}

// SampleWidth is the byte width of one sample of one channel.
func (f Format) SampleWidth() int {
	switch f.Encoding {
	case EncodingPCMF32LE:
		return 4
	default:
		return 2
	}
}

// FrameWidth is the byte width of one sample across all channels.
func (f Format) FrameWidth() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return f.SampleWidth() * ch
}

// BytesPerSecond returns the byte rate of the stream.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.FrameWidth()
}

// Duration returns the playback duration of n bytes.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// BytesFor returns the byte count for d, rounded down to a whole frame.
func (f Format) BytesFor(d time.Duration) int {
	w := f.FrameWidth()
	n := int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
	return n - n%w
}

// Validate reports whether f is a format the decoder can normalize.
func (f Format) Validate() error {
	switch strings.TrimSpace(f.Encoding) {
	case EncodingPCMS16LE, EncodingPCMF32LE:
	default:
		return fmt.Errorf("unsupported audio format %q", f.Encoding)
	}
	if f.SampleRate < 8000 || f.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000")
	}
	if f.Channels != 1 && f.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2")
	}
	return nil
}

// Frame is one canonical inbound audio frame. Data is never mutated after the
// decoder hands it out.
type Frame struct {
	Data       []byte
	SampleRate int
	Channels   int
	Seq        uint64
}

// Duration returns the playback duration of the frame.
func (fr Frame) Duration() time.Duration {
	return Canonical(fr.SampleRate).Duration(len(fr.Data))
}

// Samples decodes the frame payload.
func (fr Frame) Samples() []int16 {
	return BytesToSamples(fr.Data)
}

// Chunk is one synthesized outbound audio chunk.
type Chunk struct {
	Data       []byte
	SampleRate int
	TurnID     string
	Index      int
	// Final marks the last chunk of a turn.
	Final bool
}

// Duration returns the playback duration of the chunk.
func (c Chunk) Duration() time.Duration {
	return Canonical(c.SampleRate).Duration(len(c.Data))
}
