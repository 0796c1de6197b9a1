package audio

import (
	"errors"
	"fmt"
)

// ErrMalformedAudio marks an inbound payload that cannot be decoded. It is
// never fatal to a session: the frame is dropped and counted.
var ErrMalformedAudio = errors.New("malformed audio")

// Decoder turns raw client audio in a declared format into canonical frames:
// mono s16le at the canonical rate, numbered with a per-session sequence.
//
// A Decoder belongs to one session and is not safe for concurrent use.
type Decoder struct {
	in   Format
	rate int
	seq  uint64
	rs   *Resampler
}

// NewDecoder validates in and returns a decoder producing frames at
// canonicalRate.
func NewDecoder(in Format, canonicalRate int) (*Decoder, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if canonicalRate <= 0 {
		canonicalRate = DefaultCanonicalRate
	}
	d := &Decoder{in: in, rate: canonicalRate}
	if in.SampleRate != canonicalRate {
		d.rs = NewResampler(in.SampleRate, canonicalRate)
	}
	return d, nil
}

// Input returns the declared inbound format.
func (d *Decoder) Input() Format { return d.in }

// Rate returns the canonical output rate.
func (d *Decoder) Rate() int { return d.rate }

// Decode normalizes one raw payload. The returned frame may carry no data
// while a rate converter is still priming; callers skip such frames.
func (d *Decoder) Decode(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, fmt.Errorf("%w: empty payload", ErrMalformedAudio)
	}
	width := d.in.FrameWidth()
	if len(raw)%width != 0 {
		return Frame{}, fmt.Errorf("%w: %d bytes is not a multiple of frame width %d", ErrMalformedAudio, len(raw), width)
	}

	var samples []int16
	switch d.in.Encoding {
	case EncodingPCMF32LE:
		samples = float32LEToSamples(raw)
	default:
		samples = BytesToSamples(raw)
	}
	samples = downmix(samples, d.in.Channels)
	if d.rs != nil {
		samples = d.rs.Write(samples)
	}
	if len(samples) == 0 {
		return Frame{SampleRate: d.rate, Channels: 1}, nil
	}

	d.seq++
	return Frame{
		Data:       SamplesToBytes(samples),
		SampleRate: d.rate,
		Channels:   1,
		Seq:        d.seq,
	}, nil
}
