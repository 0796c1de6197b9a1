package audio

import (
	"math"
	"sync"
)

// RMSEnergy computes the root-mean-square energy of s16 PCM, normalized to
// 0.0..1.0.
func RMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(samples))
}

// PeakAmplitude returns the maximum absolute amplitude, normalized to 0.0..1.0.
func PeakAmplitude(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}

	var maxAbs float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		// float64 avoids overflow when negating -32768
		abs := math.Abs(float64(sample))
		if abs > maxAbs {
			maxAbs = abs
		}
	}
	return maxAbs / 32768.0
}

// FrameRing keeps the most recent frames up to a byte budget. The segmenter
// uses it as pre-roll so the recognizer hears the onset of speech.
type FrameRing struct {
	mu       sync.Mutex
	frames   []Frame
	bytes    int
	maxBytes int
}

// NewFrameRing creates a ring holding at most maxBytes of frame payload.
func NewFrameRing(maxBytes int) *FrameRing {
	return &FrameRing{maxBytes: maxBytes}
}

// Push appends fr, evicting the oldest frames once over budget.
func (r *FrameRing) Push(fr Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxBytes <= 0 {
		return
	}
	r.frames = append(r.frames, fr)
	r.bytes += len(fr.Data)
	for r.bytes > r.maxBytes && len(r.frames) > 1 {
		r.bytes -= len(r.frames[0].Data)
		r.frames[0] = Frame{}
		r.frames = r.frames[1:]
	}
}

// Drain returns the buffered frames in arrival order and empties the ring.
func (r *FrameRing) Drain() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Frame, len(r.frames))
	copy(out, r.frames)
	r.frames = nil
	r.bytes = 0
	return out
}

// Len returns the buffered payload size in bytes.
func (r *FrameRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

// Clear empties the ring.
func (r *FrameRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
	r.bytes = 0
}
