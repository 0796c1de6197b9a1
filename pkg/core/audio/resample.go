package audio

import "math"

const (
	// sincZeroCrossings is the kernel half-width, in zero crossings, of the
	// windowed-sinc interpolator.
	sincZeroCrossings = 16
	// maxPolyphaseFactor bounds the reduced up/down factors that get the
	// windowed-sinc path. Everything else uses linear interpolation.
	maxPolyphaseFactor = 8
)

// Resample converts samples from one rate to another. It is deterministic and
// stateless: the output depends only on the arguments.
//
// Rate pairs whose reduced ratio has both factors <= 8 (16k<->48k, 16k<->24k,
// 8k<->16k, 22.05k<->44.1k) use a polyphase Blackman-windowed sinc. Other
// pairs use linear interpolation, which has no anti-aliasing filter: content
// above the output Nyquist folds back when downsampling, and highs are mildly
// attenuated when upsampling.
func Resample(samples []int16, from, to int) []int16 {
	if from == to || from <= 0 || to <= 0 || len(samples) == 0 {
		return append([]int16(nil), samples...)
	}
	r := NewResampler(from, to)
	out := r.Write(samples)
	return append(out, r.Flush()...)
}

// ResampleBytes is Resample over s16le PCM.
func ResampleBytes(pcm []byte, from, to int) []byte {
	if from == to {
		return append([]byte(nil), pcm...)
	}
	return SamplesToBytes(Resample(BytesToSamples(pcm), from, to))
}

// Resampler is the streaming form of Resample. It carries the input history
// needed for continuity across chunk boundaries, so feeding a signal in any
// chunking and then calling Flush yields exactly Resample's output.
//
// A Resampler is owned by a single stream (a turn's synthesis, a session's
// decoder) and is not safe for concurrent use.
type Resampler struct {
	from, to int
	up, down int64
	sinc     bool

	// Input sample index i0+lo+m is weighted by phases[phase][m].
	lo     int64
	phases [][]float64

	hist  []float64
	base  int64 // absolute input index of hist[0]
	total int64 // input samples written
	next  int64 // next output index
	last  float64
}

// NewResampler builds a streaming resampler for from -> to.
func NewResampler(from, to int) *Resampler {
	if from <= 0 {
		from = 1
	}
	if to <= 0 {
		to = from
	}
	g := gcd(from, to)
	r := &Resampler{
		from: from,
		to:   to,
		up:   int64(to / g),
		down: int64(from / g),
	}
	r.sinc = r.up <= maxPolyphaseFactor && r.down <= maxPolyphaseFactor
	if r.sinc {
		r.buildSinc()
	} else {
		r.buildLinear()
	}
	return r
}

// Polyphase reports whether the windowed-sinc path is in use.
func (r *Resampler) Polyphase() bool { return r.sinc }

// Rates returns the input and output rates.
func (r *Resampler) Rates() (from, to int) { return r.from, r.to }

func (r *Resampler) buildSinc() {
	cutoff := 1.0
	if r.up < r.down {
		cutoff = float64(r.up) / float64(r.down)
	}
	half := int64(math.Ceil(sincZeroCrossings / cutoff))
	r.lo = -half + 1
	r.phases = make([][]float64, r.up)
	for p := int64(0); p < r.up; p++ {
		frac := float64(p) / float64(r.up)
		taps := make([]float64, 2*half)
		var sum float64
		for m := range taps {
			d := float64(r.lo+int64(m)) - frac
			w := blackman(d / float64(half))
			taps[m] = cutoff * sinc(cutoff*d) * w
			sum += taps[m]
		}
		if sum != 0 {
			for m := range taps {
				taps[m] /= sum
			}
		}
		r.phases[p] = taps
	}
}

func (r *Resampler) buildLinear() {
	r.lo = 0
	r.phases = make([][]float64, r.up)
	for p := int64(0); p < r.up; p++ {
		frac := float64(p) / float64(r.up)
		r.phases[p] = []float64{1 - frac, frac}
	}
}

// Write consumes samples and returns the output that is fully determined so
// far. Output that needs look-ahead is held until more input or Flush.
func (r *Resampler) Write(samples []int16) []int16 {
	if r.up == r.down {
		return append([]int16(nil), samples...)
	}
	for _, s := range samples {
		r.hist = append(r.hist, float64(s))
	}
	r.total += int64(len(samples))
	if len(samples) > 0 {
		r.last = float64(samples[len(samples)-1])
	}

	reach := r.lo + int64(len(r.phases[0])) - 1
	var out []int16
	for {
		i0 := r.next * r.down / r.up
		if i0+reach >= r.total {
			break
		}
		out = append(out, r.output(i0))
		r.next++
	}
	r.trim()
	return out
}

// Flush emits the remaining output, treating input past the end as silence
// (sinc) or as a hold of the last sample (linear). The resampler must be Reset
// before reuse.
func (r *Resampler) Flush() []int16 {
	if r.up == r.down {
		return nil
	}
	limit := (r.total*r.up + r.down - 1) / r.down
	var out []int16
	for r.next < limit {
		i0 := r.next * r.down / r.up
		out = append(out, r.output(i0))
		r.next++
	}
	r.hist = r.hist[:0]
	r.base = r.total
	return out
}

// Reset clears all carried state.
func (r *Resampler) Reset() {
	r.hist = r.hist[:0]
	r.base = 0
	r.total = 0
	r.next = 0
	r.last = 0
}

func (r *Resampler) output(i0 int64) int16 {
	taps := r.phases[(r.next*r.down)%r.up]
	var acc float64
	for m, w := range taps {
		acc += w * r.at(i0+r.lo+int64(m))
	}
	return clampSample(acc)
}

func (r *Resampler) at(n int64) float64 {
	if n < 0 {
		return 0
	}
	if n >= r.total {
		if r.sinc {
			return 0
		}
		return r.last
	}
	idx := n - r.base
	if idx < 0 || idx >= int64(len(r.hist)) {
		return 0
	}
	return r.hist[idx]
}

func (r *Resampler) trim() {
	need := r.next*r.down/r.up + r.lo
	drop := need - r.base
	if drop <= 0 {
		return
	}
	if drop > int64(len(r.hist)) {
		drop = int64(len(r.hist))
	}
	n := copy(r.hist, r.hist[drop:])
	r.hist = r.hist[:n]
	r.base += drop
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

func blackman(x float64) float64 {
	if x <= -1 || x >= 1 {
		return 0
	}
	return 0.42 + 0.5*math.Cos(math.Pi*x) + 0.08*math.Cos(2*math.Pi*x)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
