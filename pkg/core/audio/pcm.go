package audio

import (
	"encoding/binary"
	"math"
)

// BytesToSamples decodes little-endian s16 PCM. A trailing odd byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return out
}

// SamplesToBytes encodes samples as little-endian s16 PCM.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

func float32LEToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/4)
	for i := range out {
		f := math.Float32frombits(binary.LittleEndian.Uint32(pcm[4*i:]))
		out[i] = clampSample(float64(f) * 32767)
	}
	return out
}

// downmix averages interleaved channels into mono.
func downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	out := make([]int16, len(samples)/channels)
	for i := range out {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

func clampSample(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(math.Round(v))
}
