package audio

// FadeIn ramps the first n samples of pcm (s16le, in place) from silence to
// full gain. It returns how many samples were faded, which is less than n when
// pcm is shorter.
func FadeIn(pcm []byte, n int) int {
	total := len(pcm) / 2
	if n > total {
		n = total
	}
	for i := 0; i < n; i++ {
		scaleSample(pcm[2*i:], float64(i)/float64(n))
	}
	return n
}

// FadeInFrom continues a fade-in that already covered done of n samples.
// Synthesis output arrives in pieces shorter than the fade window, so the ramp
// has to span chunk boundaries.
func FadeInFrom(pcm []byte, done, n int) int {
	total := len(pcm) / 2
	applied := 0
	for i := 0; i < total && done+i < n; i++ {
		scaleSample(pcm[2*i:], float64(done+i)/float64(n))
		applied++
	}
	return applied
}

// FadeOut ramps the last n samples of pcm (s16le, in place) down to silence.
func FadeOut(pcm []byte, n int) {
	total := len(pcm) / 2
	if n > total {
		n = total
	}
	start := total - n
	for i := 0; i < n; i++ {
		scaleSample(pcm[2*(start+i):], float64(n-1-i)/float64(n))
	}
}

func scaleSample(b []byte, gain float64) {
	s := int16(b[0]) | int16(b[1])<<8
	v := clampSample(float64(s) * gain)
	b[0] = byte(uint16(v))
	b[1] = byte(uint16(v) >> 8)
}
