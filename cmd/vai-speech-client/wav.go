package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// pcmReader returns the PCM payload of r. WAV input must be pcm_s16le 16kHz
// mono and is unwrapped to its data chunk; anything else is passed through as
// raw PCM.
func pcmReader(r *bufio.Reader) (io.Reader, error) {
	head, err := r.Peek(12)
	if err != nil || !bytes.Equal(head[0:4], []byte("RIFF")) || !bytes.Equal(head[8:12], []byte("WAVE")) {
		return r, nil
	}
	if _, err := r.Discard(12); err != nil {
		return nil, err
	}

	var sawFmt bool
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, fmt.Errorf("wav: missing data chunk: %w", err)
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("wav: short fmt chunk")
			}
			var f [16]byte
			if _, err := io.ReadFull(r, f[:]); err != nil {
				return nil, fmt.Errorf("wav: %w", err)
			}
			format := binary.LittleEndian.Uint16(f[0:2])
			channels := binary.LittleEndian.Uint16(f[2:4])
			rate := binary.LittleEndian.Uint32(f[4:8])
			bits := binary.LittleEndian.Uint16(f[14:16])
			if format != 1 || channels != 1 || rate != inputSampleRate || bits != 16 {
				return nil, fmt.Errorf("wav: need 16-bit PCM mono at %d Hz, got format=%d channels=%d rate=%d bits=%d",
					inputSampleRate, format, channels, rate, bits)
			}
			if err := skip(r, size-16+size%2); err != nil {
				return nil, err
			}
			sawFmt = true
		case "data":
			if !sawFmt {
				return nil, fmt.Errorf("wav: data chunk before fmt chunk")
			}
			return io.LimitReader(r, size), nil
		default:
			if err := skip(r, size+size%2); err != nil {
				return nil, err
			}
		}
	}
}

func skip(r *bufio.Reader, n int64) error {
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("wav: %w", err)
	}
	return nil
}
