// Package tts adapts streaming text-to-speech engines to per-turn syntheses
// that emit fixed-duration PCM chunks at the client's output rate.
package tts

import (
	"context"
	"errors"
)

// ErrEngine marks failures of the underlying synthesis engine.
var ErrEngine = errors.New("synthesis engine failure")

// ErrClosed is returned by Push after Close, Stop or Cancel.
var ErrClosed = errors.New("synthesis closed")

// Options configures one engine stream.
type Options struct {
	// ContextID identifies the stream upstream. The adapter uses the turn id.
	ContextID string
	Voice     string
	Language  string
}

// Engine opens synthesis streams producing s16le mono PCM at SampleRate.
type Engine interface {
	Name() string
	SampleRate() int
	Open(ctx context.Context, opts Options) (Stream, error)
}

// Stream is one engine synthesis stream. Send and CloseSend are called from
// one goroutine and Recv from another.
type Stream interface {
	// Send queues text for synthesis.
	Send(text string) error
	// CloseSend marks the end of the text. Recv returns io.EOF once the
	// remaining audio has been delivered.
	CloseSend() error
	// Recv blocks for the next piece of PCM. Pieces have arbitrary length.
	Recv() ([]byte, error)
	// Close releases the stream and unblocks Recv.
	Close() error
}
