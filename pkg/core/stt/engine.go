// Package stt adapts streaming speech-recognition engines to the per-turn
// contract the session coordinator relies on: frames are submitted as they
// arrive, interim transcripts are collected without blocking, and each turn
// ends with exactly one final transcript.
package stt

import (
	"context"
	"errors"
)

// ErrEngine marks failures of the underlying recognition engine. They are
// isolated to the current turn.
var ErrEngine = errors.New("recognition engine failure")

// ErrNoTurn is returned when a per-turn operation is called with no turn open.
var ErrNoTurn = errors.New("no recognition turn open")

// ErrTurnOpen is returned by Begin while another turn is still open.
var ErrTurnOpen = errors.New("recognition turn already open")

// StreamConfig describes the audio an engine stream will receive.
type StreamConfig struct {
	Language   string
	SampleRate int
	// InterimResults asks the engine for partial hypotheses.
	InterimResults bool
}

// Result is one hypothesis from an engine.
type Result struct {
	Text       string
	Final      bool
	Confidence float64
}

// Engine opens recognition streams. Implementations hold only read-only,
// concurrency-safe configuration and clients; every Open returns independent
// mutable state.
type Engine interface {
	Name() string
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// Stream is one engine recognition stream. Send and CloseSend are called from
// one goroutine and Recv from another.
type Stream interface {
	// Send forwards canonical PCM audio.
	Send(pcm []byte) error
	// CloseSend signals that no more audio will follow. The engine then
	// delivers its remaining results and Recv returns io.EOF.
	CloseSend() error
	// Recv blocks for the next hypothesis.
	Recv() (Result, error)
	// Close releases the stream. It unblocks pending Recv calls.
	Close() error
}
