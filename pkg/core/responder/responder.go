// Package responder produces the streamed text reply to a finalized user
// utterance. Implementations are shared by all sessions; every Respond call
// returns an independent stream.
package responder

import (
	"context"
	"errors"
)

// ErrResponder marks failures of the response generator.
var ErrResponder = errors.New("responder failure")

// Role of a history message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one prior utterance in the conversation.
type Message struct {
	Role string
	Text string
	// Interrupted marks an assistant reply the user barged in on. Text holds
	// only what was generated before the interruption.
	Interrupted bool
}

// Request is the input of one turn.
type Request struct {
	SessionID  string
	TurnID     string
	Language   string
	Transcript string
	History    []Message
}

// Responder starts reply streams.
type Responder interface {
	Name() string
	Respond(ctx context.Context, req Request) (Stream, error)
}

// Stream yields reply tokens in order.
type Stream interface {
	// Next returns the next non-empty token, or io.EOF once the reply is
	// complete.
	Next(ctx context.Context) (string, error)
	// Close releases the stream. It is safe to call more than once.
	Close() error
}
