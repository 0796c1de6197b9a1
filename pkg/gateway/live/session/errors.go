package session

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures by how the session handles them.
type ErrorKind int

const (
	// MalformedAudio is an undecodable inbound frame. It is dropped.
	MalformedAudio ErrorKind = iota + 1
	// RecognitionEngineFailure ends the turn with an empty final transcript.
	RecognitionEngineFailure
	// SynthesisEngineFailure ends the turn without further audio.
	SynthesisEngineFailure
	// ResponderFailure ends the turn like a synthesis failure.
	ResponderFailure
	// TransportWriteFailure tears the session down.
	TransportWriteFailure
	// ProtocolViolation is an unexpected control message. It is ignored until
	// the session's violation budget is spent.
	ProtocolViolation
)

func (k ErrorKind) String() string {
	switch k {
	case MalformedAudio:
		return "MalformedAudio"
	case RecognitionEngineFailure:
		return "RecognitionEngineFailure"
	case SynthesisEngineFailure:
		return "SynthesisEngineFailure"
	case ResponderFailure:
		return "ResponderFailure"
	case TransportWriteFailure:
		return "TransportWriteFailure"
	case ProtocolViolation:
		return "ProtocolViolation"
	default:
		return "Unknown"
	}
}

// Fatal reports whether the kind ends the session.
func (k ErrorKind) Fatal() bool {
	return k == TransportWriteFailure
}

// Error is a classified session failure.
type Error struct {
	Kind   ErrorKind
	TurnID string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.TurnID != "" {
		return fmt.Sprintf("%s (turn %s): %v", e.Kind, e.TurnID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(kind ErrorKind, turnID string, err error) *Error {
	return &Error{Kind: kind, TurnID: turnID, Err: err}
}

// KindOf returns the kind of a classified error, or 0.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

var (
	// ErrTurnFlushed is returned by Emitter.Enqueue for chunks of a turn that
	// was flushed.
	ErrTurnFlushed = errors.New("turn flushed")
	// ErrEmitterClosed is returned once the session is shutting down.
	ErrEmitterClosed = errors.New("emitter closed")

	errBackpressure = errors.New("live outbound backpressure")
)
