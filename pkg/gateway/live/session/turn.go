package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/vai-speech/pkg/core/audio"
	"github.com/vango-go/vai-speech/pkg/core/stt"
	"github.com/vango-go/vai-speech/pkg/core/tts"
)

// TurnState is the lifecycle position of one user/agent exchange.
type TurnState int

const (
	TurnIdle TurnState = iota
	TurnListening
	TurnFinalizing
	TurnGenerating
	TurnSpeaking
	TurnDone
	TurnInterrupted
)

func (s TurnState) String() string {
	switch s {
	case TurnIdle:
		return "idle"
	case TurnListening:
		return "listening"
	case TurnFinalizing:
		return "finalizing"
	case TurnGenerating:
		return "generating"
	case TurnSpeaking:
		return "speaking"
	case TurnDone:
		return "done"
	case TurnInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Active reports whether a turn in this state still owns the session.
func (s TurnState) Active() bool {
	return s != TurnIdle && s != TurnDone && s != TurnInterrupted
}

// Turn outcomes reported to metrics and traces.
const (
	outcomeCompleted        = "completed"
	outcomeEmpty            = "empty"
	outcomeInterrupted      = "interrupted"
	outcomeTimeout          = "timeout"
	outcomeSynthesisFailure = "synthesis_failure"
	outcomeResponderFailure = "responder_failure"
)

// turn is owned by the coordinator loop. Goroutines started for a turn only
// read id and ctx and report back through channels tagged with id.
type turn struct {
	id      string
	state   TurnState
	created time.Time

	// transcript holds the finalized user text, accumulated across
	// extensions.
	transcript string
	// extend is set when speech resumed while finalizing; pending holds the
	// audio of that speech until the recognizer is reopened.
	extend      bool
	extendEnded bool
	pending     []audio.Frame

	response strings.Builder
	phrases  *tts.PhraseBuffer
	respDone bool
	timedOut bool
	outcome  string

	ctx        context.Context
	cancel     context.CancelFunc
	respCancel context.CancelFunc
	synthesis  *tts.Synthesis
	genStart   time.Time
	deadline   *time.Timer
	span       trace.Span
	tasks      sync.WaitGroup
}

type finalEvent struct {
	turnID     string
	transcript stt.Transcript
	err        error
}

type tokenEvent struct {
	turnID string
	token  string
	done   bool
	err    error
}

type synthEvent struct {
	turnID string
	err    error
}

func joinText(a, b string) string {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}
