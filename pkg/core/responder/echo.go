package responder

import (
	"context"
	"io"
	"strings"
	"time"
)

// Echo replies with the transcript itself, one word per token. It needs no
// upstream and is the default for local runs and tests.
type Echo struct {
	// Prefix is spoken before the transcript.
	Prefix string
	// TokenDelay paces tokens to mimic a streaming model.
	TokenDelay time.Duration
}

// Name returns the responder identifier.
func (e *Echo) Name() string { return "echo" }

// Respond starts an echo stream.
func (e *Echo) Respond(ctx context.Context, req Request) (Stream, error) {
	text := strings.TrimSpace(req.Transcript)
	if p := strings.TrimSpace(e.Prefix); p != "" && text != "" {
		text = p + " " + text
	}
	words := strings.Fields(text)
	tokens := make([]string, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		tokens[i] = w
	}
	return &echoStream{tokens: tokens, delay: e.TokenDelay}, nil
}

type echoStream struct {
	tokens []string
	delay  time.Duration
}

func (s *echoStream) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(s.tokens) == 0 {
		return "", io.EOF
	}
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ctx.Err()
		case <-t.C:
		}
	}
	tok := s.tokens[0]
	s.tokens = s.tokens[1:]
	return tok, nil
}

func (s *echoStream) Close() error {
	s.tokens = nil
	return nil
}
