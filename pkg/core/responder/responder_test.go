package responder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func collect(t *testing.T, s Stream) (string, error) {
	t.Helper()
	var b strings.Builder
	for {
		tok, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(tok)
	}
}

func TestEcho_StreamsWords(t *testing.T) {
	e := &Echo{Prefix: "You said:"}
	s, err := e.Respond(context.Background(), Request{Transcript: "  hello   there "})
	require.NoError(t, err)
	defer s.Close()

	first, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "You", first)

	rest, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, " said: hello there", rest)
}

func TestEcho_EmptyTranscript(t *testing.T) {
	e := &Echo{Prefix: "You said:"}
	s, err := e.Respond(context.Background(), Request{Transcript: "   "})
	require.NoError(t, err)
	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestEcho_CancelDuringDelay(t *testing.T) {
	e := &Echo{TokenDelay: time.Hour}
	s, err := e.Respond(context.Background(), Request{Transcript: "slow"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGeminiContents_History(t *testing.T) {
	got := geminiContents(Request{
		Transcript: "and tomorrow?",
		History: []Message{
			{Role: RoleUser, Text: "weather today"},
			{Role: RoleAssistant, Text: "It is sunny and", Interrupted: true},
			{Role: RoleAssistant, Text: "  "},
		},
	})
	require.Len(t, got, 3)
	assert.Equal(t, genai.RoleUser, got[0].Role)
	assert.Equal(t, genai.RoleModel, got[1].Role)
	assert.Equal(t, "It is sunny and [interrupted by the user]", got[1].Parts[0].Text)
	assert.Equal(t, "and tomorrow?", got[2].Parts[0].Text)
}

func geminiServer(t *testing.T, chunks []string, status int) (*httptest.Server, *string) {
	t.Helper()
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		if !strings.Contains(r.URL.Path, ":streamGenerateContent") {
			http.NotFound(w, r)
			return
		}
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"error":{"code":500,"message":"boom","status":"INTERNAL"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			payload, _ := json.Marshal(map[string]any{
				"candidates": []any{map[string]any{
					"content": map[string]any{"role": "model", "parts": []any{map[string]any{"text": c}}},
				}},
			})
			fmt.Fprintf(w, "data: %s\n\n", payload)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &body
}

func TestGemini_StreamsTokens(t *testing.T) {
	srv, body := geminiServer(t, []string{"Hello", "", " world."}, http.StatusOK)
	g, err := NewGemini(context.Background(), GeminiConfig{APIKey: "k", Model: "gemini-test", BaseURL: srv.URL + "/"})
	require.NoError(t, err)

	s, err := g.Respond(context.Background(), Request{Transcript: "hi", Language: "fr-FR"})
	require.NoError(t, err)
	defer s.Close()

	text, err := collect(t, s)
	require.NoError(t, err)
	assert.Equal(t, "Hello world.", text)
	assert.Contains(t, *body, "fr-FR")
	assert.Contains(t, *body, `"hi"`)
}

func TestGemini_UpstreamError(t *testing.T) {
	srv, _ := geminiServer(t, nil, http.StatusInternalServerError)
	g, err := NewGemini(context.Background(), GeminiConfig{APIKey: "k", BaseURL: srv.URL + "/"})
	require.NoError(t, err)

	s, err := g.Respond(context.Background(), Request{Transcript: "hi"})
	require.NoError(t, err)
	defer s.Close()

	_, err = collect(t, s)
	assert.ErrorIs(t, err, ErrResponder)

	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestGemini_Validation(t *testing.T) {
	_, err := NewGemini(context.Background(), GeminiConfig{})
	assert.Error(t, err)

	g, err := NewGemini(context.Background(), GeminiConfig{APIKey: "k"})
	require.NoError(t, err)
	_, err = g.Respond(context.Background(), Request{Transcript: " "})
	assert.ErrorIs(t, err, ErrResponder)
}
