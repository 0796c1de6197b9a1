package responder

import (
	"context"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"

	"google.golang.org/genai"
)

const defaultGeminiSystemPrompt = "You are a helpful voice assistant. Your replies are spoken aloud: " +
	"answer in short conversational sentences without markdown, lists or emoji."

// GeminiConfig configures the Gemini responder.
type GeminiConfig struct {
	APIKey          string
	Model           string
	SystemPrompt    string
	MaxOutputTokens int32
	// BaseURL overrides the API endpoint.
	BaseURL string
}

// Gemini streams replies from the Gemini API.
type Gemini struct {
	client *genai.Client
	cfg    GeminiConfig
}

// NewGemini creates a Gemini client.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = defaultGeminiSystemPrompt
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 512
	}
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Gemini{client: client, cfg: cfg}, nil
}

// Name returns the responder identifier.
func (g *Gemini) Name() string { return "gemini" }

// Respond starts a streamed generation for the turn.
func (g *Gemini) Respond(ctx context.Context, req Request) (Stream, error) {
	if strings.TrimSpace(req.Transcript) == "" {
		return nil, fmt.Errorf("%w: empty transcript", ErrResponder)
	}
	system := g.cfg.SystemPrompt
	if lang := strings.TrimSpace(req.Language); lang != "" {
		system += " Reply in the language with BCP-47 tag " + lang + "."
	}
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		MaxOutputTokens:   g.cfg.MaxOutputTokens,
	}
	seq := g.client.Models.GenerateContentStream(ctx, g.cfg.Model, geminiContents(req), config)
	next, stop := iter.Pull2(seq)
	return &geminiStream{next: next, stop: stop}, nil
}

// geminiContents maps history and the new transcript to Gemini turns.
func geminiContents(req Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
			if m.Interrupted {
				text += " [interrupted by the user]"
			}
		}
		contents = append(contents, genai.NewContentFromText(text, role))
	}
	return append(contents, genai.NewContentFromText(req.Transcript, genai.RoleUser))
}

type geminiStream struct {
	mu   sync.Mutex
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
	done bool
}

func (s *geminiStream) Next(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.done {
			return "", io.EOF
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err, ok := s.next()
		if !ok {
			s.done = true
			return "", io.EOF
		}
		if err != nil {
			s.done = true
			return "", fmt.Errorf("%w: %v", ErrResponder, err)
		}
		if resp == nil {
			continue
		}
		if text := resp.Text(); text != "" {
			return text, nil
		}
	}
}

func (s *geminiStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.stop()
	return nil
}
