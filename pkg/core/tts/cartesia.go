package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

const (
	cartesiaWSURL   = "wss://api.cartesia.ai/tts/websocket"
	cartesiaVersion = "2025-04-16"
	// Users should provide their own voice ids.
	defaultCartesiaVoice = "a0e99841-438c-4a64-b679-ae501e7d6091"
)

// CartesiaConfig configures the Cartesia engine.
type CartesiaConfig struct {
	APIKey     string
	VoiceID    string
	ModelID    string
	SampleRate int
	// MaxBufferDelayMs bounds how long Cartesia buffers text before
	// generating (default 500).
	MaxBufferDelayMs int
	BaseWSURL        string
}

// Cartesia synthesizes over Cartesia's continuation websocket.
type Cartesia struct {
	cfg CartesiaConfig
}

// NewCartesia returns a Cartesia engine with defaults filled in.
func NewCartesia(cfg CartesiaConfig) (*Cartesia, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("cartesia api key is required")
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = defaultCartesiaVoice
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "sonic-3"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.MaxBufferDelayMs <= 0 {
		cfg.MaxBufferDelayMs = 500
	}
	if cfg.BaseWSURL == "" {
		cfg.BaseWSURL = cartesiaWSURL
	}
	return &Cartesia{cfg: cfg}, nil
}

// Name returns the engine identifier.
func (c *Cartesia) Name() string { return "cartesia" }

// SampleRate returns the PCM rate of delivered audio.
func (c *Cartesia) SampleRate() int { return c.cfg.SampleRate }

type cartesiaVoiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// cartesiaStreamingRequest is one continuation message. Continue stays true
// until the last message, otherwise Cartesia closes the context and rejects
// later text.
type cartesiaStreamingRequest struct {
	ModelID          string               `json:"model_id"`
	Transcript       string               `json:"transcript"`
	Voice            cartesiaVoiceSpec    `json:"voice"`
	OutputFormat     cartesiaOutputFormat `json:"output_format"`
	ContextID        string               `json:"context_id"`
	Continue         bool                 `json:"continue"`
	MaxBufferDelayMs int                  `json:"max_buffer_delay_ms,omitempty"`
	Language         *string              `json:"language,omitempty"`
}

type cartesiaWSResponse struct {
	Type      string `json:"type"` // "chunk", "flush_done", "done", "error"
	Data      string `json:"data,omitempty"`
	ContextID string `json:"context_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Open dials a websocket for one turn.
func (c *Cartesia) Open(ctx context.Context, opts Options) (Stream, error) {
	u, err := url.Parse(c.cfg.BaseWSURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.cfg.APIKey)
	q.Set("cartesia_version", cartesiaVersion)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			return nil, fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	voice := c.cfg.VoiceID
	if opts.Voice != "" {
		voice = opts.Voice
	}
	base := cartesiaStreamingRequest{
		ModelID: c.cfg.ModelID,
		Voice:   cartesiaVoiceSpec{Mode: "id", ID: voice},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: c.cfg.SampleRate,
		},
		ContextID:        opts.ContextID,
		MaxBufferDelayMs: c.cfg.MaxBufferDelayMs,
	}
	if lang := baseLanguage(opts.Language); lang != "" {
		base.Language = &lang
	}
	return &cartesiaStream{conn: conn, base: base}, nil
}

type cartesiaStream struct {
	conn      *websocket.Conn
	base      cartesiaStreamingRequest
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *cartesiaStream) write(text string, more bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	req := s.base
	req.Transcript = text
	req.Continue = more
	return s.conn.WriteJSON(req)
}

func (s *cartesiaStream) Send(text string) error {
	if strings.TrimSpace(text) != "" && !strings.HasSuffix(text, " ") {
		text += " "
	}
	return s.write(text, true)
}

func (s *cartesiaStream) CloseSend() error { return s.write("", false) }

func (s *cartesiaStream) Recv() ([]byte, error) {
	for {
		var msg cartesiaWSResponse
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil, io.EOF
			}
			return nil, err
		}
		if msg.ContextID != "" && s.base.ContextID != "" && msg.ContextID != s.base.ContextID {
			continue
		}
		switch msg.Type {
		case "chunk":
			pcm, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				return nil, fmt.Errorf("decode audio: %w", err)
			}
			if len(pcm) == 0 {
				continue
			}
			return pcm, nil
		case "done":
			return nil, io.EOF
		case "error":
			return nil, fmt.Errorf("cartesia error: %s", msg.Error)
		default:
			// flush_done and timestamps carry no audio.
			continue
		}
	}
}

func (s *cartesiaStream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.conn.Close() })
	return err
}
