package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	cartesiaSTTURL  = "wss://api.cartesia.ai/stt/websocket"
	cartesiaVersion = "2025-04-16"
)

// Cartesia streams audio to Cartesia's websocket transcription endpoint.
type Cartesia struct {
	apiKey  string
	model   string
	baseURL string
}

// NewCartesia creates a Cartesia engine. An empty model selects ink-whisper.
func NewCartesia(apiKey, model string) *Cartesia {
	if strings.TrimSpace(model) == "" {
		model = "ink-whisper"
	}
	return &Cartesia{apiKey: apiKey, model: model, baseURL: cartesiaSTTURL}
}

// Name returns the engine identifier.
func (c *Cartesia) Name() string { return "cartesia" }

// Open dials a new transcription websocket for one turn.
func (c *Cartesia) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return nil, fmt.Errorf("cartesia api key not configured")
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("model", c.model)
	q.Set("language", cartesiaLanguage(cfg.Language))
	q.Set("encoding", "pcm_s16le")
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	// Segmentation is done locally, so max_silence_duration_secs stays unset
	// and interims stream continuously.
	q.Set("min_volume", "0.01")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("X-API-Key", c.apiKey)
	headers.Set("Cartesia-Version", cartesiaVersion)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}
	return &cartesiaStream{conn: conn}, nil
}

// cartesiaLanguage maps a BCP-47 tag to the bare language code Cartesia
// expects.
func cartesiaLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return "en"
	}
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

type cartesiaSTTResponse struct {
	Type    string `json:"type"` // "transcript", "flush_done", "done", "error"
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
	Error   string `json:"error"`
}

type cartesiaStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *cartesiaStream) Send(pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

// CloseSend asks for pending audio to be finalized, then ends the session.
func (s *cartesiaStream) CloseSend() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte("finalize")); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, []byte("done"))
}

func (s *cartesiaStream) Recv() (Result, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Result{}, io.EOF
			}
			return Result{}, err
		}
		var msg cartesiaSTTResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "transcript":
			if strings.TrimSpace(msg.Text) == "" {
				continue
			}
			// Cartesia reports no per-segment confidence.
			return Result{Text: msg.Text, Final: msg.IsFinal, Confidence: 1}, nil
		case "done":
			return Result{}, io.EOF
		case "error":
			return Result{}, fmt.Errorf("cartesia error: %s", msg.Error)
		}
	}
}

func (s *cartesiaStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
