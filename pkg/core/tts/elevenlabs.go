package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
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

// multi-stream-input carries a per-message context_id; one turn maps to one
// context.
const defaultElevenLabsWSBase = "wss://api.elevenlabs.io/v1/text-to-speech/{voice_id}/multi-stream-input"

// ElevenLabsConfig configures the ElevenLabs engine.
type ElevenLabsConfig struct {
	APIKey    string
	VoiceID   string
	ModelID   string
	BaseWSURL string
	// SampleRate selects the pcm_<rate> output format (default 24000).
	SampleRate int
	// KeepAlive is the interval of empty keep-alive messages on an idle
	// context (default 15s).
	KeepAlive time.Duration
}

// ElevenLabs synthesizes over ElevenLabs' multi-context websocket.
type ElevenLabs struct {
	cfg ElevenLabsConfig
}

// NewElevenLabs validates cfg and returns an engine.
func NewElevenLabs(cfg ElevenLabsConfig) (*ElevenLabs, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("elevenlabs api key is required")
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		return nil, fmt.Errorf("elevenlabs voice id is required")
	}
	switch cfg.SampleRate {
	case 0:
		cfg.SampleRate = 24000
	case 8000, 16000, 22050, 24000, 44100:
	default:
		return nil, fmt.Errorf("elevenlabs sample rate %d is not supported", cfg.SampleRate)
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_flash_v2_5"
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	if _, err := buildElevenLabsWSURL(cfg, ""); err != nil {
		return nil, err
	}
	return &ElevenLabs{cfg: cfg}, nil
}

// Name returns the engine identifier.
func (e *ElevenLabs) Name() string { return "elevenlabs" }

// SampleRate returns the PCM rate of delivered audio.
func (e *ElevenLabs) SampleRate() int { return e.cfg.SampleRate }

// Open dials a websocket for one turn and starts its context.
func (e *ElevenLabs) Open(ctx context.Context, opts Options) (Stream, error) {
	voice := e.cfg.VoiceID
	if strings.TrimSpace(opts.Voice) != "" {
		voice = opts.Voice
	}
	wsURL, err := buildElevenLabsWSURL(ElevenLabsConfig{
		BaseWSURL:  e.cfg.BaseWSURL,
		VoiceID:    voice,
		ModelID:    e.cfg.ModelID,
		SampleRate: e.cfg.SampleRate,
	}, opts.Language)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("xi-api-key", strings.TrimSpace(e.cfg.APIKey))

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			return nil, fmt.Errorf("elevenlabs connect (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("elevenlabs connect: %w", err)
	}

	contextID := strings.TrimSpace(opts.ContextID)
	if contextID == "" {
		contextID = "ctx"
	}
	s := &elevenLabsStream{
		conn:      conn,
		contextID: contextID,
		closed:    make(chan struct{}),
	}
	if err := s.writeJSON(map[string]any{"text": " ", "context_id": contextID}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("start context: %w", err)
	}
	go s.keepAliveLoop(e.cfg.KeepAlive)
	return s, nil
}

type elevenLabsStream struct {
	conn      *websocket.Conn
	contextID string

	writeMu   sync.Mutex
	errMu     sync.Mutex
	idle      bool
	final     bool // read side only
	closed    chan struct{}
	closeOnce sync.Once

	lastServerError string
	lastClose       string
}

func (s *elevenLabsStream) Send(text string) error {
	if strings.TrimSpace(text) != "" && !strings.HasSuffix(text, " ") {
		text += " "
	}
	return s.writeJSON(map[string]any{"text": text, "context_id": s.contextID})
}

// CloseSend flushes the context so the tail is generated, then closes it.
func (s *elevenLabsStream) CloseSend() error {
	if err := s.writeJSON(map[string]any{"text": "", "context_id": s.contextID, "flush": true}); err != nil {
		return err
	}
	s.errMu.Lock()
	s.idle = true
	s.errMu.Unlock()
	return s.writeJSON(map[string]any{"context_id": s.contextID, "close_context": true})
}

func (s *elevenLabsStream) Recv() ([]byte, error) {
	if s.final {
		return nil, io.EOF
	}
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				s.setLastClose(fmt.Sprintf("code=%d msg=%s", closeErr.Code, strings.TrimSpace(closeErr.Text)))
				if closeErr.Code == websocket.CloseNormalClosure {
					return nil, io.EOF
				}
			} else {
				s.setLastClose(strings.TrimSpace(err.Error()))
			}
			return nil, s.withReason(err)
		}

		var msg map[string]json.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if serverErr := decodeString(msg["error"]); serverErr != "" {
			s.setLastServerError(serverErr)
			if len(msg["audio"]) == 0 {
				return nil, fmt.Errorf("elevenlabs: %s", serverErr)
			}
		} else if note := firstString(msg, "message", "detail"); note != "" {
			s.setLastServerError(note)
		}
		contextID := firstString(msg, "context_id", "contextId")
		if contextID != "" && contextID != s.contextID {
			continue
		}

		var pcm []byte
		if b64 := decodeString(msg["audio"]); b64 != "" {
			pcm, err = decodeBase64Any(b64)
			if err != nil {
				return nil, fmt.Errorf("elevenlabs: invalid audio base64")
			}
		}
		final := decodeBool(msg["isFinal"]) || decodeBool(msg["is_final"])
		if len(pcm) > 0 {
			// A final flag on an audio message ends the stream on the next read.
			s.final = s.final || final
			return pcm, nil
		}
		if final || s.final {
			return nil, io.EOF
		}
	}
}

func (s *elevenLabsStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
	return nil
}

func (s *elevenLabsStream) keepAliveLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.errMu.Lock()
			idle := s.idle
			s.errMu.Unlock()
			if idle {
				return
			}
			_ = s.writeJSON(map[string]any{"text": "", "context_id": s.contextID})
		}
	}
}

func (s *elevenLabsStream) writeJSON(payload any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := s.conn.WriteJSON(payload); err != nil {
		return s.withReason(err)
	}
	return nil
}

func (s *elevenLabsStream) withReason(err error) error {
	reason := s.failureReason()
	if reason == "" {
		return err
	}
	return fmt.Errorf("%w (elevenlabs %s)", err, reason)
}

func buildElevenLabsWSURL(cfg ElevenLabsConfig, language string) (string, error) {
	base := strings.TrimSpace(cfg.BaseWSURL)
	if base == "" {
		base = defaultElevenLabsWSBase
	}
	voiceID := strings.TrimSpace(cfg.VoiceID)
	base = strings.ReplaceAll(base, "{voice_id}", url.PathEscape(voiceID))
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid elevenlabs ws base url: %w", err)
	}
	if u.Scheme == "" {
		u.Scheme = "wss"
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/v1/text-to-speech/" + url.PathEscape(voiceID) + "/multi-stream-input"
	}
	q := u.Query()
	if q.Get("model_id") == "" && cfg.ModelID != "" {
		q.Set("model_id", cfg.ModelID)
	}
	if q.Get("output_format") == "" {
		rate := cfg.SampleRate
		if rate <= 0 {
			rate = 24000
		}
		q.Set("output_format", "pcm_"+strconv.Itoa(rate))
	}
	if q.Get("apply_text_normalization") == "" {
		q.Set("apply_text_normalization", "auto")
	}
	if q.Get("inactivity_timeout") == "" {
		q.Set("inactivity_timeout", "60")
	}
	if lang := baseLanguage(language); lang != "" && q.Get("language_code") == "" {
		q.Set("language_code", lang)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// baseLanguage reduces a BCP-47 tag to its lowercase language subtag.
func baseLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

func firstString(msg map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		if v := decodeString(msg[k]); v != "" {
			return v
		}
	}
	return ""
}

func decodeString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

func decodeBool(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var out bool
	if err := json.Unmarshal(raw, &out); err != nil {
		return false
	}
	return out
}

// decodeBase64Any accepts padded and unpadded standard or URL alphabets.
func decodeBase64Any(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("invalid base64")
}

func (s *elevenLabsStream) setLastServerError(msg string) {
	s.errMu.Lock()
	s.lastServerError = squash(msg)
	s.errMu.Unlock()
}

func (s *elevenLabsStream) setLastClose(msg string) {
	s.errMu.Lock()
	s.lastClose = squash(msg)
	s.errMu.Unlock()
}

func (s *elevenLabsStream) failureReason() string {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	parts := make([]string, 0, 2)
	if s.lastServerError != "" {
		parts = append(parts, "server_error="+s.lastServerError)
	}
	if s.lastClose != "" {
		parts = append(parts, "close="+s.lastClose)
	}
	return strings.Join(parts, " ")
}

func squash(msg string) string {
	msg = strings.Join(strings.Fields(msg), " ")
	if len(msg) > 300 {
		msg = msg[:300] + "…"
	}
	return msg
}
