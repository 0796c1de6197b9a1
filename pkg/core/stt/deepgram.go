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

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
)

const deepgramListenURL = "wss://api.deepgram.com/v1/listen"

// Deepgram streams audio to Deepgram's live transcription websocket.
type Deepgram struct {
	apiKey  string
	model   string
	baseURL string
	dialer  *websocket.Dialer
}

// DeepgramOption customizes a Deepgram engine.
type DeepgramOption func(*Deepgram)

// WithDeepgramModel selects the recognition model (default nova-3).
func WithDeepgramModel(model string) DeepgramOption {
	return func(d *Deepgram) {
		if strings.TrimSpace(model) != "" {
			d.model = model
		}
	}
}

// WithDeepgramURL overrides the listen endpoint. Tests point it at a local
// websocket server.
func WithDeepgramURL(u string) DeepgramOption {
	return func(d *Deepgram) {
		if strings.TrimSpace(u) != "" {
			d.baseURL = u
		}
	}
}

// NewDeepgram creates a Deepgram engine.
func NewDeepgram(apiKey string, opts ...DeepgramOption) *Deepgram {
	d := &Deepgram{
		apiKey:  apiKey,
		model:   "nova-3",
		baseURL: deepgramListenURL,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the engine identifier.
func (d *Deepgram) Name() string { return "deepgram" }

// Open dials a new listen websocket for one turn.
func (d *Deepgram) Open(ctx context.Context, cfg StreamConfig) (Stream, error) {
	if strings.TrimSpace(d.apiKey) == "" {
		return nil, fmt.Errorf("deepgram api key not configured")
	}
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse deepgram url: %w", err)
	}
	q := u.Query()
	q.Set("model", d.model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	if lang := strings.TrimSpace(cfg.Language); lang != "" {
		q.Set("language", lang)
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)
	conn, resp, err := d.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			if len(body) > 0 {
				return nil, fmt.Errorf("deepgram connect (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			return nil, fmt.Errorf("deepgram connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("deepgram connect: %w", err)
	}
	return &deepgramStream{conn: conn}, nil
}

type deepgramStream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closeMu sync.Once
}

type deepgramControl struct {
	Type string `json:"type"`
}

func (s *deepgramStream) Send(pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (s *deepgramStream) CloseSend() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(deepgramControl{Type: string(api.TypeCloseStreamResponse)})
}

func (s *deepgramStream) Recv() (Result, error) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Result{}, io.EOF
			}
			return Result{}, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var envelope deepgramControl
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		switch api.TypeResponse(envelope.Type) {
		case api.TypeMessageResponse:
			var msg api.MessageResponse
			if err := json.Unmarshal(data, &msg); err != nil {
				return Result{}, fmt.Errorf("decode deepgram result: %w", err)
			}
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			alt := msg.Channel.Alternatives[0]
			text := strings.TrimSpace(alt.Transcript)
			if text == "" {
				continue
			}
			return Result{Text: text, Final: msg.IsFinal, Confidence: alt.Confidence}, nil
		case "Error":
			return Result{}, fmt.Errorf("deepgram error: %s", strings.TrimSpace(string(data)))
		default:
			// Metadata, SpeechStarted and UtteranceEnd carry nothing the
			// adapter needs; segmentation is done locally.
			continue
		}
	}
}

func (s *deepgramStream) Close() error {
	var err error
	s.closeMu.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
