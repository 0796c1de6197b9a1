package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
)

// speakConn is the subset of the Deepgram speak websocket client in use.
type speakConn interface {
	Connect() bool
	SpeakWithText(text string) error
	Flush() error
	Stop()
}

type speakDialer func(ctx context.Context, model string, cb msginterfaces.SpeakMessageCallback) (speakConn, error)

// Deepgram synthesizes with Deepgram Aura over the SDK's speak websocket.
type Deepgram struct {
	apiKey     string
	model      string
	sampleRate int
	dial       speakDialer
}

// NewDeepgram returns a Deepgram engine producing linear16 PCM at
// sampleRate (24000 when <= 0).
func NewDeepgram(apiKey, model string, sampleRate int) (*Deepgram, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("deepgram api key is required")
	}
	if model == "" {
		model = "aura-2-thalia-en"
	}
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	d := &Deepgram{apiKey: apiKey, model: model, sampleRate: sampleRate}
	d.dial = d.dialSDK
	return d, nil
}

// Name returns the engine identifier.
func (d *Deepgram) Name() string { return "deepgram" }

// SampleRate returns the PCM rate of delivered audio.
func (d *Deepgram) SampleRate() int { return d.sampleRate }

func (d *Deepgram) dialSDK(ctx context.Context, model string, cb msginterfaces.SpeakMessageCallback) (speakConn, error) {
	options := &clientinterfaces.WSSpeakOptions{
		Model:      model,
		Encoding:   "linear16",
		SampleRate: d.sampleRate,
	}
	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
	if err != nil {
		return nil, fmt.Errorf("create ws client: %w", err)
	}
	return dg, nil
}

// Open connects one speak websocket for a turn. Voice selects the Aura model
// when set.
func (d *Deepgram) Open(ctx context.Context, opts Options) (Stream, error) {
	s := &deepgramSpeakStream{
		audio:   make(chan []byte, 256),
		errs:    make(chan error, 1),
		flushed: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	model := d.model
	if opts.Voice != "" {
		model = opts.Voice
	}
	conn, err := d.dial(ctx, model, &speakCallback{s: s})
	if err != nil {
		return nil, err
	}
	if ok := conn.Connect(); !ok {
		conn.Stop()
		return nil, fmt.Errorf("deepgram: connect failed")
	}
	s.conn = conn
	return s, nil
}

type deepgramSpeakStream struct {
	conn speakConn

	audio     chan []byte
	errs      chan error
	flushOnce sync.Once
	flushed   chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *deepgramSpeakStream) Send(text string) error {
	if err := s.conn.SpeakWithText(text); err != nil {
		return fmt.Errorf("deepgram: speak text: %w", err)
	}
	return nil
}

// CloseSend flushes the pending text. Deepgram answers with Flushed after the
// last audio of the flush.
func (s *deepgramSpeakStream) CloseSend() error {
	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("deepgram: flush: %w", err)
	}
	return nil
}

func (s *deepgramSpeakStream) Recv() ([]byte, error) {
	select {
	case pcm := <-s.audio:
		return pcm, nil
	case err := <-s.errs:
		return nil, err
	case <-s.closed:
		return nil, errors.New("deepgram: stream closed")
	case <-s.flushed:
		select {
		case pcm := <-s.audio:
			return pcm, nil
		default:
			return nil, io.EOF
		}
	}
}

func (s *deepgramSpeakStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.conn != nil {
			s.conn.Stop()
		}
	})
	return nil
}

func (s *deepgramSpeakStream) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

// speakCallback implements msginterfaces.SpeakMessageCallback. Callbacks run
// on the SDK's read goroutine in arrival order, so every Binary of a flush
// precedes its Flush.
type speakCallback struct{ s *deepgramSpeakStream }

func (c *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (c *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (c *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (c *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (c *speakCallback) UnhandledEvent([]byte) error                    { return nil }

func (c *speakCallback) Flush(*msginterfaces.FlushedResponse) error {
	c.s.flushOnce.Do(func() { close(c.s.flushed) })
	return nil
}

func (c *speakCallback) Close(*msginterfaces.CloseResponse) error {
	c.s.flushOnce.Do(func() { close(c.s.flushed) })
	return nil
}

func (c *speakCallback) Error(er *msginterfaces.ErrorResponse) error {
	c.s.fail(fmt.Errorf("deepgram: %+v", *er))
	return nil
}

func (c *speakCallback) Binary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	b := make([]byte, len(data))
	copy(b, data)
	select {
	case c.s.audio <- b:
	case <-c.s.closed:
	}
	return nil
}
