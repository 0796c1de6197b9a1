package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-speech/pkg/core/audio"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundWriter is the only goroutine writing to the socket. Control
// messages always go before audio; audio comes from the emitter in sub-frames
// so a flush stops a chunk mid-send.
type outboundWriter struct {
	ws      wsWriter
	ctx     context.Context
	cfg     Config
	control <-chan []byte
	emitter *Emitter
	onChunk func(audio.Chunk)
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var ready <-chan struct{}
	if w.emitter != nil {
		ready = w.emitter.Ready()
	}

	for {
		select {
		case <-w.ctx.Done():
			w.flushControlOnShutdown(writeTimeout)
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			_ = w.ws.Close()
			return nil
		default:
		}

		// Hard priority: drain control messages before any audio.
		select {
		case payload, ok := <-w.control:
			if !ok {
				w.control = nil
				continue
			}
			if err := w.writeText(payload, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		if w.control == nil && ready == nil {
			return nil
		}

		select {
		case <-w.ctx.Done():
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case payload, ok := <-w.control:
			if !ok {
				w.control = nil
				continue
			}
			if err := w.writeText(payload, writeTimeout); err != nil {
				return err
			}
		case <-ready:
			c, ok := w.emitter.Next()
			if !ok {
				continue
			}
			if err := w.writeChunk(c, writeTimeout); err != nil {
				return err
			}
		}
	}
}

func (w *outboundWriter) flushControlOnShutdown(writeTimeout time.Duration) {
	if w == nil || w.ws == nil || w.control == nil {
		return
	}

	flushTimeout := 100 * time.Millisecond
	if writeTimeout > 0 && writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)
	maxFlushFrames := 8

	for i := 0; i < maxFlushFrames && time.Now().Before(deadline); i++ {
		select {
		case payload, ok := <-w.control:
			if !ok {
				return
			}
			_ = w.writeText(payload, writeTimeout)
		default:
			return
		}
	}
}

func (w *outboundWriter) writeText(payload []byte, writeTimeout time.Duration) error {
	if len(payload) == 0 {
		return nil
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, payload)
}

// writeChunk sends c as one or more binary messages, stopping as soon as its
// turn is flushed.
func (w *outboundWriter) writeChunk(c audio.Chunk, writeTimeout time.Duration) error {
	step := audio.Canonical(c.SampleRate).BytesFor(w.cfg.SubFrame)
	if step <= 0 || step > len(c.Data) {
		step = len(c.Data)
	}
	for off := 0; off < len(c.Data); off += step {
		if w.emitter.Flushed(c.TurnID) {
			return nil
		}
		end := off + step
		if end > len(c.Data) {
			end = len(c.Data)
		}
		if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return err
		}
		if err := w.ws.WriteMessage(websocket.BinaryMessage, c.Data[off:end]); err != nil {
			return err
		}
	}
	if w.onChunk != nil {
		w.onChunk(c)
	}
	return nil
}
