package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-speech/pkg/core/audio"
)

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWSWriter struct {
	mu     sync.Mutex
	writes []recordedWrite
	// onWrite runs after each recorded data message, outside the lock.
	onWrite func(n int)
}

func (f *fakeWSWriter) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSWriter) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	n := len(f.writes)
	hook := f.onWrite
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (f *fakeWSWriter) WriteControl(messageType int, data []byte, deadline time.Time) error {
	_ = deadline
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWSWriter) Close() error { return nil }

func (f *fakeWSWriter) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func (f *fakeWSWriter) count(messageType int) int {
	n := 0
	for _, w := range f.snapshot() {
		if w.messageType == messageType {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func pcmChunk(turnID string, index int, d time.Duration) audio.Chunk {
	return audio.Chunk{
		Data:       make([]byte, audio.Canonical(16000).BytesFor(d)),
		SampleRate: 16000,
		TurnID:     turnID,
		Index:      index,
	}
}

func TestOutboundWriter_ControlBeforeAudio(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	em := NewEmitter(4)
	if err := em.Enqueue(ctx, pcmChunk("t_1", 0, 20*time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	control := make(chan []byte, 1)
	control <- []byte(`{"type":"interrupted","turn_id":"t_0"}`)

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:      ws,
		ctx:     ctx,
		cfg:     Config{PingInterval: time.Hour, WriteTimeout: time.Second, SubFrame: 20 * time.Millisecond},
		control: control,
		emitter: em,
	}
	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	waitFor(t, "audio write", func() bool { return ws.count(websocket.BinaryMessage) == 1 })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if writes[0].messageType != websocket.TextMessage || !strings.Contains(writes[0].data, `"interrupted"`) {
		t.Fatalf("first write=%+v, want control message", writes[0])
	}
	if writes[1].messageType != websocket.BinaryMessage {
		t.Fatalf("second write type=%d, want BinaryMessage", writes[1].messageType)
	}
}

func TestOutboundWriter_SplitsChunkIntoSubFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	em := NewEmitter(4)
	if err := em.Enqueue(ctx, pcmChunk("t_1", 0, 50*time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	var sent []audio.Chunk
	var mu sync.Mutex
	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:      ws,
		ctx:     ctx,
		cfg:     Config{PingInterval: time.Hour, WriteTimeout: time.Second, SubFrame: 20 * time.Millisecond},
		control: make(chan []byte),
		emitter: em,
		onChunk: func(c audio.Chunk) {
			mu.Lock()
			sent = append(sent, c)
			mu.Unlock()
		},
	}
	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	waitFor(t, "chunk sent", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == 1
	})
	cancel()
	<-done

	var sizes []int
	for _, wr := range ws.snapshot() {
		if wr.messageType == websocket.BinaryMessage {
			sizes = append(sizes, len(wr.data))
		}
	}
	// 50ms at 16kHz s16le: two 640-byte sub-frames and a 320-byte tail.
	if len(sizes) != 3 || sizes[0] != 640 || sizes[1] != 640 || sizes[2] != 320 {
		t.Fatalf("sub-frame sizes=%v", sizes)
	}
}

func TestOutboundWriter_FlushStopsChunkMidSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	em := NewEmitter(4)
	if err := em.Enqueue(ctx, pcmChunk("t_1", 0, 100*time.Millisecond)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ws := &fakeWSWriter{}
	ws.onWrite = func(n int) {
		if n == 1 {
			em.Flush("t_1")
		}
	}
	w := outboundWriter{
		ws:      ws,
		ctx:     ctx,
		cfg:     Config{PingInterval: time.Hour, WriteTimeout: time.Second, SubFrame: 20 * time.Millisecond},
		control: make(chan []byte),
		emitter: em,
	}
	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	waitFor(t, "first sub-frame", func() bool { return ws.count(websocket.BinaryMessage) >= 1 })
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if n := ws.count(websocket.BinaryMessage); n != 1 {
		t.Fatalf("binary writes=%d, want 1 before the flush took effect", n)
	}
}

func TestOutboundWriter_ReturnsWhenControlClosedWithoutEmitter(t *testing.T) {
	control := make(chan []byte, 1)
	control <- []byte(`{"type":"response_end","turn_id":"t_1"}`)
	close(control)

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:      ws,
		ctx:     context.Background(),
		cfg:     Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		control: control,
	}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if n := ws.count(websocket.TextMessage); n != 1 {
		t.Fatalf("text writes=%d, want 1", n)
	}
}

func TestOutboundWriter_FlushesControlOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	control := make(chan []byte, 1)
	control <- []byte(`{"type":"error","code":"session_expired","fatal":true}`)

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:      ws,
		ctx:     ctx,
		cfg:     Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		control: control,
		emitter: NewEmitter(1),
	}

	cancel()
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) < 2 || !strings.Contains(writes[0].data, `"session_expired"`) {
		t.Fatalf("expected error to flush on shutdown, writes=%+v", writes)
	}
	if writes[len(writes)-1].messageType != websocket.CloseMessage {
		t.Fatalf("last write type=%d, want CloseMessage", writes[len(writes)-1].messageType)
	}
}
