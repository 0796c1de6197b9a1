package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/vango-go/vai-speech/pkg/core/audio"
)

const maxFlushedTurns = 64

// Emitter is the bounded outbound audio queue between synthesis and the
// transport writer.
//
// Chunks leave in index order per turn: a chunk that arrives ahead of a gap is
// held until the gap fills. The queue holds at most depth chunks, counting
// held ones. The one exception is the chunk that fills a turn's gap: it is
// admitted over depth, otherwise held chunks could wedge their own turn.
// Flush drops a turn atomically.
type Emitter struct {
	mu      sync.Mutex
	depth   int
	queue   []audio.Chunk
	held    map[string]map[int]audio.Chunk
	nheld   int
	next    map[string]int
	flushed turnSet
	ended   turnSet
	closed  bool

	// changed is closed and replaced whenever space frees up or a flush or
	// close happens, waking blocked producers.
	changed chan struct{}
	ready   chan struct{}
}

// NewEmitter returns an emitter holding at most depth chunks.
func NewEmitter(depth int) *Emitter {
	if depth <= 0 {
		depth = 10
	}
	return &Emitter{
		depth:   depth,
		held:    make(map[string]map[int]audio.Chunk),
		next:    make(map[string]int),
		changed: make(chan struct{}),
		ready:   make(chan struct{}, 1),
	}
}

// Enqueue admits c, blocking while the queue is full. It fails with
// ErrTurnFlushed once c's turn is flushed, ErrEmitterClosed after Close, or
// the context error.
func (e *Emitter) Enqueue(ctx context.Context, c audio.Chunk) error {
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return ErrEmitterClosed
		}
		if e.flushed.has(c.TurnID) {
			e.mu.Unlock()
			return ErrTurnFlushed
		}
		if e.ended.has(c.TurnID) {
			e.mu.Unlock()
			return fmt.Errorf("chunk %d after the final chunk of turn %s", c.Index, c.TurnID)
		}
		next := e.next[c.TurnID]
		if c.Index < next {
			e.mu.Unlock()
			return fmt.Errorf("duplicate chunk %d of turn %s", c.Index, c.TurnID)
		}
		if _, dup := e.held[c.TurnID][c.Index]; dup {
			e.mu.Unlock()
			return fmt.Errorf("duplicate chunk %d of turn %s", c.Index, c.TurnID)
		}
		fillsGap := c.Index == next && len(e.held[c.TurnID]) > 0
		if fillsGap || len(e.queue)+e.nheld < e.depth {
			e.admitLocked(c)
			e.mu.Unlock()
			e.signalReady()
			return nil
		}
		wait := e.changed
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

func (e *Emitter) admitLocked(c audio.Chunk) {
	next := e.next[c.TurnID]
	if c.Index != next {
		if e.held[c.TurnID] == nil {
			e.held[c.TurnID] = make(map[int]audio.Chunk)
		}
		e.held[c.TurnID][c.Index] = c
		e.nheld++
		return
	}
	e.queue = append(e.queue, c)
	final := c.Final
	next++
	for {
		h, ok := e.held[c.TurnID][next]
		if !ok {
			break
		}
		delete(e.held[c.TurnID], next)
		e.nheld--
		e.queue = append(e.queue, h)
		final = final || h.Final
		next++
	}
	if len(e.held[c.TurnID]) == 0 {
		delete(e.held, c.TurnID)
	}
	if final {
		// The turn is complete; only its ended mark outlives it.
		delete(e.next, c.TurnID)
		e.ended.add(c.TurnID)
		return
	}
	e.next[c.TurnID] = next
}

// Ready is signalled when chunks may be available to Next.
func (e *Emitter) Ready() <-chan struct{} { return e.ready }

// Next pops the oldest releasable chunk.
func (e *Emitter) Next() (audio.Chunk, bool) {
	e.mu.Lock()
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return audio.Chunk{}, false
	}
	c := e.queue[0]
	e.queue[0] = audio.Chunk{}
	e.queue = e.queue[1:]
	more := len(e.queue) > 0
	e.broadcastLocked()
	e.mu.Unlock()
	if more {
		e.signalReady()
	}
	return c, true
}

// Flush drops every queued and held chunk of turnID and rejects its future
// chunks. It returns the number of chunks dropped.
func (e *Emitter) Flush(turnID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	dropped := 0
	kept := e.queue[:0]
	for _, c := range e.queue {
		if c.TurnID == turnID {
			dropped++
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(e.queue); i++ {
		e.queue[i] = audio.Chunk{}
	}
	e.queue = kept
	if h := e.held[turnID]; h != nil {
		dropped += len(h)
		e.nheld -= len(h)
		delete(e.held, turnID)
	}
	delete(e.next, turnID)
	e.flushed.add(turnID)
	e.broadcastLocked()
	return dropped
}

// Flushed reports whether turnID was flushed.
func (e *Emitter) Flushed(turnID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushed.has(turnID)
}

// Len returns the number of queued and held chunks.
func (e *Emitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue) + e.nheld
}

// Close wakes blocked producers and rejects further chunks.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.broadcastLocked()
}

// turnSet remembers the most recent maxFlushedTurns turn ids.
type turnSet struct {
	ids   map[string]struct{}
	order []string
}

func (s *turnSet) has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *turnSet) add(id string) {
	if s.ids == nil {
		s.ids = make(map[string]struct{})
	}
	if _, ok := s.ids[id]; ok {
		return
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > maxFlushedTurns {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
}

func (e *Emitter) broadcastLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *Emitter) signalReady() {
	select {
	case e.ready <- struct{}{}:
	default:
	}
}
