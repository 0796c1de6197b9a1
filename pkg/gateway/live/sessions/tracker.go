// Package sessions is the process-wide registry of live speech sessions. It
// holds only handles: sessions never share mutable state through it.
package sessions

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// State is a session's lifecycle position.
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// Handle is how the registry reaches a live session.
type Handle struct {
	Cancel func()
	Warn   func(code, message string) error
}

// Info describes one registered session.
type Info struct {
	ID         string    `json:"id"`
	State      State     `json:"state"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Mirror publishes session presence outside the process.
type Mirror interface {
	Put(ctx context.Context, info Info) error
	Remove(ctx context.Context, sessionID string) error
}

const (
	mirrorTimeout   = time.Second
	mirrorQueueSize = 256
)

// Tracker registers live sessions for draining, listing and presence.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup

	// Mirror writes are queued so a slow mirror never stalls a session;
	// RefreshMirror applies them.
	mirror Mirror
	ops    chan mirrorOp
	logger *slog.Logger
	now    func() time.Time
}

type mirrorOp struct {
	info   Info
	remove bool
}

type trackedSession struct {
	handle Handle
	info   Info
	once   sync.Once
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMirror publishes every state change to m. Nothing reaches m unless
// RefreshMirror is running.
func WithMirror(m Mirror) Option {
	return func(t *Tracker) { t.mirror = m }
}

// WithLogger sets the logger for mirror failures.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		sessions: make(map[string]*trackedSession),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.mirror != nil {
		t.ops = make(chan mirrorOp, mirrorQueueSize)
	}
	return t
}

// Register adds a session in the connecting state. A previous registration
// under the same id is replaced.
func (t *Tracker) Register(sessionID, remoteAddr string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	now := t.now()
	entry := &trackedSession{handle: h, info: Info{
		ID:         sessionID,
		State:      StateConnecting,
		RemoteAddr: remoteAddr,
		StartedAt:  now,
		UpdatedAt:  now,
	}}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	old := t.sessions[sessionID]
	t.sessions[sessionID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.unregister(sessionID, old)
	}
	t.publish(entry.info)

	return func() { t.unregister(sessionID, entry) }
}

func (t *Tracker) unregister(sessionID string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		removed := false
		t.mu.Lock()
		if t.sessions != nil && t.sessions[sessionID] == entry {
			delete(t.sessions, sessionID)
			removed = true
		}
		t.mu.Unlock()
		if removed {
			t.withdraw(sessionID)
		}
		t.wg.Done()
	})
}

// SetState records a lifecycle transition.
func (t *Tracker) SetState(sessionID string, state State) {
	if t == nil {
		return
	}
	t.mu.Lock()
	entry := t.sessions[sessionID]
	if entry == nil {
		t.mu.Unlock()
		return
	}
	entry.info.State = state
	entry.info.UpdatedAt = t.now()
	info := entry.info
	t.mu.Unlock()
	t.publish(info)
}

// Get returns the info of one session.
func (t *Tracker) Get(sessionID string) (Info, bool) {
	if t == nil {
		return Info{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	entry := t.sessions[sessionID]
	if entry == nil {
		return Info{}, false
	}
	return entry.info, true
}

// Snapshot lists registered sessions, oldest first.
func (t *Tracker) Snapshot() []Info {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	out := make([]Info, 0, len(t.sessions))
	for _, entry := range t.sessions {
		out = append(out, entry.info)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}

	var warns []func(code, message string) error
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Warn == nil {
			continue
		}
		warns = append(warns, entry.handle.Warn)
	}
	t.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.sessions {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// RefreshMirror applies queued presence updates and republishes every live
// session each interval, keeping entries alive past their TTL. It runs until
// ctx ends, then applies what is still queued within a short deadline.
func (t *Tracker) RefreshMirror(ctx context.Context, interval time.Duration) {
	if t == nil || t.ops == nil {
		return
	}
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			t.drainMirror()
			return
		case op := <-t.ops:
			t.apply(context.Background(), op)
		case <-tick:
			for _, info := range t.Snapshot() {
				t.apply(context.Background(), mirrorOp{info: info})
			}
		}
	}
}

func (t *Tracker) drainMirror() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*mirrorTimeout)
	defer cancel()
	for ctx.Err() == nil {
		select {
		case op := <-t.ops:
			t.apply(ctx, op)
		default:
			return
		}
	}
}

func (t *Tracker) apply(parent context.Context, op mirrorOp) {
	ctx, cancel := context.WithTimeout(parent, mirrorTimeout)
	defer cancel()
	if op.remove {
		if err := t.mirror.Remove(ctx, op.info.ID); err != nil {
			t.logger.Warn("session presence removal failed", "session_id", op.info.ID, "error", err)
		}
		return
	}
	if err := t.mirror.Put(ctx, op.info); err != nil {
		t.logger.Warn("session presence publish failed", "session_id", op.info.ID, "error", err)
	}
}

func (t *Tracker) publish(info Info) {
	t.enqueue(mirrorOp{info: info})
}

func (t *Tracker) withdraw(sessionID string) {
	t.enqueue(mirrorOp{info: Info{ID: sessionID}, remove: true})
}

// enqueue never blocks. A dropped put is repaired by the next refresh; a
// dropped removal expires with the entry's TTL.
func (t *Tracker) enqueue(op mirrorOp) {
	if t.ops == nil {
		return
	}
	select {
	case t.ops <- op:
	default:
		t.logger.Warn("session presence queue full, dropping update", "session_id", op.info.ID, "remove", op.remove)
	}
}
