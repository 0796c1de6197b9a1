package lifecycle

import (
	"sync"
	"time"
)

// Lifecycle holds process state shared across handlers. Once draining, the
// gateway fails readiness and refuses new live sessions while existing ones
// finish.
type Lifecycle struct {
	mu       sync.RWMutex
	draining bool
	since    time.Time
	drained  chan struct{}
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if draining == l.draining {
		return
	}
	l.draining = draining
	if draining {
		l.since = time.Now()
		if l.drained == nil {
			l.drained = make(chan struct{})
		}
		close(l.drained)
		return
	}
	l.since = time.Time{}
	l.drained = make(chan struct{})
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.draining
}

// DrainingSince returns when draining began, or the zero time.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.since
}

// Draining returns a channel closed when draining begins.
func (l *Lifecycle) Draining() <-chan struct{} {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.drained == nil {
		l.drained = make(chan struct{})
	}
	return l.drained
}
