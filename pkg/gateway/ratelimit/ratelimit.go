// Package ratelimit admits live sessions per client: a connection-rate
// bucket plus caps on concurrent sessions per client and in total.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	// ConnectRPS and ConnectBurst bound how fast one client may open
	// sessions or hit rate-limited endpoints. Zero RPS disables the bucket.
	ConnectRPS   float64
	ConnectBurst int

	// Zero disables either cap.
	MaxSessionsPerClient int
	MaxSessions          int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

// Denial reasons.
const (
	ReasonRateLimited    = "rate_limited"
	ReasonClientSessions = "client_sessions"
	ReasonCapacity       = "capacity"
)

type Limiter struct {
	cfg Config

	mu     sync.Mutex
	m      map[string]*clientLimiter
	active int
}

type clientLimiter struct {
	bucket   *rate.Limiter
	active   int
	lastSeen time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg: cfg,
		m:   make(map[string]*clientLimiter),
	}
}

// ClientKeyFromIP buckets a client address for use as a map key, so raw
// addresses never end up in logs or metrics labels.
func ClientKeyFromIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return "ip_" + hex.EncodeToString(sum[:12])
}

type Permit struct {
	once    sync.Once
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.once.Do(p.release)
}

type Decision struct {
	Allowed bool
	Reason  string
	// RetryAfter is a whole number of seconds, at least 1 when denied.
	RetryAfter int
	Permit     *Permit
}

// Allow spends one token of the client's bucket without holding a session.
func (l *Limiter) Allow(client string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	cl := l.getOrCreateLocked(client, now)
	if ok, retry := l.takeLocked(cl, now); !ok {
		return Decision{Reason: ReasonRateLimited, RetryAfter: retry}
	}
	return Decision{Allowed: true}
}

// AcquireSession admits one live session. The returned permit must be
// released when the session ends.
func (l *Limiter) AcquireSession(client string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	cl := l.getOrCreateLocked(client, now)
	if l.cfg.MaxSessions > 0 && l.active >= l.cfg.MaxSessions {
		return Decision{Reason: ReasonCapacity, RetryAfter: 1}
	}
	if l.cfg.MaxSessionsPerClient > 0 && cl.active >= l.cfg.MaxSessionsPerClient {
		return Decision{Reason: ReasonClientSessions, RetryAfter: 1}
	}
	if ok, retry := l.takeLocked(cl, now); !ok {
		return Decision{Reason: ReasonRateLimited, RetryAfter: retry}
	}

	cl.active++
	l.active++
	return Decision{
		Allowed: true,
		Permit: &Permit{release: func() {
			l.mu.Lock()
			cl.active--
			l.active--
			cl.lastSeen = time.Now()
			l.mu.Unlock()
		}},
	}
}

// Active returns the number of admitted sessions not yet released.
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

func (l *Limiter) takeLocked(cl *clientLimiter, now time.Time) (bool, int) {
	if cl.bucket == nil {
		return true, 0
	}
	r := cl.bucket.ReserveN(now, 1)
	if !r.OK() {
		return false, 1
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return true, 0
	}
	r.CancelAt(now)
	retry := int(math.Ceil(delay.Seconds()))
	if retry < 1 {
		retry = 1
	}
	return false, retry
}

func (l *Limiter) getOrCreateLocked(client string, now time.Time) *clientLimiter {
	if client == "" {
		client = "anonymous"
	}
	if cl, ok := l.m[client]; ok {
		cl.lastSeen = now
		return cl
	}

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one idle entry (bounded memory > perfect fairness).
		if len(l.m) >= l.cfg.MaxEntries {
			for k, v := range l.m {
				if v.active == 0 {
					delete(l.m, k)
					break
				}
			}
		}
	}

	cl := &clientLimiter{lastSeen: now}
	if l.cfg.ConnectRPS > 0 {
		burst := l.cfg.ConnectBurst
		if burst <= 0 {
			burst = 1
		}
		cl.bucket = rate.NewLimiter(rate.Limit(l.cfg.ConnectRPS), burst)
	}
	l.m[client] = cl
	return cl
}

func (l *Limiter) gcLocked(now time.Time) {
	for k, v := range l.m {
		if v.active == 0 && now.Sub(v.lastSeen) > l.cfg.EntryTTL {
			delete(l.m, k)
		}
	}
}
