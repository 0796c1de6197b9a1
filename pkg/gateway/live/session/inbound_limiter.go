package session

import (
	"time"

	"golang.org/x/time/rate"
)

// inboundAudioLimiter caps inbound audio by frames and bytes per second. Both
// buckets hold burstSeconds worth of tokens.
type inboundAudioLimiter struct {
	now    func() time.Time
	frames *rate.Limiter
	bytes  *rate.Limiter
}

func newInboundAudioLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *inboundAudioLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	l := &inboundAudioLimiter{now: now}
	if fps > 0 {
		l.frames = rate.NewLimiter(rate.Limit(fps), fps*burstSeconds)
	}
	if bps > 0 {
		l.bytes = rate.NewLimiter(rate.Limit(bps), int(bps)*burstSeconds)
	}
	return l
}

// Allow reports whether a frame of frameBytes fits. A refused frame consumes
// nothing.
func (l *inboundAudioLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	if frameBytes < 0 {
		frameBytes = 0
	}
	now := l.now()

	var frameRes *rate.Reservation
	if l.frames != nil {
		frameRes = l.frames.ReserveN(now, 1)
		if !frameRes.OK() || frameRes.DelayFrom(now) > 0 {
			frameRes.CancelAt(now)
			return false
		}
	}
	if l.bytes != nil {
		res := l.bytes.ReserveN(now, frameBytes)
		if !res.OK() || res.DelayFrom(now) > 0 {
			res.CancelAt(now)
			if frameRes != nil {
				frameRes.CancelAt(now)
			}
			return false
		}
	}
	return true
}
