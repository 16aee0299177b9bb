package cluster

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedKeys caps the number of limiter buckets so rotating bot ids
// cannot grow memory without bound.
const maxTrackedKeys = 4096

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// channelLimiter is a token bucket per (network, bot). Safe for concurrent use.
// A nil *channelLimiter allows everything.
type channelLimiter struct {
	mu      sync.Mutex
	perSec  rate.Limit
	burst   int
	entries map[string]*limiterEntry
}

func newChannelLimiter(perSecond float64, burst int) *channelLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &channelLimiter{
		perSec:  rate.Limit(perSecond),
		burst:   burst,
		entries: make(map[string]*limiterEntry),
	}
}

// Allow reports whether one more message for key may pass now.
func (l *channelLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if len(l.entries) >= maxTrackedKeys {
		// a bucket idle long enough to refill completely carries no state
		full := time.Duration(float64(l.burst)/float64(l.perSec)*float64(time.Second)) + time.Second
		for k, e := range l.entries {
			if now.Sub(e.lastSeen) > full {
				delete(l.entries, k)
			}
		}
		for len(l.entries) >= maxTrackedKeys {
			for k := range l.entries {
				delete(l.entries, k)
				break
			}
		}
	}

	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.perSec, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}
