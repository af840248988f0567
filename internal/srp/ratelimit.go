package srp

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	perConnectionCap    = 6
	perConnectionRefill = time.Minute / perConnectionCap

	perIdentityCap     = 30
	perIdentityRefill  = time.Minute / perIdentityCap
	perIdentityIdleTTL = 30 * time.Minute
	perIdentitySoftCap = 1024
)

// NewConnectionLimiter returns a fresh per-connection token bucket:
// capacity 6, refilling at 6/min. One is owned by each Handshake.
func NewConnectionLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(perConnectionRefill), perConnectionCap)
}

// IdentityLimiter tracks one token bucket per identity, capacity 30
// refilling at 30/min, evicting buckets idle for 30 minutes and
// enforcing a soft cap of 1024 live entries so a flood of distinct
// identities can't grow this map without bound.
type IdentityLimiter struct {
	mu      sync.Mutex
	buckets map[string]*identityBucket
}

type identityBucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

func NewIdentityLimiter() *IdentityLimiter {
	return &IdentityLimiter{buckets: make(map[string]*identityBucket)}
}

// Allow reports whether identity may attempt another handshake right
// now, lazily creating its bucket and opportunistically evicting idle
// entries on every call.
func (l *IdentityLimiter) Allow(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.evictIdleLocked(now)

	b, ok := l.buckets[identity]
	if !ok {
		if len(l.buckets) >= perIdentitySoftCap {
			l.evictOldestLocked()
		}
		b = &identityBucket{limiter: rate.NewLimiter(rate.Every(perIdentityRefill), perIdentityCap)}
		l.buckets[identity] = b
	}
	b.lastUsed = now
	return b.limiter.AllowN(now, 1)
}

func (l *IdentityLimiter) evictIdleLocked(now time.Time) {
	for id, b := range l.buckets {
		if now.Sub(b.lastUsed) > perIdentityIdleTTL {
			delete(l.buckets, id)
		}
	}
}

func (l *IdentityLimiter) evictOldestLocked() {
	var oldestID string
	var oldestAt time.Time
	for id, b := range l.buckets {
		if oldestID == "" || b.lastUsed.Before(oldestAt) {
			oldestID, oldestAt = id, b.lastUsed
		}
	}
	if oldestID != "" {
		delete(l.buckets, oldestID)
	}
}
