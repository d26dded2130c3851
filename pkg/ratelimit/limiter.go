// Package ratelimit keeps chat floods in check with fixed counting
// windows. The gateway asks before fanning a chat message out; the
// Decision carries everything needed to tell a rejected sender when the
// window reopens.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// openDecision is the permissive answer used when no counter is reachable.
// Chat throttling is protective, not correctness-critical, so an
// unavailable backend fails open.
func openDecision(limit int, window time.Duration) Decision {
	return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(window)}
}

// InMemoryLimiter counts per key within one process. It serves
// single-instance deployments and doubles as the fallback when Redis
// degrades; two instances then each grant a full window, which is
// acceptable for flood control.
type InMemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	buckets map[string]bucket
}

type bucket struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{window: window, buckets: map[string]bucket{}}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, k)
		}
	}
	b, ok := l.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = bucket{resetAt: now.Add(l.window)}
	}
	b.count++
	l.buckets[key] = b
	remaining := limit - b.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   b.count <= limit,
		Count:     b.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   b.resetAt,
	}
}
