package kiosk

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window limiter.
type RateLimiter struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &RateLimiter{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at time "now" should be permitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(now)
	if len(r.events) >= r.limit {
		return false
	}
	r.events = append(r.events, now)
	return true
}

// RetryAfter is the wait until the oldest event in the window expires.
func (r *RateLimiter) RetryAfter(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(now)
	if len(r.events) < r.limit || len(r.events) == 0 {
		return 0
	}
	return r.events[0].Add(r.window).Sub(now)
}

func (r *RateLimiter) pruneLocked(now time.Time) {
	cut := now.Add(-r.window)
	dst := r.events[:0]
	for _, t := range r.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	r.events = dst
}

// keyedLimiter holds one RateLimiter per key, e.g. per voter on login.
type keyedLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	byKey  map[string]*RateLimiter
}

func newKeyedLimiter(limit int, window time.Duration) *keyedLimiter {
	return &keyedLimiter{limit: limit, window: window, byKey: make(map[string]*RateLimiter)}
}

func (k *keyedLimiter) get(key string) *RateLimiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	rl, ok := k.byKey[key]
	if !ok {
		rl = NewRateLimiter(k.limit, k.window)
		k.byKey[key] = rl
	}
	return rl
}

// prune drops limiters with no events in the window.
func (k *keyedLimiter) prune(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, rl := range k.byKey {
		if rl.RetryAfter(now) == 0 && rl.idle(now) {
			delete(k.byKey, key)
		}
	}
}

func (r *RateLimiter) idle(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(now)
	return len(r.events) == 0
}
