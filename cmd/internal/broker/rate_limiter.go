package broker

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter on inbound frames.
// It keeps the timestamps of the last limit accepted frames in a ring.
type RateLimiter struct {
	mu     sync.Mutex
	ring   []time.Time
	next   int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter, falling back to the defaults for invalid inputs.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		ring:   make([]time.Time, 0, limit),
		window: window,
	}
}

// Allow reports whether a frame received at now is permitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.ring) < cap(r.ring) {
		r.ring = append(r.ring, now)
		return true
	}
	// ring[next] is the oldest accepted frame in the window
	if now.Sub(r.ring[r.next]) < r.window {
		return false
	}
	r.ring[r.next] = now
	r.next = (r.next + 1) % len(r.ring)
	return true
}
