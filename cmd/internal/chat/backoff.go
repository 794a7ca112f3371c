package chat

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: base*2^attempt plus up to jitter*base, capped at max.
// When max <= base every delay equals base (fixed-delay loop).
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	attempt     int
	connectedAt time.Time

	// rnd returns a value in [0,1). nil uses math/rand/v2.
	rnd func() float64
}

// Next returns the delay before the next attempt and advances the attempt counter.
func (b *Backoff) Next(now time.Time) time.Duration {
	base := b.Base
	if base <= 0 {
		base = defaultReconnectDelay
	}
	if b.Max <= base {
		b.attempt++
		return base
	}

	if !b.connectedAt.IsZero() && now.Sub(b.connectedAt) > backoffResetAfter {
		b.attempt = 0
	}
	b.connectedAt = time.Time{}

	r := rand.Float64
	if b.rnd != nil {
		r = b.rnd
	}
	jitter := r() * float64(base) * b.Jitter
	exp := float64(base) * math.Pow(2, float64(min(b.attempt, 30)))
	delay := time.Duration(math.Min(exp+jitter, float64(b.Max)))
	b.attempt++
	return delay
}

// Connected records a successful connection.
func (b *Backoff) Connected(now time.Time) {
	b.connectedAt = now
}

// Reset clears the attempt counter.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.connectedAt = time.Time{}
}

// Attempts is the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int { return b.attempt }
