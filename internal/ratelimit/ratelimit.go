// Package ratelimit implements a token bucket bounding the outbound request
// rate to the upstream chat-completion service.
//
// The bucket uses single-window reset semantics: once the refill interval has
// elapsed since the last refill, tokens reset to full capacity in one step.
// There is no proportional leak and no queuing. A caller that is denied a
// token must fail the request immediately.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a non-blocking token bucket. Safe for concurrent use.
type Bucket struct {
	mu           sync.Mutex
	capacity     int
	refillEvery  time.Duration
	tokens       int
	lastRefillAt time.Time

	now func() time.Time
}

// NewBucket creates a full bucket with the given capacity and refill interval.
func NewBucket(capacity int, refillEvery time.Duration) *Bucket {
	b := &Bucket{
		capacity:    capacity,
		refillEvery: refillEvery,
		tokens:      capacity,
		now:         time.Now,
	}
	b.lastRefillAt = b.now()
	return b
}

// SetClock overrides the bucket's time source. Intended for tests.
func (b *Bucket) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	b.lastRefillAt = now()
}

// TryAcquire takes one token if available. It never blocks; false means the
// caller must fail fast with a rate-limited error.
func (b *Bucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Sub(b.lastRefillAt) >= b.refillEvery {
		b.tokens = b.capacity
		b.lastRefillAt = now
	}

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Remaining returns the current token count without consuming one.
func (b *Bucket) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}
