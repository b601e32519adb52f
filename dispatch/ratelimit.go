// Package dispatch delivers match events to the notifier with per-user rate
// limiting, bounded concurrency and retry with exponential backoff
package dispatch

import (
	"sync"
	"time"
)

// TokenBuckets tracks one token bucket per user behind a single lock. The
// bucket may go into debt: Take always succeeds and returns how long the
// caller must wait before actually sending, which serializes callers that
// exceed the refill rate.
type TokenBuckets struct {
	mu         sync.Mutex
	size       float64
	refillRate float64 // tokens per second
	buckets    map[int64]*bucket
	now        func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewTokenBuckets creates a limiter with the given bucket capacity and refill
// rate in tokens per second
func NewTokenBuckets(size int, refillRate float64) *TokenBuckets {
	if size < 1 {
		size = 1
	}
	if refillRate <= 0 {
		refillRate = 1
	}

	return &TokenBuckets{
		size:       float64(size),
		refillRate: refillRate,
		buckets:    make(map[int64]*bucket),
		now:        time.Now,
	}
}

// Take consumes one token from the user's bucket and returns the delay the
// caller must observe before sending. Zero means the send may happen
// immediately.
func (t *TokenBuckets) Take(userID int64) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	b, ok := t.buckets[userID]
	if !ok {
		b = &bucket{tokens: t.size, lastFill: now}
		t.buckets[userID] = b
	}

	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * t.refillRate
	if b.tokens > t.size {
		b.tokens = t.size
	}
	b.lastFill = now

	b.tokens--
	if b.tokens >= 0 {
		return 0
	}

	wait := time.Duration(-b.tokens / t.refillRate * float64(time.Second))
	return wait
}
