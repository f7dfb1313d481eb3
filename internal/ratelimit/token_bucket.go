package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a thread-safe token bucket: it refills at a constant rate
// and allows bursts up to its capacity.
type TokenBucket struct {
	capacity   float64 // burst size
	refillRate float64 // tokens per second
	now        func() time.Time

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket creates a full bucket.
//
// capacity=5, refillRate=0.5 allows 5 runs at once, then one every 2s.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		now:        now,
		tokens:     capacity,
		lastRefill: now(),
	}
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Remaining returns the number of tokens currently available.
func (tb *TokenBucket) Remaining() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

// Full reports whether the bucket has refilled completely.
func (tb *TokenBucket) Full() bool {
	return tb.Remaining() >= tb.capacity
}

// WaitTime returns the duration until a token will be available.
func (tb *TokenBucket) WaitTime() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		return 0
	}
	seconds := (1 - tb.tokens) / tb.refillRate
	return time.Duration(seconds * float64(time.Second))
}

// refill must be called with the lock held.
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	}
	tb.lastRefill = now
}
