package ratelimit

import (
	"sync"
	"time"
)

// Config holds configuration for the rate limiter.
type Config struct {
	// RequestsPerSecond is the sustained rate per key.
	RequestsPerSecond float64
	// Burst is the bucket capacity per key.
	Burst float64
	// CleanupInterval drops buckets of idle keys. Zero disables cleanup.
	CleanupInterval time.Duration
}

// DefaultConfig: one run every two seconds per guest, bursts of five.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 0.5,
		Burst:             5,
		CleanupInterval:   5 * time.Minute,
	}
}

// Limiter keeps one token bucket per key (a guest id).
type Limiter struct {
	capacity   float64
	refillRate float64
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*TokenBucket

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewLimiter creates a limiter; non-positive values fall back to DefaultConfig.
func NewLimiter(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	l := &Limiter{
		capacity:    cfg.Burst,
		refillRate:  cfg.RequestsPerSecond,
		now:         time.Now,
		buckets:     make(map[string]*TokenBucket),
		stopCleanup: make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go l.cleanupLoop(cfg.CleanupInterval)
	}
	return l
}

// Allow consumes a token for key and reports whether the request may proceed.
func (l *Limiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}

// Remaining returns the tokens left for key.
func (l *Limiter) Remaining(key string) float64 {
	return l.bucket(key).Remaining()
}

// RetryAfter returns how long key has to wait for its next token.
func (l *Limiter) RetryAfter(key string) time.Duration {
	return l.bucket(key).WaitTime()
}

// Limit is the burst capacity per key.
func (l *Limiter) Limit() float64 { return l.capacity }

// Keys returns the number of tracked keys.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Close stops the cleanup loop.
func (l *Limiter) Close() error {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
	return nil
}

func (l *Limiter) bucket(key string) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = newTokenBucket(l.capacity, l.refillRate, l.now)
		l.buckets[key] = b
	}
	return b
}

func (l *Limiter) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCleanup:
			return
		}
	}
}

// cleanup drops buckets that have refilled; a new bucket starts full anyway.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.Full() {
			delete(l.buckets, key)
		}
	}
}
