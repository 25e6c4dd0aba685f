// Package security limits how fast clients may use a node's endpoints.
package security

import (
	"sync"
	"time"
)

// RateLimiter decides whether a request from key may proceed.
type RateLimiter interface {
	Allow(key string) bool
	AllowN(key string, n int) bool
	Reset(key string)
	Close()
}

// RateLimiterConfig configures a TokenBucketLimiter.
type RateLimiterConfig struct {
	// Rate is the number of tokens each key regains per second.
	Rate float64

	// Burst is the bucket size, the most requests a key may make at once.
	Burst int

	// CleanupInterval is how often idle buckets are dropped. Zero keeps
	// them forever.
	CleanupInterval time.Duration
}

// TokenBucketLimiter implements RateLimiter using the token bucket algorithm.
// Each key has its own bucket that refills at the configured rate.
type TokenBucketLimiter struct {
	cfg     RateLimiterConfig
	now     func() time.Time
	buckets map[string]*bucket
	mu      sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// NewTokenBucketLimiter creates a token bucket rate limiter.
func NewTokenBucketLimiter(cfg RateLimiterConfig) *TokenBucketLimiter {
	return newTokenBucketLimiter(cfg, time.Now)
}

func newTokenBucketLimiter(cfg RateLimiterConfig, now func() time.Time) *TokenBucketLimiter {
	l := &TokenBucketLimiter{
		cfg:     cfg,
		now:     now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go l.cleanup()
	}
	return l
}

// Allow checks if a single request should be allowed.
func (l *TokenBucketLimiter) Allow(key string) bool {
	return l.AllowN(key, 1)
}

// AllowN checks if n requests should be allowed, and takes n tokens if so.
func (l *TokenBucketLimiter) AllowN(key string, n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.Burst), lastCheck: now}
		l.buckets[key] = b
	}

	b.tokens = min(b.tokens+l.cfg.Rate*now.Sub(b.lastCheck).Seconds(), float64(l.cfg.Burst))
	b.lastCheck = now

	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true
	}
	return false
}

// Reset forgets key's bucket.
func (l *TokenBucketLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Close stops the cleanup goroutine.
func (l *TokenBucketLimiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Size returns the number of tracked keys.
func (l *TokenBucketLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *TokenBucketLimiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupStale()
		case <-l.done:
			return
		}
	}
}

// cleanupStale removes buckets that have refilled and seen no use for two
// cleanup intervals.
func (l *TokenBucketLimiter) cleanupStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := 2 * l.cfg.CleanupInterval
	now := l.now()
	for key, b := range l.buckets {
		idle := now.Sub(b.lastCheck)
		full := b.tokens+l.cfg.Rate*idle.Seconds() >= float64(l.cfg.Burst)
		if idle > threshold && full {
			delete(l.buckets, key)
		}
	}
}

var _ RateLimiter = (*TokenBucketLimiter)(nil)
