package auth

import (
	"sync"
	"time"

	"github.com/locai-labs/wagateway/internal/clock"
)

// RateLimiter enforces a fixed-window request budget per key, typically the
// client IP or tenant id. State lives in memory; a lost window on restart
// just means one generous window.
type RateLimiter struct {
	clk    clock.Clock
	window time.Duration
	max    int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	count   int
	startAt time.Time
}

// NewRateLimiter builds a limiter allowing max requests per window. A
// non-positive max disables limiting.
func NewRateLimiter(clk clock.Clock, window time.Duration, max int) *RateLimiter {
	return &RateLimiter{
		clk:     clk,
		window:  window,
		max:     max,
		buckets: make(map[string]*bucket),
	}
}

// Allow records one request for key and reports whether it fits in the
// current window.
func (l *RateLimiter) Allow(key string) bool {
	if l.max <= 0 {
		return true
	}
	now := l.clk.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok || now.Sub(b.startAt) >= l.window {
		l.buckets[key] = &bucket{count: 1, startAt: now}
		return true
	}
	b.count++
	return b.count <= l.max
}

// Cleanup drops buckets whose window has ended and reports how many were
// removed. Meant to run on a timer so idle keys do not accumulate.
func (l *RateLimiter) Cleanup() int {
	now := l.clk.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.startAt) >= l.window {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len reports how many keys currently hold a window.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
