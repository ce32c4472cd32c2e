package scheduler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter defines the interface for per-caller rate limiting.
type RateLimiter interface {
	Allow(key string) bool
}

// TokenBucketLimiter implements RateLimiter using token buckets, one
// bucket per caller key.
type TokenBucketLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	r        rate.Limit
	b        int
}

// NewTokenBucketLimiter creates a limiter with r tokens per second and burst b.
func NewTokenBucketLimiter(r float64, b int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

// Allow checks if the key is allowed to proceed.
func (l *TokenBucketLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.get(key).Allow()
}

// Reserve checks permission and returns the wait until the next slot when
// the limit is exceeded.
func (l *TokenBucketLimiter) Reserve(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r := l.get(key).Reserve()
	delay := r.Delay()
	if delay > 0 {
		r.Cancel() // just probing, release the reservation
		return false, delay
	}
	return true, 0
}

// get assumes l.mu is held.
func (l *TokenBucketLimiter) get(key string) *rate.Limiter {
	limiter, exists := l.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = limiter
	}
	return limiter
}
