package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type keyed struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages token buckets for multiple clients
type Limiter struct {
	limiters map[string]*keyed
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

// NewLimiter creates a new rate limiter
// requestsPerSecond: sustained rate per client key
// burst: max requests in a burst
func NewLimiter(requestsPerSecond float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*keyed),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		now:      time.Now,
	}
}

// GetLimiter returns the rate limiter for a specific client key
func (l *Limiter) GetLimiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	k, exists := l.limiters[key]
	if !exists {
		k = &keyed{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = k
	}
	k.lastSeen = l.now()

	return k.limiter
}

// Allow checks if a request is allowed for the given key
func (l *Limiter) Allow(key string) bool {
	return l.GetLimiter(key).AllowN(l.now(), 1)
}

// Tokens returns the current number of available tokens for a key
func (l *Limiter) Tokens(key string) float64 {
	return l.GetLimiter(key).TokensAt(l.now())
}

// Burst is the bucket size every key gets
func (l *Limiter) Burst() int {
	return l.burst
}

// Len is the number of tracked keys
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Sweep forgets keys that have not been seen for idle and returns how many were dropped
func (l *Limiter) Sweep(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	dropped := 0
	for key, k := range l.limiters {
		if k.lastSeen.Before(cutoff) {
			delete(l.limiters, key)
			dropped++
		}
	}
	return dropped
}
