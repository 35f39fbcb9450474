package limiter

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Limits caps calls to one target. RPM <= 0 means unlimited.
type Limits struct {
	RPM   int `json:"rpm" yaml:"rpm" validate:"gte=0"`
	Burst int `json:"burst" yaml:"burst" validate:"gte=0"`
}

func (l Limits) limiter() *rate.Limiter {
	if l.RPM <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := l.Burst
	if burst <= 0 {
		// Burst = 1/10 of the per-minute limit.
		burst = max(1, l.RPM/10)
	}
	return rate.NewLimiter(rate.Limit(float64(l.RPM)/60.0), burst)
}

// RateLimiter keeps one token bucket per target.
type RateLimiter struct {
	defaults  Limits
	overrides map[string]Limits
	limiters  map[string]*rate.Limiter
	mu        sync.Mutex
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(defaults Limits) *RateLimiter {
	return &RateLimiter{
		defaults:  defaults,
		overrides: make(map[string]Limits),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// SetLimits overrides the limits of one target and resets its bucket.
func (rl *RateLimiter) SetLimits(name string, limits Limits) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.overrides[name] = limits
	delete(rl.limiters, name)
}

// GetLimiter returns or creates the limiter for name.
func (rl *RateLimiter) GetLimiter(name string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, ok := rl.limiters[name]; ok {
		return limiter
	}
	limits, ok := rl.overrides[name]
	if !ok {
		limits = rl.defaults
	}
	limiter := limits.limiter()
	rl.limiters[name] = limiter
	return limiter
}

// Wait blocks until name may be called or ctx ends.
func (rl *RateLimiter) Wait(ctx context.Context, name string) error {
	if err := rl.GetLimiter(name).Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}
	return nil
}

// Allow checks if the request is allowed without waiting
func (rl *RateLimiter) Allow(name string) bool {
	return rl.GetLimiter(name).Allow()
}
