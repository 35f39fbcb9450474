package limiter

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/snow-ghost/skilltuner/pkg/metrics"
)

// Config bundles the three protection layers.
type Config struct {
	Limits  Limits               `json:"limits" yaml:"limits"`
	Retry   RetryConfig          `json:"retry" yaml:"retry"`
	Breaker CircuitBreakerConfig `json:"breaker" yaml:"breaker"`
}

// DefaultConfig returns unlimited rate with default retry and breaker settings.
func DefaultConfig() Config {
	return Config{
		Retry:   DefaultRetryConfig(),
		Breaker: DefaultCircuitBreakerConfig(),
	}
}

// ProtectionManager integrates rate limiting, retries, and circuit breaker
type ProtectionManager struct {
	rateLimiter    *RateLimiter
	retryManager   *RetryManager
	circuitBreaker *CircuitBreakerManager
}

// NewProtectionManager creates a new protection manager
func NewProtectionManager(cfg Config, logger *zap.Logger, m *metrics.Metrics) *ProtectionManager {
	return &ProtectionManager{
		rateLimiter:    NewRateLimiter(cfg.Limits),
		retryManager:   NewRetryManager(cfg.Retry, m),
		circuitBreaker: NewCircuitBreakerManager(cfg.Breaker, logger, m),
	}
}

// RateLimiter exposes the limiter so callers can set per-target limits.
func (pm *ProtectionManager) RateLimiter() *RateLimiter { return pm.rateLimiter }

// ExecuteWithProtection fails fast on an open breaker, waits for a rate
// token, then runs fn with retries inside the breaker. An exhausted retry
// loop counts as one breaker failure.
func (pm *ProtectionManager) ExecuteWithProtection(
	ctx context.Context,
	name string,
	fn func(ctx context.Context) (interface{}, error),
) (interface{}, error) {
	if pm.circuitBreaker.IsOpen(name) {
		return nil, fmt.Errorf("%w for %s", ErrCircuitOpen, name)
	}

	if err := pm.rateLimiter.Wait(ctx, name); err != nil {
		return nil, err
	}

	return pm.circuitBreaker.Execute(ctx, name, func() (interface{}, error) {
		return pm.retryManager.Execute(ctx, name, fn)
	})
}

// Do is ExecuteWithProtection with a typed result.
func Do[T any](ctx context.Context, pm *ProtectionManager, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	result, err := pm.ExecuteWithProtection(ctx, name, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	typed, _ := result.(T)
	return typed, nil
}

// IsAvailable reports whether name can be called right now without waiting.
func (pm *ProtectionManager) IsAvailable(name string) bool {
	return !pm.circuitBreaker.IsOpen(name) && pm.rateLimiter.Allow(name)
}
