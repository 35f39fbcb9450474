package limiter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"strconv"
	"time"

	"github.com/snow-ghost/skilltuner/pkg/metrics"
)

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries      int           `json:"max_retries" yaml:"max_retries" validate:"gte=0"`
	BaseDelay       time.Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay        time.Duration `json:"max_delay" yaml:"max_delay"`
	BackoffFactor   float64       `json:"backoff_factor" yaml:"backoff_factor" validate:"gte=1"`
	Jitter          bool          `json:"jitter" yaml:"jitter"`
	RetryableErrors []int         `json:"retryable_errors" yaml:"retryable_errors"`
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		BaseDelay:       200 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		BackoffFactor:   2.0,
		Jitter:          true,
		RetryableErrors: []int{429, 500, 502, 503, 504},
	}
}

// RetryableFunc represents a function that can be retried
type RetryableFunc func(ctx context.Context) (interface{}, error)

// RetryManager retries calls that fail with a retryable HTTPError.
type RetryManager struct {
	config  RetryConfig
	metrics *metrics.Metrics
}

// NewRetryManager creates a new retry manager
func NewRetryManager(config RetryConfig, m *metrics.Metrics) *RetryManager {
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 1
	}
	return &RetryManager{config: config, metrics: m}
}

// Execute calls fn until it succeeds, fails permanently or runs out of attempts.
func (rm *RetryManager) Execute(ctx context.Context, name string, fn RetryableFunc) (interface{}, error) {
	var lastErr error

	for attempt := 0; attempt <= rm.config.MaxRetries; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == rm.config.MaxRetries || !rm.isRetryableError(err) {
			break
		}

		rm.metrics.RecordRetry(name, retryReason(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(rm.calculateDelay(attempt)):
		}
	}

	if rm.config.MaxRetries > 0 && rm.isRetryableError(lastErr) {
		return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
	}
	return nil, lastErr
}

func (rm *RetryManager) isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return slices.Contains(rm.config.RetryableErrors, httpErr.StatusCode)
	}
	return false
}

// calculateDelay is baseDelay * factor^attempt, capped, with +-25% jitter.
func (rm *RetryManager) calculateDelay(attempt int) time.Duration {
	delay := float64(rm.config.BaseDelay) * math.Pow(rm.config.BackoffFactor, float64(attempt))
	if rm.config.MaxDelay > 0 && delay > float64(rm.config.MaxDelay) {
		delay = float64(rm.config.MaxDelay)
	}
	if rm.config.Jitter {
		delay *= 1 + rand.Float64()*0.5 - 0.25
	}
	return time.Duration(delay)
}

func retryReason(err error) string {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return strconv.Itoa(httpErr.StatusCode)
	}
	return "unknown"
}

// HTTPError carries the status code of a failed upstream call. Judge
// clients wrap vendor SDK errors into it so retry decisions stay here.
type HTTPError struct {
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Unwrap() error { return e.Err }

// NewHTTPError creates a new HTTP error
func NewHTTPError(statusCode int, message string, err error) *HTTPError {
	return &HTTPError{StatusCode: statusCode, Message: message, Err: err}
}

// IsRetryableHTTPError checks if an HTTP status code is retryable by default.
func IsRetryableHTTPError(statusCode int) bool {
	return slices.Contains(DefaultRetryConfig().RetryableErrors, statusCode)
}
