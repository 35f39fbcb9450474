package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(maxRetries int) RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxRetries = maxRetries
	cfg.BaseDelay = time.Millisecond
	cfg.Jitter = false
	return cfg
}

func TestRetryManager(t *testing.T) {
	rm := NewRetryManager(fastRetry(2), nil)

	attempts := 0
	result, err := rm.Execute(context.Background(), "judge", func(ctx context.Context) (interface{}, error) {
		attempts++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 1, attempts)
}

func TestRetryManagerWithRetries(t *testing.T) {
	rm := NewRetryManager(fastRetry(3), nil)

	attempts := 0
	result, err := rm.Execute(context.Background(), "judge", func(ctx context.Context) (interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, NewHTTPError(429, "rate limited", nil)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
}

func TestRetryManagerMaxRetriesExceeded(t *testing.T) {
	rm := NewRetryManager(fastRetry(2), nil)

	attempts := 0
	_, err := rm.Execute(context.Background(), "judge", func(ctx context.Context) (interface{}, error) {
		attempts++
		return nil, NewHTTPError(503, "unavailable", nil)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, 3, attempts)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 503, httpErr.StatusCode)
}

func TestRetryManagerNonRetryableError(t *testing.T) {
	rm := NewRetryManager(fastRetry(3), nil)

	attempts := 0
	_, err := rm.Execute(context.Background(), "judge", func(ctx context.Context) (interface{}, error) {
		attempts++
		return nil, NewHTTPError(400, "bad request", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)

	attempts = 0
	plain := errors.New("parse failure")
	_, err = rm.Execute(context.Background(), "judge", func(ctx context.Context) (interface{}, error) {
		attempts++
		return nil, plain
	})
	assert.ErrorIs(t, err, plain)
	assert.Equal(t, 1, attempts)
}

func TestRetryManagerContextCancellation(t *testing.T) {
	cfg := fastRetry(3)
	cfg.BaseDelay = 200 * time.Millisecond
	rm := NewRetryManager(cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	attempts := 0
	_, err := rm.Execute(ctx, "judge", func(ctx context.Context) (interface{}, error) {
		attempts++
		return nil, NewHTTPError(429, "rate limited", nil)
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, attempts)
}

func TestRetryDelayIsCapped(t *testing.T) {
	cfg := fastRetry(10)
	cfg.BaseDelay = time.Second
	cfg.MaxDelay = 5 * time.Second
	rm := NewRetryManager(cfg, nil)

	assert.Equal(t, time.Second, rm.calculateDelay(0))
	assert.Equal(t, 4*time.Second, rm.calculateDelay(2))
	assert.Equal(t, 5*time.Second, rm.calculateDelay(8))
}

func TestHTTPError(t *testing.T) {
	cause := errors.New("socket closed")
	err := NewHTTPError(429, "Rate limited", cause)

	assert.Equal(t, "HTTP 429: Rate limited", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestIsRetryableHTTPError(t *testing.T) {
	tests := []struct {
		statusCode int
		expected   bool
	}{
		{200, false},
		{400, false},
		{401, false},
		{429, true},
		{500, true},
		{503, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, IsRetryableHTTPError(tt.statusCode), "status %d", tt.statusCode)
	}
}
