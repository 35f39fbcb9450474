package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtectionManagerDo(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry = fastRetry(2)
	pm := NewProtectionManager(cfg, nil, nil)

	attempts := 0
	score, err := Do(context.Background(), pm, "judge", func(ctx context.Context) (float64, error) {
		attempts++
		if attempts == 1 {
			return 0, NewHTTPError(502, "bad gateway", nil)
		}
		return 0.75, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0.75, score)
	assert.Equal(t, 2, attempts)
}

func TestProtectionManagerFailsFastWhenOpen(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retry = fastRetry(0)
	cfg.Breaker.MinRequests = 2
	cfg.Breaker.Timeout = time.Minute
	pm := NewProtectionManager(cfg, nil, nil)

	boom := errors.New("judge exploded")
	for i := 0; i < 2; i++ {
		_, err := Do(context.Background(), pm, "judge", func(ctx context.Context) (string, error) {
			return "", boom
		})
		assert.ErrorIs(t, err, boom)
	}

	assert.False(t, pm.IsAvailable("judge"))

	calls := 0
	_, err := Do(context.Background(), pm, "judge", func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls)
}
