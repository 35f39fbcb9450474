package judge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/snow-ghost/skilltuner/pkg/cost"
	"github.com/snow-ghost/skilltuner/pkg/limiter"
	"github.com/snow-ghost/skilltuner/pkg/metrics"
)

type mockJudge struct {
	mock.Mock
}

func (m *mockJudge) Provider() string { return "mock" }
func (m *mockJudge) Model() string    { return "mock-1" }

func (m *mockJudge) Evaluate(ctx context.Context, prompt string, opts Options) (*Result, error) {
	args := m.Called(ctx, prompt, opts)
	res, _ := args.Get(0).(*Result)
	return res, args.Error(1)
}

func testGuardConfig() GuardConfig {
	cfg := DefaultGuardConfig()
	cfg.Protection.Retry.BaseDelay = time.Millisecond
	cfg.Protection.Retry.Jitter = false
	cfg.Cache.CleanupInterval = 0
	return cfg
}

func TestGuardedCachesVerdicts(t *testing.T) {
	inner := &mockJudge{}
	inner.On("Evaluate", mock.Anything, "prompt", Options{}).
		Return(NewResult("mock", "mock-1", `{"score": 1}`, 1, 1), nil).Once()

	g, err := NewGuarded(inner, testGuardConfig(), nil)
	require.NoError(t, err)
	defer g.Close()

	for i := 0; i < 3; i++ {
		res, err := g.Evaluate(context.Background(), "prompt", Options{})
		require.NoError(t, err)
		assert.Equal(t, 1.0, res.Score)
	}
	inner.AssertNumberOfCalls(t, "Evaluate", 1)
}

func TestGuardedRetriesTransientErrors(t *testing.T) {
	inner := &mockJudge{}
	inner.On("Evaluate", mock.Anything, "p", Options{}).
		Return(nil, limiter.NewHTTPError(503, "unavailable", nil)).Once()
	inner.On("Evaluate", mock.Anything, "p", Options{}).
		Return(NewResult("mock", "mock-1", `{"score": 0.5}`, 1, 1), nil).Once()

	g, err := NewGuarded(inner, testGuardConfig(), nil)
	require.NoError(t, err)
	defer g.Close()

	res, err := g.Evaluate(context.Background(), "p", Options{})
	require.NoError(t, err)
	assert.Equal(t, 0.5, res.Score)
	inner.AssertExpectations(t)
}

func TestGuardedDoesNotCacheFailures(t *testing.T) {
	inner := &mockJudge{}
	boom := errors.New("bad prompt")
	inner.On("Evaluate", mock.Anything, "p", Options{}).Return(nil, boom).Twice()

	g, err := NewGuarded(inner, testGuardConfig(), nil)
	require.NoError(t, err)
	defer g.Close()

	for i := 0; i < 2; i++ {
		_, err := g.Evaluate(context.Background(), "p", Options{})
		assert.ErrorIs(t, err, boom)
	}
	inner.AssertExpectations(t)
}

type slowJudge struct {
	calls atomic.Int32
	gate  chan struct{}
}

func (s *slowJudge) Provider() string { return "slow" }
func (s *slowJudge) Model() string    { return "slow-1" }

func (s *slowJudge) Evaluate(ctx context.Context, prompt string, opts Options) (*Result, error) {
	s.calls.Add(1)
	<-s.gate
	return NewResult("slow", "slow-1", `{"score": 1}`, 0, 0), nil
}

func TestGuardedCollapsesConcurrentPrompts(t *testing.T) {
	inner := &slowJudge{gate: make(chan struct{})}
	cfg := testGuardConfig()
	cfg.CacheEnabled = false

	g, err := NewGuarded(inner, cfg, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Evaluate(context.Background(), "same", Options{})
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return inner.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(inner.gate)
	wg.Wait()

	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestGuardedPricesFreshVerdicts(t *testing.T) {
	inner := &mockJudge{}
	inner.On("Evaluate", mock.Anything, "prompt", Options{}).
		Return(NewResult("mock", "mock-1", `{"score": 1}`, 2000, 500), nil).Once()

	m := metrics.New(prometheus.NewRegistry())
	cfg := testGuardConfig()
	cfg.Pricing = cost.Table{"mock:mock-1": {Currency: "USD", InputPer1K: 0.001, OutputPer1K: 0.002}}
	g, err := NewGuarded(inner, cfg, nil, WithMetrics(m))
	require.NoError(t, err)
	defer g.Close()

	for i := 0; i < 2; i++ {
		res, err := g.Evaluate(context.Background(), "prompt", Options{})
		require.NoError(t, err)
		assert.InDelta(t, 0.003, res.Cost, 1e-9)
	}
	// the cached second verdict is not billed again
	assert.InDelta(t, 0.003, testutil.ToFloat64(m.JudgeCostTotal.WithLabelValues("mock", "mock-1", "USD")), 1e-9)
}

func TestGuardedLeavesUnpricedModelsFree(t *testing.T) {
	inner := &mockJudge{}
	inner.On("Evaluate", mock.Anything, "prompt", Options{}).
		Return(NewResult("mock", "mock-1", `{"score": 1}`, 10, 10), nil).Once()

	g, err := NewGuarded(inner, testGuardConfig(), nil)
	require.NoError(t, err)
	defer g.Close()

	res, err := g.Evaluate(context.Background(), "prompt", Options{})
	require.NoError(t, err)
	assert.Zero(t, res.Cost)
}
