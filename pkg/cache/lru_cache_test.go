package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snow-ghost/skilltuner/pkg/metrics"
)

type verdict struct {
	Score     float64
	Reasoning string
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, maxSize int, opts ...Option) *LRUCache[verdict] {
	t.Helper()
	c, err := NewLRUCache[verdict](&CacheConfig{MaxSize: maxSize, DefaultTTL: time.Minute}, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestLRUCache(t *testing.T) {
	c := newTestCache(t, 10)

	c.Set("k", verdict{Score: 0.8, Reasoning: "mostly done"}, 0)

	entry, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 0.8, entry.Value.Score)
	assert.Equal(t, "mostly done", entry.Value.Reasoning)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate)
	assert.Equal(t, 1, stats.Size)
}

func TestLRUCacheExpiration(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, 10, WithClock(clock.Now))

	c.Set("k", verdict{Score: 1}, 50*time.Millisecond)
	_, ok := c.Get("k")
	require.True(t, ok)

	clock.Advance(100 * time.Millisecond)

	_, ok = c.Get("k")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Expirations)
	assert.Zero(t, stats.Evictions)
	assert.Zero(t, stats.Size)
}

func TestLRUCacheSweep(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, 10, WithClock(clock.Now))

	c.Set("short", verdict{}, time.Second)
	c.Set("long", verdict{}, time.Hour)
	clock.Advance(time.Minute)

	c.sweep()

	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("long")
	assert.True(t, ok)
}

func TestLRUCacheEviction(t *testing.T) {
	c := newTestCache(t, 3)

	for i := 0; i < 5; i++ {
		c.Set(CacheKey(fmt.Sprintf("key-%d", i)), verdict{Score: float64(i)}, 0)
	}

	assert.Equal(t, 3, c.Len())
	assert.Equal(t, int64(2), c.Stats().Evictions)

	_, ok := c.Get("key-0")
	assert.False(t, ok)
	entry, ok := c.Get("key-4")
	require.True(t, ok)
	assert.Equal(t, 4.0, entry.Value.Score)
}

func TestLRUCacheTouch(t *testing.T) {
	c := newTestCache(t, 10)
	c.Set("k", verdict{}, 0)

	for i := 1; i <= 3; i++ {
		entry, ok := c.Get("k")
		require.True(t, ok)
		assert.Equal(t, i, entry.AccessCount)
	}
}

func TestLRUCacheClearAndDelete(t *testing.T) {
	c := newTestCache(t, 10)
	for i := 0; i < 3; i++ {
		c.Set(CacheKey(fmt.Sprintf("key-%d", i)), verdict{}, 0)
	}

	c.Delete("key-0")
	assert.Equal(t, 2, c.Len())

	c.Clear()
	assert.Zero(t, c.Len())
	assert.Zero(t, c.Stats().Evictions)
}

func TestLRUCacheRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newTestCache(t, 10, WithMetrics(metrics.New(reg)))

	c.Set("k", verdict{}, 0)
	c.Get("k")
	c.Get("k")
	c.Get("nope")

	families, err := reg.Gather()
	require.NoError(t, err)

	counts := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil {
				counts[mf.GetName()] += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, counts["skilltuner_judge_cache_hits_total"])
	assert.Equal(t, 1.0, counts["skilltuner_judge_cache_misses_total"])
}

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey("gpt-4o", "prompt", map[string]any{"temperature": 0})
	require.NoError(t, err)
	b, err := GenerateKey("gpt-4o", "prompt", map[string]any{"temperature": 0})
	require.NoError(t, err)
	c, err := GenerateKey("gpt-4o", "other prompt", map[string]any{"temperature": 0})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, string(a), 64)

	_, err = GenerateKey(func() {})
	assert.Error(t, err)
}
