package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeduplicator(t *testing.T) {
	dedup := NewDeduplicator[verdict]()

	v, err := dedup.Execute(context.Background(), "k", func() (verdict, error) {
		return verdict{Score: 0.5}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0.5, v.Score)

	stats := dedup.Stats()
	assert.Equal(t, int64(1), stats.Requests)
	assert.Zero(t, stats.Deduplicated)
}

func TestDeduplicatorConcurrent(t *testing.T) {
	dedup := NewDeduplicator[verdict]()

	var calls atomic.Int32
	release := make(chan struct{})
	const n = 5

	var wg sync.WaitGroup
	results := make([]verdict, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := dedup.Execute(context.Background(), "k", func() (verdict, error) {
				calls.Add(1)
				<-release
				return verdict{Score: 1}, nil
			})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Let the callers pile up behind the first one.
	require.Eventually(t, func() bool { return dedup.Stats().Requests == n }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, 1.0, v.Score)
	}
	assert.Equal(t, int64(n), dedup.Stats().Deduplicated)
	assert.Equal(t, 1.0, dedup.Stats().DedupRate())
}

func TestDeduplicatorContextCancel(t *testing.T) {
	dedup := NewDeduplicator[verdict]()
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := dedup.Execute(ctx, "k", func() (verdict, error) {
		<-release
		return verdict{}, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDeduplicatorWithCache(t *testing.T) {
	dedup := NewDeduplicator[verdict]()
	c := newTestCache(t, 10)

	v, err := dedup.ExecuteWithCache(context.Background(), "k", c, time.Minute, func() (verdict, error) {
		return verdict{Score: 0.7}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0.7, v.Score)

	v, err = dedup.ExecuteWithCache(context.Background(), "k", c, time.Minute, func() (verdict, error) {
		t.Error("fn must not run on a cache hit")
		return verdict{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0.7, v.Score)

	stats := dedup.Stats()
	assert.Equal(t, int64(2), stats.Requests)
	assert.Equal(t, int64(1), stats.CacheHits)
}

func TestDeduplicatorDoesNotCacheErrors(t *testing.T) {
	dedup := NewDeduplicator[verdict]()
	c := newTestCache(t, 10)
	boom := errors.New("judge unavailable")

	_, err := dedup.ExecuteWithCache(context.Background(), "k", c, time.Minute, func() (verdict, error) {
		return verdict{}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, c.Len())
}
