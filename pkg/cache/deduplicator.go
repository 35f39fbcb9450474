package cache

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Deduplicator collapses concurrent calls that share a key into one.
type Deduplicator[V any] struct {
	group singleflight.Group

	requests     atomic.Int64
	deduplicated atomic.Int64
	cacheHits    atomic.Int64
}

// DedupStats represents deduplication statistics
type DedupStats struct {
	Requests     int64 `json:"requests"`
	Deduplicated int64 `json:"deduplicated"`
	CacheHits    int64 `json:"cache_hits"`
}

// NewDeduplicator creates a new deduplicator
func NewDeduplicator[V any]() *Deduplicator[V] {
	return &Deduplicator[V]{}
}

// Execute runs fn once for all concurrent callers of key. A caller whose
// context ends stops waiting; the shared call keeps running for the others.
func (d *Deduplicator[V]) Execute(ctx context.Context, key CacheKey, fn func() (V, error)) (V, error) {
	d.requests.Add(1)

	ch := d.group.DoChan(string(key), func() (interface{}, error) {
		return fn()
	})

	var zero V
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Shared {
			d.deduplicated.Add(1)
		}
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

// ExecuteWithCache serves key from cache when present, otherwise runs fn
// through Execute and stores a successful result for ttl.
func (d *Deduplicator[V]) ExecuteWithCache(
	ctx context.Context,
	key CacheKey,
	cache *LRUCache[V],
	ttl time.Duration,
	fn func() (V, error),
) (V, error) {
	if cache != nil {
		if entry, ok := cache.Get(key); ok {
			d.requests.Add(1)
			d.cacheHits.Add(1)
			return entry.Value, nil
		}
	}

	return d.Execute(ctx, key, func() (V, error) {
		value, err := fn()
		if err == nil && cache != nil {
			cache.Set(key, value, ttl)
		}
		return value, err
	})
}

// Stats returns a snapshot of the counters.
func (d *Deduplicator[V]) Stats() DedupStats {
	return DedupStats{
		Requests:     d.requests.Load(),
		Deduplicated: d.deduplicated.Load(),
		CacheHits:    d.cacheHits.Load(),
	}
}

// DedupRate is the share of requests that piggybacked on another call.
func (s DedupStats) DedupRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Deduplicated) / float64(s.Requests)
}
