package cache

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/snow-ghost/skilltuner/pkg/metrics"
)

// LRUCache is a size-bounded LRU with per-entry TTL. Expired entries are
// dropped lazily on Get and by a background sweep.
type LRUCache[V any] struct {
	mu       sync.Mutex
	cache    *lru.Cache[CacheKey, *CacheEntry[V]]
	config   CacheConfig
	stats    CacheStats
	metrics  *metrics.Metrics
	now      func() time.Time
	stopChan chan struct{}
	stopOnce sync.Once

	// removing is set while entries are dropped on purpose so the
	// eviction callback only counts capacity evictions.
	removing bool
}

// Option configures an LRUCache.
type Option func(*options)

type options struct {
	metrics *metrics.Metrics
	now     func() time.Time
}

// WithMetrics records hits and misses on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock overrides time.Now, mostly for TTL tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewLRUCache creates a new LRU cache. A nil config uses DefaultCacheConfig.
func NewLRUCache[V any](config *CacheConfig, opts ...Option) (*LRUCache[V], error) {
	if config == nil {
		config = DefaultCacheConfig()
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	c := &LRUCache[V]{
		config:   *config,
		stats:    CacheStats{MaxSize: config.MaxSize},
		metrics:  o.metrics,
		now:      o.now,
		stopChan: make(chan struct{}),
	}

	inner, err := lru.NewWithEvict[CacheKey, *CacheEntry[V]](config.MaxSize, func(CacheKey, *CacheEntry[V]) {
		// Runs under c.mu: every mutating lru call below holds it.
		if !c.removing {
			c.stats.Evictions++
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	c.cache = inner

	if config.CleanupInterval > 0 {
		go c.cleanup(config.CleanupInterval)
	}
	return c, nil
}

// Get returns the live entry for key.
func (c *LRUCache[V]) Get(key CacheKey) (*CacheEntry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache.Get(key)
	if !ok {
		c.stats.Misses++
		c.metrics.RecordCacheMiss()
		return nil, false
	}

	now := c.now()
	if entry.IsExpired(now) {
		c.removeExpired(key)
		c.stats.Misses++
		c.metrics.RecordCacheMiss()
		return nil, false
	}

	entry.touch(now)
	c.stats.Hits++
	c.metrics.RecordCacheHit()
	return entry, true
}

// Set stores value under key; ttl <= 0 uses the configured default.
func (c *LRUCache[V]) Set(key CacheKey, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	now := c.now()
	c.cache.Add(key, &CacheEntry[V]{
		Value:        value,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastAccessed: now,
	})
}

// Delete removes key from the cache.
func (c *LRUCache[V]) Delete(key CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remove(key)
}

// Clear removes every entry.
func (c *LRUCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removing = true
	c.cache.Purge()
	c.removing = false
}

// Stats returns a snapshot of cache statistics.
func (c *LRUCache[V]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.cache.Len()
	stats.calculateHitRate()
	return stats
}

// Len returns the number of entries, expired or not.
func (c *LRUCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// Close stops the background sweep. It is safe to call more than once.
func (c *LRUCache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *LRUCache[V]) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopChan:
			return
		}
	}
}

func (c *LRUCache[V]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, key := range c.cache.Keys() {
		if entry, ok := c.cache.Peek(key); ok && entry.IsExpired(now) {
			c.removeExpired(key)
		}
	}
}

// Caller holds c.mu.
func (c *LRUCache[V]) removeExpired(key CacheKey) {
	c.remove(key)
	c.stats.Expirations++
}

func (c *LRUCache[V]) remove(key CacheKey) {
	c.removing = true
	c.cache.Remove(key)
	c.removing = false
}
