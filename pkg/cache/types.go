package cache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"
)

// CacheKey identifies a cached judge verdict.
type CacheKey string

// CacheEntry wraps a cached value with its expiry bookkeeping.
type CacheEntry[V any] struct {
	Value        V         `json:"value"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	AccessCount  int       `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
}

// IsExpired reports whether the entry is past its TTL at now.
func (e *CacheEntry[V]) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

func (e *CacheEntry[V]) touch(now time.Time) {
	e.LastAccessed = now
	e.AccessCount++
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	MaxSize         int           `json:"max_size" yaml:"max_size" validate:"gte=1"`
	DefaultTTL      time.Duration `json:"default_ttl" yaml:"default_ttl" validate:"gte=0"`
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval" validate:"gte=0"`
}

// DefaultCacheConfig returns a default cache configuration
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		MaxSize:         1000,
		DefaultTTL:      30 * time.Minute,
		CleanupInterval: 5 * time.Minute,
	}
}

// GenerateKey hashes the JSON encoding of parts. Callers pass the judge
// model, the rendered prompt and whatever options change the verdict.
func GenerateKey(parts ...any) (CacheKey, error) {
	data, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cache key parts: %w", err)
	}
	hash := sha256.Sum256(data)
	return CacheKey(fmt.Sprintf("%x", hash)), nil
}

// CacheStats represents cache statistics
type CacheStats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Size        int     `json:"size"`
	MaxSize     int     `json:"max_size"`
	HitRate     float64 `json:"hit_rate"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
}

func (s *CacheStats) calculateHitRate() {
	total := s.Hits + s.Misses
	if total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
		return
	}
	s.HitRate = 0
}
