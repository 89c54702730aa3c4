package domain

import (
	"context"
	"time"
)

// CacheStore is a raw byte key-value store with per-key TTL.
// Get returns ErrCacheMiss for absent or expired keys.
type CacheStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// CacheStats is a snapshot of cache hit/miss counters.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}
