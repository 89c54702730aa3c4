// Package cache provides the JSON key-value cache used for poll buffers and
// memoized model calls, over an in-process or Redis store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"crm-copilot/internal/domain"
)

// Cache stores JSON-encoded values under "prefix:namespace:key".
// Hit and miss counters are per instance and only for observability.
type Cache struct {
	store  domain.CacheStore
	prefix string
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
	group  singleflight.Group
}

// New creates a cache over store.
func New(store domain.CacheStore, prefix string, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Cache{store: store, prefix: prefix, logger: logger}
}

func (c *Cache) key(ns, key string) string {
	if c.prefix == "" {
		return ns + ":" + key
	}
	return c.prefix + ":" + ns + ":" + key
}

// Get decodes the value under ns/key into dst. It reports false on a miss.
func (c *Cache) Get(ctx context.Context, ns, key string, dst any) (bool, error) {
	raw, err := c.store.Get(ctx, c.key(ns, key))
	if errors.Is(err, domain.ErrCacheMiss) {
		c.misses.Add(1)
		return false, nil
	}
	if err != nil {
		return false, domain.WrapOp("Cache.Get", err)
	}
	c.hits.Add(1)
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, domain.WrapOp("Cache.Get", fmt.Errorf("decode %s/%s: %w", ns, key, err))
	}
	return true, nil
}

// Set encodes v and stores it under ns/key, replacing any previous value.
func (c *Cache) Set(ctx context.Context, ns, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return domain.WrapOp("Cache.Set", fmt.Errorf("encode %s/%s: %w", ns, key, err))
	}
	return domain.WrapOp("Cache.Set", c.store.Set(ctx, c.key(ns, key), raw, ttl))
}

// Delete removes ns/key.
func (c *Cache) Delete(ctx context.Context, ns, key string) error {
	return domain.WrapOp("Cache.Delete", c.store.Delete(ctx, c.key(ns, key)))
}

// GetOrCompute decodes a cached value into dst or, on a miss, runs compute,
// stores its result and decodes that. Concurrent misses on one key share a
// single compute call. Compute errors are returned and never cached.
func (c *Cache) GetOrCompute(ctx context.Context, ns, key string, ttl time.Duration, dst any, compute func(ctx context.Context) (any, error)) error {
	ok, err := c.Get(ctx, ns, key, dst)
	if err != nil {
		c.logger.Warn("cache read failed, recomputing", "namespace", ns, "error", err)
	}
	if ok {
		return nil
	}

	// The shared compute outlives any single caller; each caller stops
	// waiting when its own ctx ends.
	full := c.key(ns, key)
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(full, func() (any, error) {
		val, err := compute(shared)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("encode %s/%s: %w", ns, key, err)
		}
		if err := c.store.Set(shared, full, raw, ttl); err != nil {
			c.logger.Warn("cache write failed", "namespace", ns, "error", err)
		}
		return raw, nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		return json.Unmarshal(res.Val.([]byte), dst)
	}
}

// Stats returns a snapshot of the hit and miss counters.
func (c *Cache) Stats() domain.CacheStats {
	return domain.CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// ResetStats zeroes the counters.
func (c *Cache) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
}

// Close closes the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}
