package cacher

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// MemoryCacher is the in-process implementation of Cacher. Storage is a
// go-cache instance; a singleflight group collapses concurrent misses on
// the same key into one fetch.
type MemoryCacher[T any] struct {
	cache *cache.Cache
	group singleflight.Group
}

// NewMemoryCacher creates an in-memory cache. cleanupInterval controls how
// often expired entries are swept.
func NewMemoryCacher[T any](defaultExpiration, cleanupInterval time.Duration) *MemoryCacher[T] {
	return &MemoryCacher[T]{
		cache: cache.New(defaultExpiration, cleanupInterval),
	}
}

// GetOrFetch returns the cached value for key, fetching and storing it on
// a miss. Only one fetch runs per key at a time; latecomers share its
// result.
func (c *MemoryCacher[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T

	if val, found := c.cache.Get(key); found {
		if typed, ok := val.(T); ok {
			return typed, nil
		}
	}

	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check under the singleflight guard; a concurrent caller may
		// have populated the entry while we waited.
		if cached, found := c.cache.Get(key); found {
			if typed, ok := cached.(T); ok {
				return typed, nil
			}
		}
		fetched, err := fetchFn(ctx)
		if err != nil {
			return zero, err
		}
		c.cache.Set(key, fetched, ttl)
		return fetched, nil
	})
	if err != nil {
		return zero, err
	}

	typed, ok := val.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected type in cache for key %s", key)
	}
	return typed, nil
}

// Delete invalidates a single key.
func (c *MemoryCacher[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.cache.Delete(key)
	return nil
}

// Clear invalidates everything.
func (c *MemoryCacher[T]) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.cache.Flush()
	return nil
}
