// Package cacher provides a small generic read-through cache used to keep
// hot snapshots of slow data sources, such as the account roster parsed
// from disk. Implementations are safe for concurrent use and guard against
// cache stampede when many goroutines miss on the same key at once.
package cacher

import (
	"context"
	"time"
)

// FetchFunc loads a value from the source of truth on a cache miss.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cacher is a read-through cache for values of type T.
type Cacher[T any] interface {
	// GetOrFetch returns the cached value for key, or invokes fetchFn and
	// stores the result with the given TTL. Concurrent misses on the same
	// key execute fetchFn at most once.
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error)

	// Delete invalidates a single key.
	Delete(ctx context.Context, key string) error

	// Clear invalidates everything.
	Clear(ctx context.Context) error
}
