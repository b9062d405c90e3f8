package cacher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCacher is the Redis-backed implementation of Cacher, for running
// several server instances against a shared account roster. Values are
// stored as JSON. A short-lived SetNX lock keeps concurrent misses from
// hammering the source; losers of the lock race poll for the winner's
// result.
type redisCacher[T any] struct {
	client *redis.Client
}

const (
	redisLockTTL   = 10 * time.Second
	redisWaitLimit = 10 * time.Second
)

// NewRedisCacher wraps a Redis client in the Cacher interface.
func NewRedisCacher[T any](client *redis.Client) Cacher[T] {
	return &redisCacher[T]{client: client}
}

func (c *redisCacher[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T

	if val, err := c.get(ctx, key); err == nil {
		return val, nil
	} else if !errors.Is(err, redis.Nil) {
		return zero, err
	}

	lockKey := key + ":lock"
	lockValue := fmt.Sprintf("%d", time.Now().UnixNano())
	acquired, err := c.client.SetNX(ctx, lockKey, lockValue, redisLockTTL).Result()
	if err != nil {
		return zero, fmt.Errorf("acquire fetch lock: %w", err)
	}
	if !acquired {
		return c.waitForCache(ctx, key, lockKey)
	}

	defer func() {
		// Release only if the lock is still ours.
		script := `
			if redis.call("get", KEYS[1]) == ARGV[1] then
				return redis.call("del", KEYS[1])
			else
				return 0
			end
		`
		c.client.Eval(context.Background(), script, []string{lockKey}, lockValue)
	}()

	result, err := fetchFn(ctx)
	if err != nil {
		return zero, err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return zero, fmt.Errorf("marshal cached value: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return zero, fmt.Errorf("store cached value: %w", err)
	}
	return result, nil
}

// waitForCache polls for the value another instance is fetching, backing
// off exponentially. It gives up when the lock vanishes without a value or
// the wait limit passes.
func (c *redisCacher[T]) waitForCache(ctx context.Context, key, lockKey string) (T, error) {
	var zero T

	backoff := 10 * time.Millisecond
	deadline := time.Now().Add(redisWaitLimit)
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if time.Now().After(deadline) {
			return zero, errors.New("timeout waiting for cache")
		}

		val, err := c.get(ctx, key)
		if err == nil {
			return val, nil
		}
		if !errors.Is(err, redis.Nil) {
			return zero, err
		}

		exists, err := c.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return zero, fmt.Errorf("check fetch lock: %w", err)
		}
		if exists == 0 {
			return zero, errors.New("fetch failed on the lock holder")
		}

		time.Sleep(backoff)
		if backoff *= 2; backoff > 500*time.Millisecond {
			backoff = 500 * time.Millisecond
		}
	}
}

func (c *redisCacher[T]) get(ctx context.Context, key string) (T, error) {
	var zero T
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, err
		}
		return zero, fmt.Errorf("redis get: %w", err)
	}
	var result T
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return zero, fmt.Errorf("unmarshal cached value: %w", err)
	}
	return result, nil
}

// Delete invalidates a single key.
func (c *redisCacher[T]) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	return nil
}

// Clear invalidates everything.
func (c *redisCacher[T]) Clear(ctx context.Context) error {
	if err := c.client.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}
