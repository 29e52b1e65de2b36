// Package store owns the durable and caching backends: the postgres
// pool behind the audit trail and the cache used for idempotent replay
// suppression on the assistant endpoint.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the replay-suppression surface. Get returns redis.Nil for
// a missing key regardless of backend.
type Cache interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

type RedisCache struct{ client *redis.Client }

func (c *RedisCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Del(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

type cached struct {
	value   string
	expires time.Time
}

// MemoryCache keeps entries in process memory with lazy expiry. It is
// the fallback when redis is absent; replay suppression then holds for
// a single replica only.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cached
	clock   func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]cached{}, clock: time.Now}
}

func (c *MemoryCache) purge(now time.Time) {
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}

func (c *MemoryCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purge(now)
	if _, held := c.entries[key]; held {
		return false, nil
	}
	c.entries[key] = cached{value: value, expires: now.Add(ttl)}
	return true, nil
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, error) {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purge(now)
	e, held := c.entries[key]
	if !held {
		return "", redis.Nil
	}
	return e.value, nil
}

func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purge(now)
	c.entries[key] = cached{value: value, expires: now.Add(ttl)}
	return nil
}

func (c *MemoryCache) Del(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// NewCache pings redis and falls back to process memory when the
// client is absent or unreachable.
func NewCache(ctx context.Context, client *redis.Client) Cache {
	if client != nil && client.Ping(ctx).Err() == nil {
		return &RedisCache{client: client}
	}
	return NewMemoryCache()
}
