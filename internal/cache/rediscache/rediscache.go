// Package rediscache is a Cache backed by Redis, for deployments that run
// the Chunk Cache as a shared service across multiple coordinator
// processes.
package rediscache

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"time"

	"distfs/internal/cache"
)

// Cache wraps a go-redis client. Errors talking to Redis are logged and
// treated as cache misses, per the cache contract's "faults degrade"
// requirement — they are never returned to the caller.
type Cache struct {
	client *redis.Client
	log    *slog.Logger
}

var _ cache.Cache = (*Cache)(nil)

// New builds a Redis-backed cache against addr (host:port).
func New(addr string, log *slog.Logger) *Cache {
	return &Cache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		log:    log.With("component", "cache.redis"),
	}
}

func namespacedKey(ns cache.Namespace, key string) string {
	return string(ns) + ":" + key
}

func (c *Cache) Get(ctx context.Context, ns cache.Namespace, key string) ([]byte, bool) {
	val, err := c.client.Get(ctx, namespacedKey(ns, key)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.log.Warn("redis get failed, degrading to miss", "namespace", ns, "error", err)
		return nil, false
	}
	return val, true
}

func (c *Cache) Set(ctx context.Context, ns cache.Namespace, key string, value []byte, ttl time.Duration) {
	if err := c.client.Set(ctx, namespacedKey(ns, key), value, ttl).Err(); err != nil {
		c.log.Warn("redis set failed", "namespace", ns, "error", err)
	}
}

func (c *Cache) Delete(ctx context.Context, ns cache.Namespace, key string) {
	if err := c.client.Del(ctx, namespacedKey(ns, key)).Err(); err != nil {
		c.log.Warn("redis delete failed", "namespace", ns, "error", err)
	}
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error { return c.client.Close() }
