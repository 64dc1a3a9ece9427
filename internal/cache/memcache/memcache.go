// Package memcache is an in-process Cache, used in tests and as the
// default when no Redis endpoint is configured.
package memcache

import (
	"context"
	"sync"
	"time"

	"distfs/internal/cache"
)

type entry struct {
	value   []byte
	expires time.Time
}

// Cache is a mutex-guarded map of namespaced keys to expiring values,
// adapted from the same per-key map plus periodic-cleanup discipline the
// teacher uses for its per-IP rate limiters.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
}

var _ cache.Cache = (*Cache)(nil)

// New builds an empty in-process cache and starts a background goroutine
// that evicts expired entries every interval, stopping when ctx is
// cancelled.
func New(ctx context.Context, interval time.Duration) *Cache {
	c := &Cache{entries: make(map[string]entry)}
	go c.evictLoop(ctx, interval)
	return c
}

func namespacedKey(ns cache.Namespace, key string) string {
	return string(ns) + ":" + key
}

func (c *Cache) Get(ctx context.Context, ns cache.Namespace, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[namespacedKey(ns, key)]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true
}

func (c *Cache) Set(ctx context.Context, ns cache.Namespace, key string, value []byte, ttl time.Duration) {
	stored := make([]byte, len(value))
	copy(stored, value)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[namespacedKey(ns, key)] = entry{value: stored, expires: time.Now().Add(ttl)}
}

func (c *Cache) Delete(ctx context.Context, ns cache.Namespace, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, namespacedKey(ns, key))
}

func (c *Cache) evictLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}
