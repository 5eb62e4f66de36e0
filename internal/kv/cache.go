// Package kv holds the hub's key-value tiers: an in-process TTL cache and
// the Redis mirror of current status and cached thresholds.
package kv

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Cache is a key to value map whose entries expire a fixed time after they
// were written. Reads do not extend the lifetime.
type Cache[K comparable, V any] struct {
	c *ttlcache.Cache[K, V]
}

func NewCache[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{c: ttlcache.New[K, V](
		ttlcache.WithTTL[K, V](ttl),
		ttlcache.WithDisableTouchOnHit[K, V](),
	)}
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	item := c.c.Get(key)
	if item == nil {
		var zero V
		return zero, false
	}
	return item.Value(), true
}

func (c *Cache[K, V]) Set(key K, value V) {
	c.c.Set(key, value, ttlcache.DefaultTTL)
}

func (c *Cache[K, V]) Len() int {
	return c.c.Len()
}

// Start evicts expired entries in the background until Stop.
func (c *Cache[K, V]) Start() {
	go c.c.Start()
}

func (c *Cache[K, V]) Stop() {
	c.c.Stop()
}
