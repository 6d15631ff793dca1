// Copyright 2024-2026 Aiku AI

package dialogue

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// TTLCache is a ttlcache.Cache with a fixed lifetime per entry and map-style
// accessors. Reads do not extend the lifetime. Expired entries are dropped
// lazily on access and on every Set, so no cleanup goroutine is needed.
type TTLCache[K comparable, V any] struct {
	cache *ttlcache.Cache[K, V]
}

// NewTTLCache creates a cache whose entries live for ttl.
func NewTTLCache[K comparable, V any](ttl time.Duration) *TTLCache[K, V] {
	return &TTLCache[K, V]{
		cache: ttlcache.New[K, V](
			ttlcache.WithTTL[K, V](ttl),
			ttlcache.WithDisableTouchOnHit[K, V](),
		),
	}
}

func (c *TTLCache[K, V]) Set(key K, value V) {
	c.cache.DeleteExpired()
	c.cache.Set(key, value, ttlcache.DefaultTTL)
}

func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	item := c.cache.Get(key)
	if item == nil || item.IsExpired() {
		var zero V
		return zero, false
	}
	return item.Value(), true
}

// Pop returns the value and removes it in one step.
func (c *TTLCache[K, V]) Pop(key K) (V, bool) {
	item, ok := c.cache.GetAndDelete(key)
	if !ok || item == nil || item.IsExpired() {
		var zero V
		return zero, false
	}
	return item.Value(), true
}

func (c *TTLCache[K, V]) Delete(key K) {
	c.cache.Delete(key)
}

// Len returns the number of live entries.
func (c *TTLCache[K, V]) Len() int {
	c.cache.DeleteExpired()
	return c.cache.Len()
}
