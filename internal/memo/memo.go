// Package memo provides a small concurrency-safe cache with optional
// entry expiry, shared by the duration estimator and player discovery.
package memo

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value    V
	deadline time.Time
}

// Cache maps keys to values, expiring entries after the configured TTL.
// A zero TTL keeps entries forever.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[K]entry[V]
	now     func() time.Time
}

func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		ttl:     ttl,
		entries: make(map[K]entry[V]),
		now:     time.Now,
	}
}

// Get returns the fresh value for key, if any.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.get(key)
}

func (c *Cache[K, V]) get(key K) (V, bool) {
	e, ok := c.entries[key]
	if !ok || (!e.deadline.IsZero() && !c.now().Before(e.deadline)) {
		var zero V
		return zero, false
	}

	return e.value, true
}

// Put stores value under key, stamping it with a fresh deadline.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.put(key, value)
}

func (c *Cache[K, V]) put(key K, value V) {
	e := entry[V]{value: value}
	if c.ttl > 0 {
		e.deadline = c.now().Add(c.ttl)
	}
	c.entries[key] = e
}

// GetOrCompute returns the fresh value for key, running compute to fill
// the cache when the entry is missing or stale. The lock is held across
// compute, so exactly one computation runs per refresh and concurrent
// callers share its result. Failed computes are not stored.
func (c *Cache[K, V]) GetOrCompute(key K, compute func() (V, error)) (V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.get(key); ok {
		return v, nil
	}

	v, err := compute()
	if err != nil {
		var zero V
		return zero, err
	}
	c.put(key, v)

	return v, nil
}

// Invalidate drops one entry.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// InvalidateAll drops every entry, forcing recomputation on next use.
func (c *Cache[K, V]) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[K]entry[V])
}

// Seed bulk-loads values, stamping each with a fresh deadline.
func (c *Cache[K, V]) Seed(values map[K]V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range values {
		c.put(k, v)
	}
}

// Snapshot copies every fresh entry into a plain map.
func (c *Cache[K, V]) Snapshot() map[K]V {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[K]V, len(c.entries))
	for k := range c.entries {
		if v, ok := c.get(k); ok {
			out[k] = v
		}
	}

	return out
}

// Len counts stored entries, stale ones included.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}
