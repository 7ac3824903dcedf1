// Package cache provides a simple in-memory TTL cache.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// InMemory is a thread-safe in-memory cache with TTL.
// Keys are any comparable value, so small structs can be used directly.
type InMemory[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]entry[V]
	ttl   time.Duration
	now   func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a new in-memory cache with the given TTL.
func New[K comparable, V any](ttl time.Duration) *InMemory[K, V] {
	return NewWithClock[K, V](ttl, time.Now)
}

// NewWithClock creates a cache whose expiry is measured against now.
func NewWithClock[K comparable, V any](ttl time.Duration, now func() time.Time) *InMemory[K, V] {
	if now == nil {
		now = time.Now
	}
	c := &InMemory[K, V]{
		items: make(map[K]entry[V]),
		ttl:   ttl,
		now:   now,
		stop:  make(chan struct{}),
	}
	// Background cleanup goroutine, stopped by Close.
	go c.cleanup()
	return c
}

// Get retrieves a value from the cache. Returns false if not found or expired.
func (c *InMemory[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.items[key]
	if !ok || c.now().After(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores a value in the cache with the configured TTL.
func (c *InMemory[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = entry[V]{
		value:     value,
		expiresAt: c.now().Add(c.ttl),
	}
}

// Delete removes a value from the cache.
func (c *InMemory[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
}

// Len returns the number of stored entries, expired or not.
func (c *InMemory[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (c *InMemory[K, V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// cleanup periodically removes expired entries.
func (c *InMemory[K, V]) cleanup() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.purge()
		}
	}
}

func (c *InMemory[K, V]) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, v := range c.items {
		if now.After(v.expiresAt) {
			delete(c.items, k)
		}
	}
}
