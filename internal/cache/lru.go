// Package cache provides the bounded read-through cache sitting in front
// of assignment lookups, so the hot evaluate/assign path rarely touches
// the store.
package cache

import (
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// TTL is a size-bounded LRU cache whose entries expire after a fixed
// duration. Reads past the deadline miss, which forces a store round-trip
// and keeps replicas from serving assignments another replica has reset.
// Safe for concurrent use.
type TTL[K comparable, V any] struct {
	entries *lru.Cache[K, entry[V]]
	ttl     time.Duration

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewTTL creates a cache holding at most size entries, each living for
// ttl. A non-positive size falls back to 1024; a non-positive ttl
// disables expiration.
func NewTTL[K comparable, V any](size int, ttl time.Duration) *TTL[K, V] {
	if size <= 0 {
		size = 1024
	}

	// lru.New only fails on size <= 0, which is handled above.
	entries, _ := lru.New[K, entry[V]](size)

	return &TTL[K, V]{
		entries: entries,
		ttl:     ttl,
	}
}

// Get returns the live value under key, if any.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	e, ok := c.entries.Get(key)
	if !ok || (c.ttl > 0 && time.Now().After(e.expiresAt)) {
		c.misses.Add(1)
		var zero V
		return zero, false
	}

	c.hits.Add(1)
	return e.value, true
}

// Set stores value under key, evicting the least recently used entry if
// the cache is full.
func (c *TTL[K, V]) Set(key K, value V) {
	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}

	if c.entries.Add(key, entry[V]{value: value, expiresAt: expiresAt}) {
		c.evictions.Add(1)
	}
}

// Remove drops the entry under key, if present.
func (c *TTL[K, V]) Remove(key K) {
	c.entries.Remove(key)
}

// Len returns the number of entries held, expired or not.
func (c *TTL[K, V]) Len() int {
	return c.entries.Len()
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Size      int     `json:"size"`
	HitRate   float64 `json:"hit_rate"`
}

// Stats returns current counters.
func (c *TTL[K, V]) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	hitRate := 0.0
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Hits:      hits,
		Misses:    misses,
		Evictions: c.evictions.Load(),
		Size:      c.entries.Len(),
		HitRate:   hitRate,
	}
}
