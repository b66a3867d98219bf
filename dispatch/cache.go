package dispatch

import (
	"time"

	feedloop "github.com/wolfeidau/feedloop"
)

// Cache is a small scoped cache with TTL staleness and capacity eviction.
// A zero TTL disables expiry; a zero capacity disables eviction.
//
// Entries carry the scope they were fetched under. A lookup under a
// different scope treats the entry as absent and purges it.
//
// Not safe for concurrent use: all mutation happens on the single consumer
// goroutine that owns the Dispatcher.
type Cache[K comparable, V any] struct {
	ttl      time.Duration
	capacity int
	now      func() time.Time

	seq     uint64
	entries map[K]cacheEntry[V]
}

type cacheEntry[V any] struct {
	value     V
	scope     feedloop.Scope
	fetchedAt time.Time

	// seq breaks fetchedAt ties during eviction, oldest insertion first.
	seq uint64
}

// NewCache creates a cache. A nil now falls back to time.Now.
func NewCache[K comparable, V any](ttl time.Duration, capacity int, now func() time.Time) *Cache[K, V] {
	if now == nil {
		now = time.Now
	}
	return &Cache[K, V]{
		ttl:      ttl,
		capacity: capacity,
		now:      now,
		entries:  make(map[K]cacheEntry[V]),
	}
}

// LookupResult classifies the outcome of a cache lookup.
type LookupResult string

const (
	LookupHit           LookupResult = "hit"
	LookupMiss          LookupResult = "miss"
	LookupExpired       LookupResult = "expired"
	LookupScopeMismatch LookupResult = "scope_mismatch"
)

// Lookup returns the cached value for key if it is present, fetched under
// scope, and younger than the TTL. An entry at exactly TTL age is stale.
// Mismatched or expired entries are purged on touch.
func (c *Cache[K, V]) Lookup(key K, scope feedloop.Scope) (V, LookupResult) {
	var zero V

	entry, ok := c.entries[key]
	if !ok {
		return zero, LookupMiss
	}
	if entry.scope != scope {
		delete(c.entries, key)
		return zero, LookupScopeMismatch
	}
	if c.ttl > 0 && c.now().Sub(entry.fetchedAt) >= c.ttl {
		delete(c.entries, key)
		return zero, LookupExpired
	}
	return entry.value, LookupHit
}

// Insert stores value under key for scope. If the cache is at capacity and
// key is not already present, the single entry with the oldest fetchedAt is
// evicted first. Insert reports whether an eviction happened.
func (c *Cache[K, V]) Insert(key K, value V, scope feedloop.Scope) bool {
	evicted := false
	if c.capacity > 0 && len(c.entries) >= c.capacity {
		if _, ok := c.entries[key]; !ok {
			c.evictOldest()
			evicted = true
		}
	}

	c.seq++
	c.entries[key] = cacheEntry[V]{
		value:     value,
		scope:     scope,
		fetchedAt: c.now(),
		seq:       c.seq,
	}
	return evicted
}

func (c *Cache[K, V]) evictOldest() {
	var (
		oldestKey K
		oldest    cacheEntry[V]
		found     bool
	)
	for key, entry := range c.entries {
		if !found ||
			entry.fetchedAt.Before(oldest.fetchedAt) ||
			(entry.fetchedAt.Equal(oldest.fetchedAt) && entry.seq < oldest.seq) {
			oldestKey = key
			oldest = entry
			found = true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}

// Remove evicts a single key.
func (c *Cache[K, V]) Remove(key K) {
	delete(c.entries, key)
}

// Clear drops every entry.
func (c *Cache[K, V]) Clear() {
	clear(c.entries)
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	return len(c.entries)
}
