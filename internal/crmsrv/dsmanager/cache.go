package dsmanager

import (
	"sync"
	"time"
)

// cacheEntry wraps a cached value with its expiry and usage bookkeeping.
type cacheEntry[V any] struct {
	value      V
	insertedAt time.Time
	lastUsed   time.Time
}

// ttlCache is a mutex-guarded cache with TTL expiry and least-recently-used
// bookkeeping. Entries past their TTL are treated as misses; removal happens
// on access, on an explicit sweep, or on invalidation. The clock is a field
// so tests can advance simulated time.
type ttlCache[V any] struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry[V]
	ttl     time.Duration
	now     func() time.Time
	// onEvict runs for every removed value, outside of hot-path reads but
	// under the cache lock. Used to close evicted client handles.
	onEvict func(key string, value V)
}

func newTTLCache[V any](ttl time.Duration, onEvict func(string, V)) *ttlCache[V] {
	return &ttlCache[V]{
		entries: make(map[string]*cacheEntry[V]),
		ttl:     ttl,
		now:     time.Now,
		onEvict: onEvict,
	}
}

// get returns the live value for key. Expired entries are removed and
// reported as misses.
func (c *ttlCache[V]) get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	now := c.now()
	if now.Sub(e.insertedAt) > c.ttl {
		c.removeLocked(key, e)
		return zero, false
	}
	e.lastUsed = now
	return e.value, true
}

// contains reports whether a live entry exists without touching LRU state.
func (c *ttlCache[V]) contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	return c.now().Sub(e.insertedAt) <= c.ttl
}

// put stores value under key with a fresh timestamp, replacing (and evicting)
// any previous value.
func (c *ttlCache[V]) put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(key, old)
	}
	now := c.now()
	c.entries[key] = &cacheEntry[V]{value: value, insertedAt: now, lastUsed: now}
}

// remove drops the entry for key, if any. Safe to call for absent keys.
func (c *ttlCache[V]) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.removeLocked(key, e)
	}
}

// removeMatching drops every entry whose key satisfies match.
func (c *ttlCache[V]) removeMatching(match func(key string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if match(key) {
			c.removeLocked(key, e)
		}
	}
}

// evictLRU removes the least-recently-used entry. Returns false when the
// cache is empty.
func (c *ttlCache[V]) evictLRU() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lruKey string
	var lruEntry *cacheEntry[V]
	for key, e := range c.entries {
		if lruEntry == nil || e.lastUsed.Before(lruEntry.lastUsed) {
			lruKey = key
			lruEntry = e
		}
	}
	if lruEntry == nil {
		return false
	}
	c.removeLocked(lruKey, lruEntry)
	return true
}

// sweep removes all TTL-expired entries.
func (c *ttlCache[V]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.entries {
		if now.Sub(e.insertedAt) > c.ttl {
			c.removeLocked(key, e)
		}
	}
}

// purge removes every entry.
func (c *ttlCache[V]) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		c.removeLocked(key, e)
	}
}

func (c *ttlCache[V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ttlCache[V]) removeLocked(key string, e *cacheEntry[V]) {
	delete(c.entries, key)
	if c.onEvict != nil {
		c.onEvict(key, e.value)
	}
}
