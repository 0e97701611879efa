package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUWithTTL is a thread-safe, size-bounded cache with TTL expiration.
//
// The adapter uses it to memoize impact factors per inspection date, and the
// explainer uses it for recently computed explanations. Bounding the size
// keeps memory flat even when callers probe arbitrary dates.
type LRUWithTTL[K comparable, V any] struct {
	cache   *lru.Cache[K, *ttlEntry[V]]
	ttl     time.Duration
	mu      sync.RWMutex
	hits    uint64
	misses  uint64
	evicted uint64
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewLRUWithTTL creates a cache holding at most size entries. A ttl of 0
// disables time-based expiration.
func NewLRUWithTTL[K comparable, V any](size int, ttl time.Duration) (*LRUWithTTL[K, V], error) {
	c, err := lru.New[K, *ttlEntry[V]](size)
	if err != nil {
		return nil, err
	}
	return &LRUWithTTL[K, V]{cache: c, ttl: ttl}, nil
}

// Get returns the cached value, or false if absent or expired. Takes the
// write lock: lookups touch the hit counters and recency order.
func (c *LRUWithTTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache.Get(key)
	if !ok || (c.ttl > 0 && time.Now().After(entry.expiresAt)) {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return entry.value, true
}

// Set stores a value, evicting the least recently used entry when full.
func (c *LRUWithTTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}
	if c.cache.Add(key, &ttlEntry[V]{value: value, expiresAt: expiresAt}) {
		c.evicted++
	}
}

// Delete removes a key.
func (c *LRUWithTTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(key)
}

// Purge removes every entry. Store mutations call this so stale impact
// factors never survive a regulation change.
func (c *LRUWithTTL[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// Len returns the number of entries.
func (c *LRUWithTTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache.Len()
}

// Stats holds hit/miss counters for observability.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Evicted uint64  `json:"evicted"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns a snapshot of cache statistics.
func (c *LRUWithTTL[K, V]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{Hits: c.hits, Misses: c.misses, Evicted: c.evicted, Size: c.cache.Len(), HitRate: rate}
}
