//go:build windows

package dnsforwarder

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	cacheCapacity   = 1000
	minCachedTTL    = 60 * time.Second
	maxCachedTTL    = 3600 * time.Second
	defaultParseTTL = 300 * time.Second // §4.4: fallback on an internal TTL parse error
	lruEvictBatch   = 100
)

// cacheEntry holds one cached response plus the bookkeeping needed for
// expiry and least-recently-used eviction.
type cacheEntry struct {
	response     []byte
	expiresAt    time.Time
	lastAccessed time.Time
}

// Cache is a thread-safe TTL-and-LRU DNS response cache. Eviction order is
// expired entries first, then least-recently-accessed.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCache creates an empty, ready-to-use Cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*cacheEntry)}
}

// Get returns a copy of the cached response for key with its transaction
// id swapped to queryID, or (nil, false) on miss/expiry.
func (c *Cache) Get(key string, queryID uint16) ([]byte, bool) {
	now := time.Now()

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && now.After(entry.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	if ok {
		entry.lastAccessed = now
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return withTransactionID(entry.response, queryID), true
}

// Put inserts response under key. ttl must already reflect the §4.4
// clamping (callers derive it via ttlForResponse).
func (c *Cache) Put(key string, response []byte, ttl time.Duration) {
	stored := make([]byte, len(response))
	copy(stored, response)

	now := time.Now()
	entry := &cacheEntry{response: stored, expiresAt: now.Add(ttl), lastAccessed: now}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= cacheCapacity {
		c.evictLocked(now)
	}
	c.entries[key] = entry
}

// evictLocked removes every expired entry; if the cache is still at capacity,
// removes the lruEvictBatch least-recently-accessed entries (§4.4). Caller
// holds c.mu.
func (c *Cache) evictLocked(now time.Time) {
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < cacheCapacity {
		return
	}

	type ranked struct {
		key      string
		accessed time.Time
	}
	candidates := make([]ranked, 0, len(c.entries))
	for k, e := range c.entries {
		candidates = append(candidates, ranked{k, e.lastAccessed})
	}
	n := lruEvictBatch
	if n > len(candidates) {
		n = len(candidates)
	}
	for i := 0; i < n; i++ {
		oldest := i
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].accessed.Before(candidates[oldest].accessed) {
				oldest = j
			}
		}
		candidates[i], candidates[oldest] = candidates[oldest], candidates[i]
		delete(c.entries, candidates[i].key)
	}
}

// Stats returns cumulative hit/miss counters.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// ttlForResponse computes the cache TTL per §4.4: the minimum of all
// non-zero TTLs in the response, clamped to [60s, 3600s]; if extraction
// fails (no RR with a usable TTL), the default fallback of 300s applies.
func ttlForResponse(response []byte) time.Duration {
	raw, ok := minNonZeroTTL(response)
	if !ok {
		return defaultParseTTL
	}
	ttl := time.Duration(raw) * time.Second
	if ttl < minCachedTTL {
		return minCachedTTL
	}
	if ttl > maxCachedTTL {
		return maxCachedTTL
	}
	return ttl
}
