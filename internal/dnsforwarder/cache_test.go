//go:build windows

package dnsforwarder

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestCacheGetMissThenPutThenHit(t *testing.T) {
	c := NewCache()
	if _, ok := c.Get("k", 1); ok {
		t.Fatal("expected miss on empty cache")
	}

	resp := make([]byte, 12)
	binary.BigEndian.PutUint16(resp[0:2], 0xAAAA)
	c.Put("k", resp, time.Minute)

	got, ok := c.Get("k", 0xBEEF)
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if binary.BigEndian.Uint16(got[0:2]) != 0xBEEF {
		t.Fatal("cache hit did not swap transaction id")
	}

	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Fatalf("hits=%d misses=%d, want 1/1", hits, misses)
	}
}

func TestCacheExpiredEntryIsAMiss(t *testing.T) {
	c := NewCache()
	c.Put("k", make([]byte, 12), -time.Second) // already expired
	if _, ok := c.Get("k", 1); ok {
		t.Fatal("expected miss for an expired entry")
	}
}

func TestCacheEvictsExpiredBeforeLRU(t *testing.T) {
	c := NewCache()
	c.entries["expired"] = &cacheEntry{
		response:     make([]byte, 12),
		expiresAt:    time.Now().Add(-time.Minute),
		lastAccessed: time.Now(),
	}
	for len(c.entries) < cacheCapacity {
		c.entries[randKey(len(c.entries))] = &cacheEntry{
			response:     make([]byte, 12),
			expiresAt:    time.Now().Add(time.Hour),
			lastAccessed: time.Now(),
		}
	}

	c.Put("new", make([]byte, 12), time.Minute)

	if _, ok := c.entries["expired"]; ok {
		t.Fatal("expired entry should have been evicted")
	}
	if _, ok := c.entries["new"]; !ok {
		t.Fatal("newly inserted entry should be present")
	}
}

func randKey(i int) string {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(i))
	return string(buf)
}

func TestTTLForResponseClampsToRange(t *testing.T) {
	low := buildRRResponse(5) // below minCachedTTL
	if got := ttlForResponse(low); got != minCachedTTL {
		t.Fatalf("ttl = %v, want %v", got, minCachedTTL)
	}

	high := buildRRResponse(10_000) // above maxCachedTTL
	if got := ttlForResponse(high); got != maxCachedTTL {
		t.Fatalf("ttl = %v, want %v", got, maxCachedTTL)
	}

	noTTL := make([]byte, 12)
	if got := ttlForResponse(noTTL); got != defaultParseTTL {
		t.Fatalf("ttl = %v, want default %v", got, defaultParseTTL)
	}
}

func buildRRResponse(ttl uint32) []byte {
	msg := make([]byte, 12)
	binary.BigEndian.PutUint16(msg[6:8], 1) // ancount
	msg = append(msg, 0)                    // root name
	msg = append(msg, 0, 1, 0, 1)           // type A, class IN
	ttlBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(ttlBuf, ttl)
	msg = append(msg, ttlBuf...)
	msg = append(msg, 0, 4)
	msg = append(msg, 1, 2, 3, 4)
	return msg
}
