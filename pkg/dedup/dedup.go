// Package dedup implements the idempotent-receiver cache: a bounded,
// TTL-evicted record of recently seen (client_id, request_id, operation)
// triples, consulted before a request is allowed to burn a WAL entry id.
package dedup

import (
	"sync"
	"time"
)

// DefaultTTL is used when a node config does not specify dedup_ttl.
const DefaultTTL = 3600 * time.Second

// Key identifies one idempotent request.
type Key struct {
	ClientID  string
	RequestID string
	Operation string
}

// empty reports whether this key bypasses the cache entirely: requests with
// no client_id/request_id are never deduplicated.
func (k Key) empty() bool {
	return k.ClientID == "" && k.RequestID == ""
}

// Response is an opaque, caller-defined cached result.
type Response any

type cacheEntry struct {
	response  Response
	createdAt time.Time
}

// Stats summarizes cache activity since the process started.
type Stats struct {
	Size                   int
	DistinctRequestIDs     int
	DistinctClients        int
	TotalRecorded          int
	TotalDuplicatesSameOp  int
	TotalDuplicatesDiffOp  int
	TotalSweeps            int
}

// Cache is the idempotent-receiver cache. Safe for concurrent use.
type Cache struct {
	mu  sync.Mutex
	ttl time.Duration

	entries map[Key]cacheEntry

	requestIDs map[string]struct{}
	clients    map[string]struct{}

	totalRecorded         int
	totalDuplicatesSameOp int
	totalDuplicatesDiffOp int
	totalSweeps           int
}

// New returns an empty cache with the given TTL. ttl <= 0 uses [DefaultTTL].
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Cache{
		ttl:        ttl,
		entries:    make(map[Key]cacheEntry),
		requestIDs: make(map[string]struct{}),
		clients:    make(map[string]struct{}),
	}
}

// Lookup returns the cached response for key, if any. A hit on the same
// (client_id, request_id) but a different operation is reported separately
// in Stats as a different-operation duplicate but still misses here — Lookup
// only matches on the exact key including operation.
func (c *Cache) Lookup(key Key) (Response, bool) {
	if key.empty() {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		for other := range c.entries {
			if other.ClientID == key.ClientID && other.RequestID == key.RequestID {
				c.totalDuplicatesDiffOp++
				break
			}
		}

		return nil, false
	}

	c.totalDuplicatesSameOp++

	return entry.response, true
}

// Record stores response for key, overwriting any existing entry.
func (c *Cache) Record(key Key, response Response) {
	if key.empty() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{response: response, createdAt: time.Now()}
	c.requestIDs[key.RequestID] = struct{}{}

	if key.ClientID != "" {
		c.clients[key.ClientID] = struct{}{}
	}

	c.totalRecorded++
}

// Sweep removes every entry older than the configured TTL relative to now,
// returning the number evicted.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalSweeps++

	evicted := 0

	for key, entry := range c.entries {
		if now.Sub(entry.createdAt) > c.ttl {
			delete(c.entries, key)
			evicted++
		}
	}

	return evicted
}

// Stats returns a snapshot of cache activity counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Size:                  len(c.entries),
		DistinctRequestIDs:    len(c.requestIDs),
		DistinctClients:       len(c.clients),
		TotalRecorded:         c.totalRecorded,
		TotalDuplicatesSameOp: c.totalDuplicatesSameOp,
		TotalDuplicatesDiffOp: c.totalDuplicatesDiffOp,
		TotalSweeps:           c.totalSweeps,
	}
}
