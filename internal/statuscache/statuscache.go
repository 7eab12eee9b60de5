// Package statuscache is a per-status-manager LRU of cached attribute
// snapshots, letting a caller compare a cached entry's age against a
// manager's freshness window without a round-trip to the store. It is
// standalone: internal/updatepolicy and the rest of this module do not
// call it.
//
// Grounded on the teacher's internal/infrastructure/template/cache.go
// L1 tier (hashicorp/golang-lru/v2, hit/miss counters behind a mutex);
// rbhd only needs the in-process L1 tier since the store collaborator
// (internal/store) already provides the durable L2.
package statuscache

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry is one cached status-manager snapshot for an entry.
type Entry struct {
	Attrs      map[string]any
	LastUpdate time.Time
}

// Cache is a thread-safe, size-bounded LRU keyed by "<instanceName>:<entryID>".
type Cache struct {
	lru *lru.Cache[string, Entry]

	mu     sync.RWMutex
	hits   int64
	misses int64
}

// New returns a Cache holding at most size entries.
func New(size int) (*Cache, error) {
	l, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, fmt.Errorf("statuscache: new lru of size %d: %w", size, err)
	}
	return &Cache{lru: l}, nil
}

func key(instanceName, entryID string) string {
	return instanceName + ":" + entryID
}

// Get returns the cached snapshot for (instanceName, entryID), if any.
func (c *Cache) Get(instanceName, entryID string) (Entry, bool) {
	e, ok := c.lru.Get(key(instanceName, entryID))
	c.mu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
	return e, ok
}

// Set stores a snapshot for (instanceName, entryID).
func (c *Cache) Set(instanceName, entryID string, attrs map[string]any, at time.Time) {
	c.lru.Add(key(instanceName, entryID), Entry{Attrs: attrs, LastUpdate: at})
}

// Invalidate drops the cached snapshot for (instanceName, entryID),
// e.g. after a changelog record indicates the entry changed.
func (c *Cache) Invalidate(instanceName, entryID string) {
	c.lru.Remove(key(instanceName, entryID))
}

// FreshEnough reports whether the cached snapshot for (instanceName,
// entryID) is no older than maxAge. Returns false on a cache miss.
func (c *Cache) FreshEnough(instanceName, entryID string, maxAge time.Duration, now time.Time) bool {
	e, ok := c.Get(instanceName, entryID)
	if !ok {
		return false
	}
	return now.Sub(e.LastUpdate) <= maxAge
}

// Stats summarizes hit/miss counters since construction.
type Stats struct {
	Size     int
	Hits     int64
	Misses   int64
	HitRatio float64
}

// Stats returns a snapshot of the cache's performance counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := c.hits + c.misses
	var ratio float64
	if total > 0 {
		ratio = float64(c.hits) / float64(total)
	}
	return Stats{Size: c.lru.Len(), Hits: c.hits, Misses: c.misses, HitRatio: ratio}
}
