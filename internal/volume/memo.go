package volume

import (
	"sync"
	"time"

	"github.com/sawpanic/equityrun/internal/domain"
)

// memoCache is a short-TTL in-process layer over the persistent store. It
// only ever holds rows the store already served; a memo miss falls through to
// the database, so the store stays authoritative.
type memoCache struct {
	mu         sync.RWMutex
	entries    map[string]*memoEntry
	maxEntries int
	ttl        time.Duration

	hits   int64
	misses int64
}

type memoEntry struct {
	value    domain.VolumeAverage
	expires  time.Time
	accessed time.Time
}

func newMemoCache(maxEntries int, ttl time.Duration) *memoCache {
	return &memoCache{
		entries:    make(map[string]*memoEntry),
		maxEntries: maxEntries,
		ttl:        ttl,
	}
}

// get returns the memoized rows for symbols and the remainder not memoized.
func (c *memoCache) get(symbols []string) (map[string]domain.VolumeAverage, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	found := make(map[string]domain.VolumeAverage)
	var missing []string

	for _, sym := range symbols {
		entry, ok := c.entries[sym]
		if !ok || now.After(entry.expires) {
			c.misses++
			missing = append(missing, sym)
			continue
		}
		entry.accessed = now
		c.hits++
		found[sym] = entry.value
	}
	return found, missing
}

func (c *memoCache) put(records map[string]domain.VolumeAverage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for sym, rec := range records {
		if len(c.entries) >= c.maxEntries {
			c.evictOldest()
		}
		c.entries[sym] = &memoEntry{
			value:    rec,
			expires:  now.Add(c.ttl),
			accessed: now,
		}
	}
}

func (c *memoCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*memoEntry)
}

// evictOldest removes the least recently accessed entry. Caller holds the lock.
func (c *memoCache) evictOldest() {
	var oldestKey string
	oldestTime := time.Now()

	for key, entry := range c.entries {
		if entry.accessed.Before(oldestTime) {
			oldestTime = entry.accessed
			oldestKey = key
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *memoCache) stats() (hits, misses int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}
