package volume

import (
	"context"
	"time"

	"github.com/sawpanic/equityrun/internal/domain"
)

const (
	defaultMemoTTL     = 60 * time.Second
	defaultMemoEntries = 20_000
)

// Cache is the read surface used by the hot path: a persistent store with a
// short-TTL memo layer. A miss means "skip symbol" downstream, never a
// fabricated baseline.
type Cache struct {
	store     Store
	memo      *memoCache
	freshness time.Duration
}

// NewCache wraps a Store with memoization. freshness bounds how old a row may
// be and still be served on the hot path.
func NewCache(store Store, freshness time.Duration) *Cache {
	return &Cache{
		store:     store,
		memo:      newMemoCache(defaultMemoEntries, defaultMemoTTL),
		freshness: freshness,
	}
}

// BatchGet resolves volume averages for symbols, memo first then store.
// Absent symbols are simply absent from the result.
func (c *Cache) BatchGet(ctx context.Context, symbols []string) (map[string]domain.VolumeAverage, error) {
	found, missing := c.memo.get(symbols)
	if len(missing) == 0 {
		return found, nil
	}

	fromStore, err := c.store.BatchGet(ctx, missing, c.freshness)
	if err != nil {
		return nil, err
	}
	c.memo.put(fromStore)

	for sym, rec := range fromStore {
		found[sym] = rec
	}
	return found, nil
}

// Upsert writes through to the store and drops the memo so readers never see
// a row older than what the store holds.
func (c *Cache) Upsert(ctx context.Context, records []domain.VolumeAverage) error {
	if err := c.store.Upsert(ctx, records); err != nil {
		return err
	}
	c.memo.invalidate()
	return nil
}

// StaleSymbols passes through to the store's freshness index.
func (c *Cache) StaleSymbols(ctx context.Context, window time.Duration) ([]string, error) {
	return c.store.StaleSymbols(ctx, window)
}

// MemoStats reports memo hit/miss counters for the debug surface.
func (c *Cache) MemoStats() (hits, misses int64) {
	return c.memo.stats()
}
