package country

import (
	"context"
	"sync"
	"time"
)

const (
	cacheMaxEntries = 10_000
	cacheMaxAge     = 10 * time.Minute
)

type cacheEntry struct {
	place    Place
	storedAt time.Time
}

// CachedResolver memoizes successful resolutions keyed on the exact
// "lat:lon" strings it receives. It holds a bounded number of entries,
// evicts in insertion order, and expires entries a fixed interval after
// they were written. Failed resolutions are never cached.
type CachedResolver struct {
	inner      Resolver
	maxEntries int
	maxAge     time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
	order   []string
}

// NewCachedResolver wraps inner with the default 10,000-entry,
// 10-minute cache.
func NewCachedResolver(inner Resolver) *CachedResolver {
	return NewCachedResolverWithLimits(inner, cacheMaxEntries, cacheMaxAge)
}

// NewCachedResolverWithLimits is NewCachedResolver with explicit bounds.
func NewCachedResolverWithLimits(inner Resolver, maxEntries int, maxAge time.Duration) *CachedResolver {
	return &CachedResolver{
		inner:      inner,
		maxEntries: maxEntries,
		maxAge:     maxAge,
		entries:    make(map[string]cacheEntry),
	}
}

func (c *CachedResolver) Resolve(ctx context.Context, lat, lon string) (Place, error) {
	key := lat + ":" + lon
	if place, ok := c.lookup(key); ok {
		return place, nil
	}
	place, err := c.inner.Resolve(ctx, lat, lon)
	if err != nil {
		return Place{}, err
	}
	c.store(key, place)
	return place, nil
}

// Len reports the number of live cache entries.
func (c *CachedResolver) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *CachedResolver) lookup(key string) (Place, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Place{}, false
	}
	if time.Since(e.storedAt) > c.maxAge {
		delete(c.entries, key)
		return Place{}, false
	}
	return e.place, true
}

func (c *CachedResolver) store(key string, place Place) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; exists {
		// Refresh the value and write age but keep the insertion slot.
		c.entries[key] = cacheEntry{place: place, storedAt: time.Now()}
		return
	}
	for len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[key] = cacheEntry{place: place, storedAt: time.Now()}
	c.order = append(c.order, key)
}

// evictOldestLocked drops the oldest inserted live entry, skipping order
// slots whose entries were already removed by expiry.
func (c *CachedResolver) evictOldestLocked() {
	for len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.entries[oldest]; ok {
			delete(c.entries, oldest)
			return
		}
	}
}
