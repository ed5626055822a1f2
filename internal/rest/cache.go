package rest

import (
	"context"
	"sync"
	"time"
)

// CatalogTTL is how long an exchange-info payload stays fresh before the next
// read triggers a refetch.
const CatalogTTL = 7200 * time.Second

// CatalogCache memoises an exchange-info fetch with a TTL. A fetch failure
// serves the stale payload when one exists.
type CatalogCache struct {
	ttl   time.Duration
	fetch func(context.Context) ([]byte, error)
	clock func() time.Time

	mu        sync.Mutex
	payload   []byte
	fetchedAt time.Time
}

// NewCatalogCache wraps fetch with TTL memoisation. A non-positive ttl uses
// CatalogTTL.
func NewCatalogCache(ttl time.Duration, fetch func(context.Context) ([]byte, error), clock func() time.Time) *CatalogCache {
	if ttl <= 0 {
		ttl = CatalogTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &CatalogCache{ttl: ttl, fetch: fetch, clock: clock}
}

// Get returns the cached payload, refreshing it when stale.
func (c *CatalogCache) Get(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock()
	if c.payload != nil && now.Sub(c.fetchedAt) < c.ttl {
		return append([]byte(nil), c.payload...), nil
	}
	payload, err := c.fetch(ctx)
	if err != nil {
		if c.payload != nil {
			return append([]byte(nil), c.payload...), nil
		}
		return nil, err
	}
	c.payload = payload
	c.fetchedAt = now
	return append([]byte(nil), payload...), nil
}

// Invalidate drops the cached payload so the next Get refetches.
func (c *CatalogCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payload = nil
	c.fetchedAt = time.Time{}
}
