package providers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DiscoveryTTL is how long a successful discovery result stays fresh.
const DiscoveryTTL = 5 * time.Minute

// capabilityEntry pairs a discovered value with the time it was fetched.
// Entries are immutable once stored; updates swap the whole pointer so a
// reader never observes a half-written value.
type capabilityEntry struct {
	caps      ProviderCapabilities
	fetchedAt time.Time
}

// CapabilityCache caches provider capability discovery with a TTL.
//
// Each provider instance owns one cache. Invalidate resets only the fetch
// timestamp, not the stored value: the next Get re-queries, but if the
// re-query fails the last known-good capabilities are still returned
// (stale-on-failure). Discovery therefore never hard-fails the caller.
type CapabilityCache struct {
	ttl   time.Duration
	fetch func(ctx context.Context) (*ProviderCapabilities, error)

	entry atomic.Pointer[capabilityEntry]

	// mu serializes refreshes so concurrent callers hitting an expired
	// entry do not trigger duplicate queries.
	mu sync.Mutex
}

// NewCapabilityCache creates a cache around a discovery function. A zero or
// negative ttl falls back to DiscoveryTTL.
func NewCapabilityCache(ttl time.Duration, fetch func(ctx context.Context) (*ProviderCapabilities, error)) *CapabilityCache {
	if ttl <= 0 {
		ttl = DiscoveryTTL
	}
	return &CapabilityCache{ttl: ttl, fetch: fetch}
}

// Get returns the cached capabilities, refreshing when the entry is missing
// or expired. It returns nil when no capabilities have ever been discovered
// and the query fails or yields nothing.
func (c *CapabilityCache) Get(ctx context.Context) *ProviderCapabilities {
	if e := c.entry.Load(); e != nil && time.Since(e.fetchedAt) < c.ttl {
		caps := e.caps
		return &caps
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another caller may have refreshed while we waited on the lock.
	if e := c.entry.Load(); e != nil && time.Since(e.fetchedAt) < c.ttl {
		caps := e.caps
		return &caps
	}

	caps, err := c.fetch(ctx)
	if err != nil || caps == nil {
		// Stale-on-failure: keep serving the last good value.
		if e := c.entry.Load(); e != nil {
			stale := e.caps
			return &stale
		}
		return nil
	}

	c.entry.Store(&capabilityEntry{caps: *caps, fetchedAt: time.Now()})
	out := *caps
	return &out
}

// Invalidate expires the cache timestamp without clearing the stored value,
// forcing the next Get to re-query the provider.
func (c *CapabilityCache) Invalidate() {
	if e := c.entry.Load(); e != nil {
		c.entry.Store(&capabilityEntry{caps: e.caps})
	}
}
