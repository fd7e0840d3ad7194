package secrets

import (
	"sync"
	"time"

	"github.com/formbridge/gateway/pkg/api"
)

// DefaultCacheTTL is how long a resolved tenant stays cached.
const DefaultCacheTTL = 300 * time.Second

type cacheEntry struct {
	creds    []api.TenantCredential
	storedAt time.Time
}

// Cache is a TTL cache of resolved credentials keyed by tenant id. It is
// safe for concurrent use. Construct one per Resolver; there is no
// package-level instance.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewCache creates a cache with the given TTL. A non-positive ttl uses
// DefaultCacheTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock replaces the cache clock. Intended for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the cached credentials for a tenant if present and fresh.
func (c *Cache) Get(tenantID string) ([]api.TenantCredential, bool) {
	c.mu.RLock()
	e, ok := c.entries[tenantID]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.storedAt) >= c.ttl {
		c.mu.Lock()
		// Re-check under the write lock; a concurrent Put may have refreshed it.
		if cur, ok := c.entries[tenantID]; ok && c.now().Sub(cur.storedAt) >= c.ttl {
			delete(c.entries, tenantID)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.creds, true
}

// Put stores credentials for a tenant, replacing any previous entry.
func (c *Cache) Put(tenantID string, creds []api.TenantCredential) {
	cp := make([]api.TenantCredential, len(creds))
	copy(cp, creds)

	c.mu.Lock()
	c.entries[tenantID] = cacheEntry{creds: cp, storedAt: c.now()}
	c.mu.Unlock()
}

// Invalidate drops the entry for a tenant. Used after a rotation or
// revocation so the next request reads the store.
func (c *Cache) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.mu.Unlock()
}

// Len returns the number of entries, including expired ones not yet evicted.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
