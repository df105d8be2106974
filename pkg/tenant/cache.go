package tenant

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Resolver answers tenant lookups, caching registry rows for a short TTL so
// the hot path does not hit the admin database per request. Stale entries
// are refreshed lazily on the next lookup after expiry.
type Resolver struct {
	store *Store
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry

	group singleflight.Group

	// SingleTenant short-circuits every lookup to one fixed tenant.
	single *Tenant
}

type cacheEntry struct {
	tenant    *Tenant
	expiresAt time.Time
}

// NewResolver builds a caching resolver over the registry store. A zero ttl
// defaults to 30 seconds.
func NewResolver(store *Store, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Resolver{
		store:   store,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// NewSingleTenantResolver resolves every lookup to the given tenant, for
// single-tenant deployments with no admin database.
func NewSingleTenantResolver(t *Tenant) *Resolver {
	return &Resolver{single: t}
}

// Resolve returns the tenant record for id.
func (r *Resolver) Resolve(ctx context.Context, id string) (*Tenant, error) {
	if r.single != nil {
		return r.single, nil
	}

	r.mu.RLock()
	entry, ok := r.entries[id]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.tenant, nil
	}

	v, err, _ := r.group.Do(id, func() (any, error) {
		t, err := r.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.entries[id] = cacheEntry{tenant: t, expiresAt: time.Now().Add(r.ttl)}
		r.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Tenant), nil
}

// Invalidate drops a cached entry, forcing the next lookup to hit the store.
func (r *Resolver) Invalidate(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}
