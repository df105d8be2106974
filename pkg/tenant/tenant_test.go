package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }

func TestEffectiveSizeLimit(t *testing.T) {
	for _, tc := range []struct {
		name        string
		tenantLimit int64
		bucketLimit *int64
		want        int64
	}{
		{name: "neither capped", tenantLimit: 0, bucketLimit: nil, want: 0},
		{name: "only tenant", tenantLimit: 100, bucketLimit: nil, want: 100},
		{name: "only bucket", tenantLimit: 0, bucketLimit: int64Ptr(50), want: 50},
		{name: "bucket tighter", tenantLimit: 100, bucketLimit: int64Ptr(50), want: 50},
		{name: "tenant tighter", tenantLimit: 30, bucketLimit: int64Ptr(50), want: 30},
		{name: "equal", tenantLimit: 50, bucketLimit: int64Ptr(50), want: 50},
		{name: "zero bucket means uncapped", tenantLimit: 30, bucketLimit: int64Ptr(0), want: 30},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tn := &Tenant{FileSizeLimit: tc.tenantLimit}
			assert.Equal(t, tc.want, tn.EffectiveSizeLimit(tc.bucketLimit))
		})
	}
}

func TestValidateTenant(t *testing.T) {
	valid := &Tenant{
		ID:          "acme",
		DatabaseURL: "postgres://db/acme",
		JWTSecret:   "0123456789abcdef0123456789abcdef",
	}
	require.NoError(t, validateTenant(valid))

	missingID := *valid
	missingID.ID = ""
	assert.Error(t, validateTenant(&missingID))

	missingURL := *valid
	missingURL.DatabaseURL = ""
	assert.Error(t, validateTenant(&missingURL))

	shortSecret := *valid
	shortSecret.JWTSecret = "tooshort"
	assert.Error(t, validateTenant(&shortSecret))
}

func TestSingleTenantResolver(t *testing.T) {
	fixed := &Tenant{ID: "solo", DatabaseURL: "postgres://db/solo"}
	r := NewSingleTenantResolver(fixed)

	got, err := r.Resolve(context.Background(), "anything")
	require.NoError(t, err)
	assert.Same(t, fixed, got)
}

func TestResolverCacheExpiry(t *testing.T) {
	r := NewResolver(nil, time.Minute)

	// Seed the cache directly; with a nil store a hit must never touch it.
	seeded := &Tenant{ID: "acme"}
	r.mu.Lock()
	r.entries["acme"] = cacheEntry{tenant: seeded, expiresAt: time.Now().Add(time.Minute)}
	r.mu.Unlock()

	got, err := r.Resolve(context.Background(), "acme")
	require.NoError(t, err)
	assert.Same(t, seeded, got)

	r.Invalidate("acme")
	r.mu.RLock()
	_, ok := r.entries["acme"]
	r.mu.RUnlock()
	assert.False(t, ok)
}
