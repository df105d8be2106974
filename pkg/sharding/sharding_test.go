package sharding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborview/stowage/pkg/apierr"
)

func TestResourceID(t *testing.T) {
	assert.Equal(t, "acme/metrics/events-2026", ResourceID("acme", "metrics", "events-2026"))
	// Logical names may themselves contain slashes; the tenant prefix and
	// bucket keep keys disjoint across tenants regardless.
	assert.Equal(t, "acme/b/a/b/c", ResourceID("acme", "b", "a/b/c"))
}

func TestCreateShardRejectsNonPositiveCapacity(t *testing.T) {
	a := New(nil)

	for _, capacity := range []int{0, -1} {
		err := a.CreateShard(context.Background(), "analytics", "shard-a", capacity)
		require.Error(t, err, "capacity %d", capacity)
		assert.Equal(t, apierr.CodeInvalidParameter, apierr.CodeOf(err))
	}
}

func TestDefaultLease(t *testing.T) {
	assert.Equal(t, int64(60_000), DefaultLease.Milliseconds())
}
