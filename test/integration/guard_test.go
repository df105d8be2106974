//go:build integration

package integration

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The delete guard trigger rejects DELETE on objects and buckets unless the
// transaction opted in, protecting against out-of-band deletes that would
// leave orphaned blobs and prefix rows.
func TestDirectDeleteRejected(t *testing.T) {
	st := newStorage(t)
	createBucket(t, st, "b-guard")
	uploadObject(t, st, "b-guard", "keep/me.txt", []byte("guarded"), false)

	pool, err := pgxpool.New(t.Context(), sharedConnStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(t.Context(),
		`DELETE FROM objects WHERE bucket_id = $1 AND name = $2`,
		"b-guard", "keep/me.txt")
	require.Error(t, err)

	var pgErr *pgconn.PgError
	require.True(t, errors.As(err, &pgErr), "expected a postgres error, got %v", err)
	assert.Equal(t, "42501", pgErr.Code)

	_, err = pool.Exec(t.Context(), `DELETE FROM buckets WHERE id = $1`, "b-guard")
	require.Error(t, err)
	require.True(t, errors.As(err, &pgErr))
	assert.Equal(t, "42501", pgErr.Code)

	// The row survived.
	obj := findObject(t, st, "b-guard", "keep/me.txt")
	assert.Equal(t, "keep/me.txt", obj.Name)

	// The gateway's own delete path opts in and succeeds.
	require.NoError(t, st.DeleteObject(t.Context(), "b-guard", "keep/me.txt"))
}
