package database

import (
	"context"
	"fmt"

	"github.com/harborview/stowage/pkg/apierr"
)

// Advisory locks serialize writers on one object version across processes.
// Keys hash (bucket, name, version) with hashtextextended so the key space
// is the full signed 64-bit range. Transaction-level locks release at
// commit or rollback, which keeps them scoped resources.

func objectLockKey(bucketID, name, version string) string {
	return fmt.Sprintf("%s/%s/%s", bucketID, name, version)
}

// LockObject blocks until the advisory lock for (bucket, name, version) is
// held by this transaction. The caller's context bounds the wait.
func (q *Tx) LockObject(ctx context.Context, bucketID, name, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := objectLockKey(bucketID, name, version)
	_, err := q.tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key)
	if err != nil {
		return mapError(err, "object lock")
	}
	return nil
}

// MustLockObject attempts the advisory lock without blocking. Returns
// ResourceLocked if another transaction holds it.
func (q *Tx) MustLockObject(ctx context.Context, bucketID, name, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := objectLockKey(bucketID, name, version)
	var acquired bool
	err := q.tx.QueryRow(ctx,
		`SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))`, key).Scan(&acquired)
	if err != nil {
		return mapError(err, "object lock")
	}
	if !acquired {
		return apierr.ResourceLocked(key)
	}
	return nil
}
