package tus

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harborview/stowage/internal/logger"
	"github.com/harborview/stowage/pkg/apierr"
)

const (
	// lockAcquireTimeout bounds how long a request waits for an upload lock
	// before giving up with AcquiringLockTimeout.
	lockAcquireTimeout = 15 * time.Second

	// pgLockRetryInterval paces advisory-lock retries.
	pgLockRetryInterval = 100 * time.Millisecond
)

// Locker serializes requests per upload id across all gateway processes.
// Lock blocks until the lock is held, the acquire window lapses, or ctx is
// done. onRequestedRelease fires if another process asks the holder to
// yield; handlers cancel their in-flight request from it. The returned
// unlock must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, id string, onRequestedRelease func()) (unlock func(context.Context) error, err error)
}

// PostgresLocker implements Locker with session-level advisory locks held on
// a dedicated pooled connection. Contending processes publish a release
// request through the notifier and retry until the holder yields.
type PostgresLocker struct {
	pool     *pgxpool.Pool
	notifier *Notifier
}

// NewPostgresLocker builds a locker on the tenant's pool.
func NewPostgresLocker(pool *pgxpool.Pool, notifier *Notifier) *PostgresLocker {
	return &PostgresLocker{pool: pool, notifier: notifier}
}

// Lock acquires the advisory lock for id, asking the current holder to
// yield while waiting.
func (l *PostgresLocker) Lock(ctx context.Context, id string, onRequestedRelease func()) (func(context.Context) error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(lockAcquireTimeout)
	requested := false
	for {
		unlock, ok, err := l.tryLock(ctx, id, onRequestedRelease)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}

		if !requested {
			// Ask the holder to wrap up; one request per acquire attempt.
			if err := l.notifier.RequestRelease(ctx, id); err != nil {
				logger.Warn("lock release request failed",
					logger.KeyUploadID, id, logger.KeyError, err)
			}
			requested = true
		}

		if time.Now().After(deadline) {
			return nil, apierr.AcquiringLockTimeout(id)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pgLockRetryInterval):
		}
	}
}

func (l *PostgresLocker) tryLock(ctx context.Context, id string, onRequestedRelease func()) (func(context.Context) error, bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}

	var locked bool
	err = conn.QueryRow(ctx,
		`SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, id,
	).Scan(&locked)
	if err != nil {
		conn.Release()
		return nil, false, err
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}

	var remove func()
	if onRequestedRelease != nil {
		remove = l.notifier.OnRelease(id, onRequestedRelease)
	}

	unlock := func(ctx context.Context) error {
		if remove != nil {
			remove()
		}
		// The session lock dies with the connection, so a failed unlock
		// still frees it once the connection is destroyed.
		_, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, id)
		conn.Release()
		return err
	}
	return unlock, true, nil
}
