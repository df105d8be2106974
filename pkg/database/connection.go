package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harborview/stowage/pkg/apierr"
)

// ServiceRole is the privileged role name used by super-user transactions.
// Row-level policies grant it unconditional access.
const ServiceRole = "service_role"

// Scope carries the caller identity applied to every transaction through
// session-local settings. Row-level policies read them back with
// current_setting.
type Scope struct {
	Role    string
	RawJWT  string
	Claims  map[string]any
	Sub     string
	Headers map[string]string
	Method  string
	Path    string
}

// TenantConnection is a request-scoped handle over a tenant's pool. Every
// transaction it opens runs with the scope's role and claims applied, so the
// store's row-level policies see the real caller.
type TenantConnection struct {
	TenantID string

	pool           *pgxpool.Pool
	scope          Scope
	superUser      bool
	acquireTimeout time.Duration

	// ownsPool marks single-use external pools destroyed on Dispose.
	ownsPool bool
	disposed atomic.Bool
}

// Transaction retry tuning. Pool exhaustion retries with jittered backoff
// inside a fixed budget; serialization failures retry a handful of times.
const (
	txAcquireAttempts      = 10
	txAcquireBackoffMin    = 50 * time.Millisecond
	txAcquireBackoffMax    = 200 * time.Millisecond
	txAcquireBudget        = 3 * time.Second
	txSerializationRetries = 3
)

// AsSuperUser returns a view of the same connection whose transactions run
// under the service role, bypassing row-level policies. The underlying pool
// is shared; only the per-transaction settings differ.
func (c *TenantConnection) AsSuperUser() *TenantConnection {
	return &TenantConnection{
		TenantID:       c.TenantID,
		pool:           c.pool,
		scope:          c.scope,
		superUser:      true,
		acquireTimeout: c.acquireTimeout,
	}
}

// Dispose releases the connection. Idempotent. Cached pools are left alive
// for the manager; single-use external pools are closed here.
func (c *TenantConnection) Dispose() {
	if c.disposed.Swap(true) {
		return
	}
	if c.ownsPool && c.pool != nil {
		c.pool.Close()
	}
}

// Pool exposes the underlying pool for infrastructure that needs raw
// connections, such as the notification listener.
func (c *TenantConnection) Pool() *pgxpool.Pool {
	return c.pool
}

// Tx wraps an open transaction with the typed query surface. Other packages
// compose additional statements into the same transaction through Pgx.
type Tx struct {
	tx        pgx.Tx
	tenantID  string
	superUser bool
}

// Pgx exposes the underlying transaction for statements that live in other
// packages but must commit atomically with metadata changes.
func (q *Tx) Pgx() pgx.Tx {
	return q.tx
}

// TenantID reports the tenant the transaction acts for.
func (q *Tx) TenantID() string {
	return q.tenantID
}

// WithTransaction runs fn in a read-committed transaction with the caller's
// scope applied. Pool exhaustion retries with backoff inside a fixed budget
// and surfaces as DatabaseTimeout. If fn returns an error the transaction
// rolls back.
func (c *TenantConnection) WithTransaction(ctx context.Context, fn func(q *Tx) error) error {
	return c.withTx(ctx, pgx.TxOptions{}, fn)
}

// WithSerializableTransaction runs fn at serializable isolation, retrying a
// bounded number of times on serialization failures. fn must be safe to run
// more than once.
func (c *TenantConnection) WithSerializableTransaction(ctx context.Context, fn func(q *Tx) error) error {
	opts := pgx.TxOptions{IsoLevel: pgx.Serializable}
	var err error
	for attempt := 0; attempt < txSerializationRetries; attempt++ {
		err = c.withTx(ctx, opts, fn)
		if err == nil || !isSerializationFailure(err) {
			return err
		}
	}
	return apierr.Wrap(apierr.CodeTransactionError, "transaction could not be serialized", err)
}

func (c *TenantConnection) withTx(ctx context.Context, opts pgx.TxOptions, fn func(q *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.disposed.Load() {
		return fmt.Errorf("connection for tenant %q already disposed", c.TenantID)
	}

	tx, err := c.beginWithRetry(ctx, opts)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // No-op if committed

	if err := c.applyScope(ctx, tx); err != nil {
		return err
	}

	q := &Tx{tx: tx, tenantID: c.TenantID, superUser: c.superUser}
	if err := fn(q); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return err
		}
		return mapError(err, "commit")
	}
	return nil
}

// beginWithRetry opens a transaction, retrying while the pool is exhausted.
func (c *TenantConnection) beginWithRetry(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	deadline := time.Now().Add(txAcquireBudget)

	var lastErr error
	for attempt := 0; attempt < txAcquireAttempts; attempt++ {
		acquireCtx, cancel := context.WithTimeout(ctx, c.acquireTimeout)
		tx, err := c.pool.BeginTx(acquireCtx, opts)
		cancel()
		if err == nil {
			return tx, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isPoolExhausted(err) {
			return nil, mapError(err, "begin transaction")
		}
		if time.Now().After(deadline) {
			break
		}

		backoff := txAcquireBackoffMin +
			time.Duration(rand.Int63n(int64(txAcquireBackoffMax-txAcquireBackoffMin)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, apierr.DatabaseTimeout(lastErr)
}

// applyScope sets the transaction-local settings row-level policies read.
// set_config with is_local=true expires at commit or rollback.
func (c *TenantConnection) applyScope(ctx context.Context, tx pgx.Tx) error {
	role := c.scope.Role
	if c.superUser {
		role = ServiceRole
	}
	if role == "" {
		role = "anon"
	}

	claims, err := json.Marshal(c.scope.Claims)
	if err != nil {
		return fmt.Errorf("failed to encode claims: %w", err)
	}
	headers, err := json.Marshal(c.scope.Headers)
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}

	_, err = tx.Exec(ctx, `
		SELECT set_config('request.role', $1, true),
		       set_config('request.jwt', $2, true),
		       set_config('request.jwt.claims', $3, true),
		       set_config('request.jwt.sub', $4, true),
		       set_config('request.headers', $5, true),
		       set_config('request.method', $6, true),
		       set_config('request.path', $7, true)`,
		role, c.scope.RawJWT, string(claims), c.scope.Sub,
		string(headers), c.scope.Method, c.scope.Path,
	)
	if err != nil {
		return mapError(err, "apply scope")
	}
	return nil
}
