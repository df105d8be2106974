package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/harborview/stowage/pkg/apierr"
)

// SQLSTATE classes we act on. Everything else surfaces as an internal error.
const (
	pgUniqueViolation       = "23505"
	pgInsufficientPrivilege = "42501"
	pgSerializationFailure  = "40001"
	pgDeadlockDetected      = "40P01"
	pgTooManyConnections    = "53300"
	pgQueryCanceled         = "57014"
	pgLockNotAvailable      = "55P03"
	pgForeignKeyViolation   = "23503"
)

func pgError(err error) (*pgconn.PgError, bool) {
	var pge *pgconn.PgError
	if errors.As(err, &pge) {
		return pge, true
	}
	return nil, false
}

func isSQLState(err error, code string) bool {
	pge, ok := pgError(err)
	return ok && pge.Code == code
}

func isSerializationFailure(err error) bool {
	return isSQLState(err, pgSerializationFailure) || isSQLState(err, pgDeadlockDetected)
}

func isPoolExhausted(err error) bool {
	if isSQLState(err, pgTooManyConnections) {
		return true
	}
	// pgxpool surfaces acquire timeouts as context deadline errors.
	return errors.Is(err, context.DeadlineExceeded)
}

func isUniqueViolation(err error) bool {
	return isSQLState(err, pgUniqueViolation)
}

// mapError translates a Postgres error into the gateway taxonomy. The
// resource argument names what the statement was touching, so not-found
// conditions render as the right entity.
func mapError(err error, resource string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		switch resource {
		case "bucket":
			return apierr.New(apierr.CodeBucketNotFound, "bucket not found").WithErr(err)
		case "object":
			return apierr.New(apierr.CodeObjectNotFound, "object not found").WithErr(err)
		default:
			// Let callers decide how a missing internal row should render.
			return err
		}
	}
	if pge, ok := pgError(err); ok {
		switch pge.Code {
		case pgUniqueViolation:
			return apierr.Wrap(apierr.CodeConflict,
				fmt.Sprintf("the %s already exists", resource), err)
		case pgInsufficientPrivilege:
			return apierr.AccessDenied(pge.Message).WithErr(err)
		case pgQueryCanceled:
			return apierr.DatabaseTimeout(err)
		case pgLockNotAvailable:
			return apierr.Wrap(apierr.CodeResourceLocked,
				fmt.Sprintf("%s is locked by a concurrent operation", resource), err)
		case pgForeignKeyViolation:
			return apierr.Wrap(apierr.CodeInvalidParameter,
				fmt.Sprintf("referenced %s does not exist", resource), err)
		}
	}
	return apierr.Internal(fmt.Errorf("database: %s: %w", resource, err))
}
