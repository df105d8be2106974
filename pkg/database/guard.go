package database

import "context"

// EnableDirectDelete lifts the delete guard for the remainder of the current
// transaction. Object and bucket rows carry a trigger that rejects DELETE
// unless this transaction-local flag is set, which protects against
// accidental or out-of-band deletes. The flag expires at commit or rollback.
func (q *Tx) EnableDirectDelete(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := q.tx.Exec(ctx,
		`SELECT set_config('storage.gateway.enable_delete', 'true', true)`)
	if err != nil {
		return mapError(err, "enable delete guard")
	}
	return nil
}
