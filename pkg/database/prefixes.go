package database

import (
	"context"
	"strconv"
)

// The prefix table is maintained by triggers on the object table; these
// queries only read it, plus one maintenance entry point for manual repair.

// SearchPrefixes returns folder names at the given hierarchy level under a
// name prefix, name-ordered.
func (q *Tx) SearchPrefixes(ctx context.Context, bucketID, prefix string, level, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = validateLimit(limit)

	rows, err := q.tx.Query(ctx, `
		SELECT name FROM prefixes
		WHERE bucket_id = $1 AND level = $2 AND name LIKE $3
		ORDER BY name
		LIMIT `+strconv.Itoa(limit),
		bucketID, level, escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, mapError(err, "prefix")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, mapError(err, "prefix")
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "prefix")
	}
	return names, nil
}

// PrefixExists reports whether a folder row exists for the exact name.
func (q *Tx) PrefixExists(ctx context.Context, bucketID, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var exists bool
	err := q.tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM prefixes WHERE bucket_id = $1 AND name = $2
		)`, bucketID, name).Scan(&exists)
	if err != nil {
		return false, mapError(err, "prefix")
	}
	return exists, nil
}

// PruneLeafPrefixes runs the database-side leaf cleanup for the ancestors of
// the given object names. The triggers invoke the same routine on delete and
// move; this entry point exists for manual repair after out-of-band edits.
func (q *Tx) PruneLeafPrefixes(ctx context.Context, bucketID string, names []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}
	_, err := q.tx.Exec(ctx,
		`SELECT delete_leaf_prefixes($1, $2)`, bucketID, names)
	if err != nil {
		return mapError(err, "prefix")
	}
	return nil
}
