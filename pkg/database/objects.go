package database

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/harborview/stowage/pkg/apierr"
)

const objectColumns = `id, bucket_id, name, version, metadata, user_metadata,
	owner_id, path_tokens, created_at, updated_at, last_accessed_at`

func scanObject(row interface{ Scan(...any) error }) (*Object, error) {
	var (
		o        Object
		metadata []byte
	)
	err := row.Scan(
		&o.ID, &o.BucketID, &o.Name, &o.Version, &metadata, &o.UserMetadata,
		&o.OwnerID, &o.PathTokens, &o.CreatedAt, &o.UpdatedAt, &o.LastAccessedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		var m ObjectMetadata
		if err := json.Unmarshal(metadata, &m); err == nil {
			o.Metadata = &m
		}
	}
	return &o, nil
}

// escapeLike escapes LIKE metacharacters so a prefix match never treats user
// input as a pattern.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// FindObject fetches the current row for (bucket, name).
func (q *Tx) FindObject(ctx context.Context, bucketID, name string) (*Object, error) {
	return q.findObject(ctx, bucketID, name, "")
}

// FindObjectForUpdate fetches the row and holds its lock until commit.
func (q *Tx) FindObjectForUpdate(ctx context.Context, bucketID, name string) (*Object, error) {
	return q.findObject(ctx, bucketID, name, " FOR UPDATE")
}

func (q *Tx) findObject(ctx context.Context, bucketID, name, locking string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	row := q.tx.QueryRow(ctx,
		`SELECT `+objectColumns+` FROM objects WHERE bucket_id = $1 AND name = $2`+locking,
		bucketID, name)
	o, err := scanObject(row)
	if err != nil {
		return nil, mapError(err, "object")
	}
	return o, nil
}

// FindObjectVersion fetches the row only if it still points at version.
func (q *Tx) FindObjectVersion(ctx context.Context, bucketID, name, version string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	row := q.tx.QueryRow(ctx,
		`SELECT `+objectColumns+` FROM objects
		 WHERE bucket_id = $1 AND name = $2 AND version = $3`,
		bucketID, name, version)
	o, err := scanObject(row)
	if err != nil {
		return nil, mapError(err, "object")
	}
	return o, nil
}

// PrepareObjectParams stages an upload: the row that will point at the new
// version once the blob is committed.
type PrepareObjectParams struct {
	BucketID string
	Name     string
	Version  string
	OwnerID  *string
	IsUpsert bool
}

// PrepareObject inserts the object row for a new upload, or moves an
// existing row to the new version when upserting. The returned string is the
// superseded version, empty for fresh inserts. Callers hold the advisory
// lock for (bucket, name, version) around this.
func (q *Tx) PrepareObject(ctx context.Context, p PrepareObjectParams) (prevVersion string, err error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if !p.IsUpsert {
		_, err := q.tx.Exec(ctx, `
			INSERT INTO objects (bucket_id, name, version, owner_id)
			VALUES ($1, $2, $3, $4)`,
			p.BucketID, p.Name, p.Version, p.OwnerID,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return "", apierr.Newf(apierr.CodeConflict,
					"object %q already exists in bucket %q", p.Name, p.BucketID)
			}
			return "", mapError(err, "object")
		}
		return "", nil
	}

	existing, err := q.FindObjectForUpdate(ctx, p.BucketID, p.Name)
	if err != nil {
		if apierr.CodeOf(err) == apierr.CodeObjectNotFound {
			_, ierr := q.tx.Exec(ctx, `
				INSERT INTO objects (bucket_id, name, version, owner_id)
				VALUES ($1, $2, $3, $4)`,
				p.BucketID, p.Name, p.Version, p.OwnerID,
			)
			if ierr != nil {
				return "", mapError(ierr, "object")
			}
			return "", nil
		}
		return "", err
	}

	_, err = q.tx.Exec(ctx, `
		UPDATE objects SET version = $3, owner_id = $4, updated_at = now()
		WHERE bucket_id = $1 AND name = $2`,
		p.BucketID, p.Name, p.Version, p.OwnerID,
	)
	if err != nil {
		return "", mapError(err, "object")
	}
	return existing.Version, nil
}

// CommitObjectParams finalizes an upload: the blob exists at the version key
// and its authoritative metadata is recorded on the row.
type CommitObjectParams struct {
	BucketID     string
	Name         string
	Version      string
	Metadata     *ObjectMetadata
	UserMetadata json.RawMessage
	OwnerID      *string
}

// CommitObject writes the final object row for a completed upload. The row
// is created if prepare ran in an earlier transaction that was lost.
func (q *Tx) CommitObject(ctx context.Context, p CommitObjectParams) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return nil, apierr.Internal(err)
	}

	row := q.tx.QueryRow(ctx, `
		INSERT INTO objects (bucket_id, name, version, metadata, user_metadata, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (bucket_id, name) DO UPDATE SET
			version       = EXCLUDED.version,
			metadata      = EXCLUDED.metadata,
			user_metadata = COALESCE(EXCLUDED.user_metadata, objects.user_metadata),
			owner_id      = EXCLUDED.owner_id,
			updated_at    = now()
		RETURNING `+objectColumns,
		p.BucketID, p.Name, p.Version, metadata, p.UserMetadata, p.OwnerID,
	)
	o, err := scanObject(row)
	if err != nil {
		return nil, mapError(err, "object")
	}
	return o, nil
}

// UpdateObjectName moves an object to a new (bucket, name) address. Prefix
// triggers clean the source ancestors and ensure the destination's.
func (q *Tx) UpdateObjectName(ctx context.Context, bucketID, name, destBucketID, destName string, ownerID *string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	row := q.tx.QueryRow(ctx, `
		UPDATE objects
		SET bucket_id = $3, name = $4, owner_id = COALESCE($5, owner_id), updated_at = now()
		WHERE bucket_id = $1 AND name = $2
		RETURNING `+objectColumns,
		bucketID, name, destBucketID, destName, ownerID,
	)
	o, err := scanObject(row)
	if err != nil {
		return nil, mapError(err, "object")
	}
	return o, nil
}

// DeleteObject removes the row for (bucket, name) and returns it so callers
// can schedule blob deletion and emit the removal event.
func (q *Tx) DeleteObject(ctx context.Context, bucketID, name string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.EnableDirectDelete(ctx); err != nil {
		return nil, err
	}
	row := q.tx.QueryRow(ctx, `
		DELETE FROM objects WHERE bucket_id = $1 AND name = $2
		RETURNING `+objectColumns,
		bucketID, name,
	)
	o, err := scanObject(row)
	if err != nil {
		return nil, mapError(err, "object")
	}
	return o, nil
}

// DeleteObjects removes a batch of rows and returns the deleted objects.
// Names with no row are skipped, not errors.
func (q *Tx) DeleteObjects(ctx context.Context, bucketID string, names []string) ([]Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	if err := q.EnableDirectDelete(ctx); err != nil {
		return nil, err
	}
	rows, err := q.tx.Query(ctx, `
		DELETE FROM objects WHERE bucket_id = $1 AND name = ANY($2)
		RETURNING `+objectColumns,
		bucketID, names,
	)
	if err != nil {
		return nil, mapError(err, "object")
	}
	defer rows.Close()

	var deleted []Object
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, mapError(err, "object")
		}
		deleted = append(deleted, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "object")
	}
	return deleted, nil
}

// SearchObjects lists objects under a name prefix without delimiter
// collapsing, using keyset pagination on the configured sort.
func (q *Tx) SearchObjects(ctx context.Context, bucketID string, opts ListOptions) ([]Object, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	col, err := sortColumnSQL(opts.SortBy)
	if err != nil {
		return nil, "", err
	}
	dir, cmp, err := sortOrderSQL(opts.Order)
	if err != nil {
		return nil, "", err
	}
	limit := validateLimit(opts.Limit)

	query := `SELECT ` + objectColumns + `
		FROM objects
		WHERE bucket_id = $1 AND name LIKE $2`
	args := []any{bucketID, escapeLike(opts.Prefix) + "%"}

	if opts.Cursor != "" {
		cur, err := decodeCursor(opts.Cursor)
		if err != nil {
			return nil, "", err
		}
		query += ` AND ` + cursorPredicate(col, cmp, 3)
		args = append(args, cur.SortValue, cur.ID)
	}
	query += ` ORDER BY ` + col + ` ` + dir + `, id::text ` + dir +
		` LIMIT ` + strconv.Itoa(limit+1)

	rows, err := q.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, "", mapError(err, "object")
	}
	defer rows.Close()

	var objects []Object
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, "", mapError(err, "object")
		}
		objects = append(objects, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, "", mapError(err, "object")
	}

	next := ""
	if len(objects) > limit {
		objects = objects[:limit]
		last := &objects[limit-1]
		next = encodeCursor(listCursor{
			SortValue: sortValueOf(last, opts.SortBy),
			ID:        last.ID,
		})
	}
	return objects, next, nil
}

// ListObjectsWithDelimiter collapses names below one hierarchy level into
// folders derived from the prefix table. Objects follow the requested sort;
// folders are always name-ordered.
func (q *Tx) ListObjectsWithDelimiter(ctx context.Context, bucketID string, opts ListOptions) (*ObjectList, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Delimiter != "" && opts.Delimiter != "/" {
		return nil, apierr.Newf(apierr.CodeInvalidParameter,
			"unsupported delimiter %q", opts.Delimiter)
	}

	level := 1
	if opts.Prefix != "" {
		level = strings.Count(strings.TrimSuffix(opts.Prefix, "/"), "/") + 2
	}

	objOpts := opts
	objects, next, err := q.searchObjectsAtLevel(ctx, bucketID, objOpts, level)
	if err != nil {
		return nil, err
	}

	folders, err := q.SearchPrefixes(ctx, bucketID, opts.Prefix, level, validateLimit(opts.Limit))
	if err != nil {
		return nil, err
	}

	return &ObjectList{
		Objects:    objects,
		Folders:    folders,
		HasNext:    next != "",
		NextCursor: next,
	}, nil
}

// searchObjectsAtLevel is SearchObjects restricted to names with exactly
// level path segments, so children of deeper folders collapse away.
func (q *Tx) searchObjectsAtLevel(ctx context.Context, bucketID string, opts ListOptions, level int) ([]Object, string, error) {
	col, err := sortColumnSQL(opts.SortBy)
	if err != nil {
		return nil, "", err
	}
	dir, cmp, err := sortOrderSQL(opts.Order)
	if err != nil {
		return nil, "", err
	}
	limit := validateLimit(opts.Limit)

	query := `SELECT ` + objectColumns + `
		FROM objects
		WHERE bucket_id = $1 AND name LIKE $2
		  AND array_length(path_tokens, 1) = $3`
	args := []any{bucketID, escapeLike(opts.Prefix) + "%", level}

	if opts.Cursor != "" {
		cur, err := decodeCursor(opts.Cursor)
		if err != nil {
			return nil, "", err
		}
		query += ` AND ` + cursorPredicate(col, cmp, 4)
		args = append(args, cur.SortValue, cur.ID)
	}
	query += ` ORDER BY ` + col + ` ` + dir + `, id::text ` + dir +
		` LIMIT ` + strconv.Itoa(limit+1)

	rows, err := q.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, "", mapError(err, "object")
	}
	defer rows.Close()

	var objects []Object
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, "", mapError(err, "object")
		}
		objects = append(objects, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, "", mapError(err, "object")
	}

	next := ""
	if len(objects) > limit {
		objects = objects[:limit]
		last := &objects[limit-1]
		next = encodeCursor(listCursor{
			SortValue: sortValueOf(last, opts.SortBy),
			ID:        last.ID,
		})
	}
	return objects, next, nil
}
