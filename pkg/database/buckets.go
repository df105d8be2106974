package database

import (
	"context"

	"github.com/harborview/stowage/pkg/apierr"
)

const bucketColumns = `id, name, owner_id, public, file_size_limit,
	allowed_mime_types, credential_id, type, created_at, updated_at`

func scanBucket(row interface{ Scan(...any) error }) (*Bucket, error) {
	var b Bucket
	err := row.Scan(
		&b.ID, &b.Name, &b.OwnerID, &b.Public, &b.FileSizeLimit,
		&b.AllowedMimeTypes, &b.CredentialID, &b.Type, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBucketParams carries the caller-settable bucket fields.
type CreateBucketParams struct {
	ID               string
	Name             string
	OwnerID          *string
	Public           bool
	FileSizeLimit    *int64
	AllowedMimeTypes []string
	CredentialID     *string
	Type             BucketType
}

// CreateBucket inserts a bucket row. A duplicate id surfaces as Conflict.
func (q *Tx) CreateBucket(ctx context.Context, p CreateBucketParams) (*Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Type == "" {
		p.Type = BucketTypeStandard
	}

	row := q.tx.QueryRow(ctx, `
		INSERT INTO buckets (id, name, owner_id, public, file_size_limit,
			allowed_mime_types, credential_id, type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+bucketColumns,
		p.ID, p.Name, p.OwnerID, p.Public, p.FileSizeLimit,
		p.AllowedMimeTypes, p.CredentialID, p.Type,
	)
	b, err := scanBucket(row)
	if err != nil {
		return nil, mapError(err, "bucket")
	}
	return b, nil
}

// GetBucket fetches a bucket by id. Row-level policies make invisible
// buckets indistinguishable from missing ones.
func (q *Tx) GetBucket(ctx context.Context, id string) (*Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	row := q.tx.QueryRow(ctx,
		`SELECT `+bucketColumns+` FROM buckets WHERE id = $1`, id)
	b, err := scanBucket(row)
	if err != nil {
		return nil, mapError(err, "bucket")
	}
	return b, nil
}

// GetBucketForUpdate fetches a bucket and holds its row lock until commit.
func (q *Tx) GetBucketForUpdate(ctx context.Context, id string) (*Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	row := q.tx.QueryRow(ctx,
		`SELECT `+bucketColumns+` FROM buckets WHERE id = $1 FOR UPDATE`, id)
	b, err := scanBucket(row)
	if err != nil {
		return nil, mapError(err, "bucket")
	}
	return b, nil
}

// ListBuckets returns buckets ordered by name with simple keyset pagination.
func (q *Tx) ListBuckets(ctx context.Context, limit int, after string) ([]Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = validateLimit(limit)

	rows, err := q.tx.Query(ctx, `
		SELECT `+bucketColumns+`
		FROM buckets
		WHERE name > $1
		ORDER BY name
		LIMIT $2`,
		after, limit,
	)
	if err != nil {
		return nil, mapError(err, "bucket")
	}
	defer rows.Close()

	var buckets []Bucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, mapError(err, "bucket")
		}
		buckets = append(buckets, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "bucket")
	}
	return buckets, nil
}

// UpdateBucketParams carries the mutable bucket fields. Nil pointers leave
// the current value untouched; id and type are immutable.
type UpdateBucketParams struct {
	Public           *bool
	FileSizeLimit    *int64
	ClearSizeLimit   bool
	AllowedMimeTypes []string
	ClearMimeTypes   bool
}

// UpdateBucket applies the non-nil fields to an existing bucket.
func (q *Tx) UpdateBucket(ctx context.Context, id string, p UpdateBucketParams) (*Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	row := q.tx.QueryRow(ctx, `
		UPDATE buckets SET
			public             = COALESCE($2, public),
			file_size_limit    = CASE WHEN $4 THEN NULL ELSE COALESCE($3, file_size_limit) END,
			allowed_mime_types = CASE WHEN $6 THEN NULL ELSE COALESCE($5, allowed_mime_types) END,
			updated_at         = now()
		WHERE id = $1
		RETURNING `+bucketColumns,
		id, p.Public, p.FileSizeLimit, p.ClearSizeLimit,
		p.AllowedMimeTypes, p.ClearMimeTypes,
	)
	b, err := scanBucket(row)
	if err != nil {
		return nil, mapError(err, "bucket")
	}
	return b, nil
}

// CountObjects reports how many objects a bucket holds.
func (q *Tx) CountObjects(ctx context.Context, bucketID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int64
	err := q.tx.QueryRow(ctx,
		`SELECT count(*) FROM objects WHERE bucket_id = $1`, bucketID).Scan(&n)
	if err != nil {
		return 0, mapError(err, "bucket")
	}
	return n, nil
}

// DeleteBucket removes an empty bucket. Non-empty buckets fail with
// BucketNotEmpty; the caller empties them first.
func (q *Tx) DeleteBucket(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n, err := q.CountObjects(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return apierr.Newf(apierr.CodeBucketNotEmpty,
			"bucket %q is not empty, it holds %d objects", id, n)
	}

	if err := q.EnableDirectDelete(ctx); err != nil {
		return err
	}
	tag, err := q.tx.Exec(ctx, `DELETE FROM buckets WHERE id = $1`, id)
	if err != nil {
		return mapError(err, "bucket")
	}
	if tag.RowsAffected() == 0 {
		return apierr.New(apierr.CodeBucketNotFound, "bucket not found")
	}
	return nil
}
