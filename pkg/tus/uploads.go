package tus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/harborview/stowage/pkg/apierr"
	"github.com/harborview/stowage/pkg/backend"
	"github.com/harborview/stowage/pkg/database"
)

// DefaultExpiry is how long an idle resumable upload survives before the
// reaper aborts it.
const DefaultExpiry = 24 * time.Hour

// uploadMeta is the jsonb blob riding on a tus_uploads row: everything the
// append and conclude paths need that has no column of its own.
type uploadMeta struct {
	ContentType  string               `json:"contentType,omitempty"`
	CacheControl string               `json:"cacheControl,omitempty"`
	UserMetadata map[string]string    `json:"userMetadata,omitempty"`
	MultipartID  string               `json:"multipartId,omitempty"`
	PrevVersion  string               `json:"prevVersion,omitempty"`
	Parts        []backend.UploadPart `json:"parts,omitempty"`
}

// Upload is one resumable upload's durable state.
type Upload struct {
	ID        UploadID
	Offset    int64
	Length    *int64
	Owner     *string
	IsUpsert  bool
	Meta      uploadMeta
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Done reports whether every declared byte has arrived. Uploads with a
// deferred length are never done until the client commits a length.
func (u *Upload) Done() bool {
	return u.Length != nil && u.Offset >= *u.Length
}

func insertUpload(ctx context.Context, q *database.Tx, u *Upload) error {
	meta, err := json.Marshal(u.Meta)
	if err != nil {
		return apierr.Internal(err)
	}
	_, err = q.Pgx().Exec(ctx, `
		INSERT INTO tus_uploads
			(id, bucket_id, object_name, version, owner_id, is_upsert,
			 upload_offset, upload_length, metadata, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		u.ID.String(), u.ID.Bucket, u.ID.ObjectName, u.ID.Version,
		u.Owner, u.IsUpsert, u.Offset, u.Length, meta, u.ExpiresAt)
	if err != nil {
		return apierr.Wrap(apierr.CodeInternalError, "persisting upload state", err)
	}
	return nil
}

func getUpload(ctx context.Context, q *database.Tx, id UploadID) (*Upload, error) {
	u := &Upload{ID: id}
	var meta []byte
	err := q.Pgx().QueryRow(ctx, `
		SELECT owner_id, is_upsert, upload_offset, upload_length, metadata,
		       created_at, expires_at
		FROM tus_uploads
		WHERE id = $1`,
		id.String(),
	).Scan(&u.Owner, &u.IsUpsert, &u.Offset, &u.Length, &meta,
		&u.CreatedAt, &u.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apierr.Newf(apierr.CodeObjectNotFound, "upload %q not found", id.Encode())
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternalError, "loading upload state", err)
	}
	if time.Now().After(u.ExpiresAt) {
		return nil, apierr.Newf(apierr.CodeObjectNotFound, "upload %q has expired", id.Encode())
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &u.Meta); err != nil {
			return nil, apierr.Internal(err)
		}
	}
	return u, nil
}

func updateUploadProgress(ctx context.Context, q *database.Tx, u *Upload) error {
	meta, err := json.Marshal(u.Meta)
	if err != nil {
		return apierr.Internal(err)
	}
	tag, err := q.Pgx().Exec(ctx, `
		UPDATE tus_uploads
		SET upload_offset = $2, upload_length = $3, metadata = $4
		WHERE id = $1`,
		u.ID.String(), u.Offset, u.Length, meta)
	if err != nil {
		return apierr.Wrap(apierr.CodeInternalError, "persisting upload progress", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.Newf(apierr.CodeObjectNotFound, "upload %q not found", u.ID.Encode())
	}
	return nil
}

func deleteUpload(ctx context.Context, q *database.Tx, id UploadID) error {
	_, err := q.Pgx().Exec(ctx, `DELETE FROM tus_uploads WHERE id = $1`, id.String())
	if err != nil {
		return apierr.Wrap(apierr.CodeInternalError, "deleting upload state", err)
	}
	return nil
}

// ExpiredUpload carries what the reaper needs to abort a lapsed upload at
// the backend.
type ExpiredUpload struct {
	ID          UploadID
	MultipartID string
}

// ReapExpired removes lapsed upload rows and returns them so the caller can
// abort the matching backend multipart uploads.
func ReapExpired(ctx context.Context, conn *database.TenantConnection, limit int) ([]ExpiredUpload, error) {
	if limit <= 0 {
		limit = 100
	}

	var expired []ExpiredUpload
	err := conn.AsSuperUser().WithTransaction(ctx, func(q *database.Tx) error {
		rows, err := q.Pgx().Query(ctx, `
			DELETE FROM tus_uploads
			WHERE id IN (
				SELECT id FROM tus_uploads
				WHERE expires_at < now()
				ORDER BY expires_at
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, metadata`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var raw string
			var meta []byte
			if err := rows.Scan(&raw, &meta); err != nil {
				return err
			}
			var m uploadMeta
			if len(meta) > 0 {
				if err := json.Unmarshal(meta, &m); err != nil {
					continue
				}
			}
			id, perr := parseRawUploadID(raw)
			if perr != nil {
				continue
			}
			expired = append(expired, ExpiredUpload{ID: id, MultipartID: m.MultipartID})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}
