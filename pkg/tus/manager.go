package tus

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/harborview/stowage/internal/logger"
	"github.com/harborview/stowage/pkg/apierr"
	"github.com/harborview/stowage/pkg/database"
	"github.com/harborview/stowage/pkg/hashspill"
	"github.com/harborview/stowage/pkg/storage"
)

// Manager drives the resumable upload lifecycle. It is safe for concurrent
// use; per-request tenant scope arrives through the storage facade passed
// to each call.
type Manager struct {
	locker Locker
	// maxSize caps any single resumable upload, advertised as Tus-Max-Size.
	// Zero means only tenant and bucket limits apply.
	maxSize int64
	expiry  time.Duration
	// spillLimit bounds in-memory buffering while draining append bodies.
	spillLimit int64
	tmpRoot    string
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithMaxSize sets the protocol-level upload ceiling.
func WithMaxSize(n int64) ManagerOption { return func(m *Manager) { m.maxSize = n } }

// WithExpiry sets how long idle uploads live.
func WithExpiry(d time.Duration) ManagerOption { return func(m *Manager) { m.expiry = d } }

// WithSpill sets the spill sink limit and scratch directory.
func WithSpill(limit int64, tmpRoot string) ManagerOption {
	return func(m *Manager) {
		m.spillLimit = limit
		m.tmpRoot = tmpRoot
	}
}

// NewManager builds a Manager on the given locker.
func NewManager(locker Locker, opts ...ManagerOption) *Manager {
	m := &Manager{
		locker:     locker,
		expiry:     DefaultExpiry,
		spillLimit: 50 << 20,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MaxSize reports the protocol ceiling, zero meaning unset.
func (m *Manager) MaxSize() int64 { return m.maxSize }

// CreateParams describes a new resumable upload.
type CreateParams struct {
	Bucket     string
	ObjectName string
	// Length is the declared total size, nil when the client defers it.
	Length   *int64
	Metadata map[string]string
	Owner    *string
	IsUpsert bool
}

// Create stages a new resumable upload: it authorizes the write, reserves
// the object version, opens the backend multipart upload, and persists the
// upload row.
func (m *Manager) Create(ctx context.Context, st *storage.Storage, p CreateParams) (*Upload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var bucket *database.Bucket
	err := st.Database().WithTransaction(ctx, func(q *database.Tx) error {
		var err error
		bucket, err = q.GetBucket(ctx, p.Bucket)
		return err
	})
	if err != nil {
		return nil, err
	}

	contentType := p.Metadata["contentType"]
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := storage.ValidateMimeType(contentType, bucket.AllowedMimeTypes); err != nil {
		return nil, err
	}

	ceiling := m.ceiling(st, bucket)
	if p.Length != nil && ceiling > 0 && *p.Length > ceiling {
		return nil, apierr.EntityTooLarge(*p.Length, ceiling)
	}

	target := storage.UploadTarget{
		BucketID:   p.Bucket,
		ObjectName: p.ObjectName,
		Owner:      p.Owner,
		IsUpsert:   p.IsUpsert,
	}
	if err := st.CanUpload(ctx, target); err != nil {
		return nil, err
	}
	version, prevVersion, err := st.PrepareUpload(ctx, target)
	if err != nil {
		return nil, err
	}

	cacheControl := storage.NormalizeCacheControl(p.Metadata["cacheControl"])
	key := st.ObjectKey(p.Bucket, p.ObjectName)
	multipartID, err := st.Driver().CreateMultipartUpload(ctx, key, version, contentType, cacheControl)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	u := &Upload{
		ID: UploadID{
			Tenant:     st.Tenant().ID,
			Bucket:     p.Bucket,
			ObjectName: p.ObjectName,
			Version:    version,
		},
		Length:   p.Length,
		Owner:    p.Owner,
		IsUpsert: p.IsUpsert,
		Meta: uploadMeta{
			ContentType:  contentType,
			CacheControl: cacheControl,
			UserMetadata: userMetadataOf(p.Metadata),
			MultipartID:  multipartID,
			PrevVersion:  prevVersion,
		},
		CreatedAt: now,
		ExpiresAt: now.Add(m.expiry),
	}

	err = st.Database().AsSuperUser().WithTransaction(ctx, func(q *database.Tx) error {
		return insertUpload(ctx, q, u)
	})
	if err != nil {
		abortCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if aerr := st.Driver().AbortMultipartUpload(abortCtx, key, version, multipartID); aerr != nil {
			logger.Warn("aborting orphaned multipart upload",
				logger.KeyUploadID, u.ID.Encode(), logger.KeyError, aerr)
		}
		return nil, err
	}
	return u, nil
}

// Status returns the upload's current state for HEAD requests.
func (m *Manager) Status(ctx context.Context, st *storage.Storage, id UploadID) (*Upload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if id.Tenant != st.Tenant().ID {
		return nil, apierr.Newf(apierr.CodeObjectNotFound, "upload %q not found", id.Encode())
	}

	var u *Upload
	err := st.Database().AsSuperUser().WithTransaction(ctx, func(q *database.Tx) error {
		var err error
		u, err = getUpload(ctx, q, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Append writes one chunk at the given offset under the upload lock. A
// non-nil commitLength commits a previously deferred total length. When the
// final byte lands, the object is completed through the standard pipeline
// and returned.
func (m *Manager) Append(ctx context.Context, st *storage.Storage, id UploadID, offset int64, commitLength *int64, body io.Reader) (*Upload, *database.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if id.Tenant != st.Tenant().ID {
		return nil, nil, apierr.Newf(apierr.CodeObjectNotFound, "upload %q not found", id.Encode())
	}

	// Another process wanting this lock cancels us; the client resumes from
	// the persisted offset.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unlock, err := m.locker.Lock(ctx, id.Encode(), cancel)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		unlockCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
		defer c()
		if err := unlock(unlockCtx); err != nil {
			logger.Warn("releasing upload lock", logger.KeyUploadID, id.Encode(), logger.KeyError, err)
		}
	}()

	u, err := m.Status(ctx, st, id)
	if err != nil {
		return nil, nil, err
	}
	if u.Offset != offset {
		return nil, nil, apierr.Newf(apierr.CodeConflict,
			"offset mismatch: upload is at %d, request resumes at %d", u.Offset, offset)
	}
	if commitLength != nil {
		if u.Length != nil && *u.Length != *commitLength {
			return nil, nil, apierr.Newf(apierr.CodeInvalidParameter,
				"upload length already committed as %d", *u.Length)
		}
		u.Length = commitLength
	}

	// Authorization runs on every request, not just creation.
	if err := st.CanUpload(ctx, storage.UploadTarget{
		BucketID:   id.Bucket,
		ObjectName: id.ObjectName,
		Owner:      u.Owner,
		IsUpsert:   u.IsUpsert,
	}); err != nil {
		return nil, nil, err
	}

	size, err := m.drainChunk(ctx, st, u, body)
	if err != nil {
		return nil, nil, err
	}
	u.Offset += size

	err = st.Database().AsSuperUser().WithTransaction(ctx, func(q *database.Tx) error {
		return updateUploadProgress(ctx, q, u)
	})
	if err != nil {
		return nil, nil, err
	}

	if !u.Done() {
		return u, nil, nil
	}
	obj, err := m.conclude(ctx, st, u)
	if err != nil {
		return nil, nil, err
	}
	return u, obj, nil
}

// drainChunk buffers the chunk through the spill sink, enforces the size
// ceiling before any backend write, and uploads it as the next part.
func (m *Manager) drainChunk(ctx context.Context, st *storage.Storage, u *Upload, body io.Reader) (int64, error) {
	ceiling, err := st.SizeCeiling(ctx, u.ID.Bucket)
	if err != nil {
		return 0, err
	}
	if m.maxSize > 0 && (ceiling == 0 || m.maxSize < ceiling) {
		ceiling = m.maxSize
	}

	sink := hashspill.New(m.spillLimit, m.tmpRoot)
	defer sink.Cleanup()

	capped := body
	if ceiling > 0 {
		capped = io.LimitReader(body, ceiling-u.Offset+1)
	}
	if _, err := io.Copy(sink, capped); err != nil {
		return 0, err
	}
	if err := sink.Finish(); err != nil {
		return 0, err
	}

	size := sink.Size()
	if ceiling > 0 && u.Offset+size > ceiling {
		return 0, apierr.EntityTooLarge(u.Offset+size, ceiling)
	}
	if u.Length != nil && u.Offset+size > *u.Length {
		return 0, apierr.Newf(apierr.CodeInvalidParameter,
			"chunk exceeds the declared upload length %d", *u.Length)
	}
	if size == 0 {
		return 0, nil
	}

	replay, err := sink.ToReadable(hashspill.ReadableOptions{})
	if err != nil {
		return 0, err
	}
	defer replay.Close()

	key := st.ObjectKey(u.ID.Bucket, u.ID.ObjectName)
	part, err := st.Driver().UploadPart(ctx, key, u.ID.Version, u.Meta.MultipartID,
		int32(len(u.Meta.Parts)+1), replay, size)
	if err != nil {
		return 0, err
	}
	u.Meta.Parts = append(u.Meta.Parts, part)
	return size, nil
}

// conclude stitches the parts together and promotes the blob to a committed
// object through the standard completion path.
func (m *Manager) conclude(ctx context.Context, st *storage.Storage, u *Upload) (*database.Object, error) {
	key := st.ObjectKey(u.ID.Bucket, u.ID.ObjectName)
	if _, err := st.Driver().CompleteMultipartUpload(ctx, key, u.ID.Version, u.Meta.MultipartID, u.Meta.Parts); err != nil {
		return nil, err
	}

	var userMeta []byte
	if len(u.Meta.UserMetadata) > 0 {
		userMeta, _ = json.Marshal(u.Meta.UserMetadata)
	}
	obj, err := st.CompleteUpload(ctx, storage.CompleteUploadParams{
		BucketID:     u.ID.Bucket,
		ObjectName:   u.ID.ObjectName,
		Version:      u.ID.Version,
		PrevVersion:  u.Meta.PrevVersion,
		IsUpsert:     u.IsUpsert,
		UploadType:   storage.UploadTypeResumable,
		Owner:        u.Owner,
		UserMetadata: userMeta,
	})
	if err != nil {
		return nil, err
	}

	err = st.Database().AsSuperUser().WithTransaction(ctx, func(q *database.Tx) error {
		return deleteUpload(ctx, q, u.ID)
	})
	if err != nil {
		logger.Warn("removing finished upload state",
			logger.KeyUploadID, u.ID.Encode(), logger.KeyError, err)
	}
	return obj, nil
}

// Terminate aborts an in-progress upload: the backend multipart upload is
// abandoned, the staged object row is unwound, and the state row removed.
func (m *Manager) Terminate(ctx context.Context, st *storage.Storage, id UploadID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id.Tenant != st.Tenant().ID {
		return apierr.Newf(apierr.CodeObjectNotFound, "upload %q not found", id.Encode())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unlock, err := m.locker.Lock(ctx, id.Encode(), cancel)
	if err != nil {
		return err
	}
	defer func() {
		unlockCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
		defer c()
		_ = unlock(unlockCtx)
	}()

	u, err := m.Status(ctx, st, id)
	if err != nil {
		return err
	}

	key := st.ObjectKey(id.Bucket, id.ObjectName)
	if u.Meta.MultipartID != "" {
		if err := st.Driver().AbortMultipartUpload(ctx, key, id.Version, u.Meta.MultipartID); err != nil && !apierr.IsNotFound(err) {
			return err
		}
	}

	return st.Database().AsSuperUser().WithTransaction(ctx, func(q *database.Tx) error {
		if err := unwindStagedObject(ctx, q, u); err != nil {
			return err
		}
		return deleteUpload(ctx, q, id)
	})
}

// unwindStagedObject reverses what PrepareUpload staged: a brand new object
// row is deleted outright, an upserted row is pointed back at the version it
// still physically has.
func unwindStagedObject(ctx context.Context, q *database.Tx, u *Upload) error {
	if u.IsUpsert && u.Meta.PrevVersion != "" {
		_, err := q.Pgx().Exec(ctx, `
			UPDATE objects
			SET version = $3
			WHERE bucket_id = $1 AND name = $2 AND version = $4`,
			u.ID.Bucket, u.ID.ObjectName, u.Meta.PrevVersion, u.ID.Version)
		return err
	}

	if err := q.EnableDirectDelete(ctx); err != nil {
		return err
	}
	_, err := q.Pgx().Exec(ctx, `
		DELETE FROM objects
		WHERE bucket_id = $1 AND name = $2 AND version = $3`,
		u.ID.Bucket, u.ID.ObjectName, u.ID.Version)
	return err
}

func (m *Manager) ceiling(st *storage.Storage, bucket *database.Bucket) int64 {
	ceiling := st.Tenant().EffectiveSizeLimit(bucket.FileSizeLimit)
	if m.maxSize > 0 && (ceiling == 0 || m.maxSize < ceiling) {
		ceiling = m.maxSize
	}
	return ceiling
}

// userMetadataOf strips protocol keys from the client metadata, leaving
// only user-provided pairs.
func userMetadataOf(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		switch k {
		case "contentType", "cacheControl", "bucketName", "objectName":
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
