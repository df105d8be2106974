package storage

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/harborview/stowage/internal/logger"
	"github.com/harborview/stowage/pkg/apierr"
	"github.com/harborview/stowage/pkg/database"
	"github.com/harborview/stowage/pkg/events"
	"github.com/harborview/stowage/pkg/hashspill"
)

// UploadType distinguishes the three ingestion paths at completion time.
type UploadType string

const (
	UploadTypePlain     UploadType = "plain"
	UploadTypeMultipart UploadType = "multipart"
	UploadTypeResumable UploadType = "resumable"
)

// errProbe forces a rollback after a permission probe succeeded.
var errProbe = errors.New("permission probe")

// UploadTarget identifies where an upload wants to land.
type UploadTarget struct {
	BucketID   string
	ObjectName string
	Owner      *string
	IsUpsert   bool
}

// CanUpload decides whether the caller may INSERT (new object) or UPDATE
// (upsert) the target. It probes by staging the write inside a transaction
// that always rolls back, so row-level policies give the real answer without
// leaving state behind.
func (s *Storage) CanUpload(ctx context.Context, t UploadTarget) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.WithTransaction(ctx, func(q *database.Tx) error {
		_, err := q.PrepareObject(ctx, database.PrepareObjectParams{
			BucketID: t.BucketID,
			Name:     t.ObjectName,
			Version:  uuid.NewString(),
			OwnerID:  t.Owner,
			IsUpsert: t.IsUpsert,
		})
		if err != nil {
			return err
		}
		return errProbe
	})
	if errors.Is(err, errProbe) {
		return nil
	}
	return err
}

// PrepareUpload stages the object row for a new version under the advisory
// lock for (bucket, name, version). It returns the new version and, for
// upserts, the version being superseded.
func (s *Storage) PrepareUpload(ctx context.Context, t UploadTarget) (version, prevVersion string, err error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	version = uuid.NewString()
	err = s.db.WithTransaction(ctx, func(q *database.Tx) error {
		if err := q.LockObject(ctx, t.BucketID, t.ObjectName, version); err != nil {
			return err
		}
		var err error
		prevVersion, err = q.PrepareObject(ctx, database.PrepareObjectParams{
			BucketID: t.BucketID,
			Name:     t.ObjectName,
			Version:  version,
			OwnerID:  t.Owner,
			IsUpsert: t.IsUpsert,
		})
		return err
	})
	if err != nil {
		return "", "", err
	}
	return version, prevVersion, nil
}

// ValidateMimeType matches a content type against a bucket's allow list.
// Patterns are "*/*", "type/*", or exact "type/subtype". An empty list
// allows everything.
func ValidateMimeType(contentType string, allowedPatterns []string) error {
	if len(allowedPatterns) == 0 {
		return nil
	}

	mime := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}

	for _, pattern := range allowedPatterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		switch {
		case pattern == "*/*":
			return nil
		case strings.HasSuffix(pattern, "/*"):
			if strings.HasPrefix(mime, strings.TrimSuffix(pattern, "*")) {
				return nil
			}
		case pattern == mime:
			return nil
		}
	}
	return apierr.InvalidMimeType(contentType)
}

// CompleteUploadParams finalizes an upload whose blob already sits at
// {key}/{version}.
type CompleteUploadParams struct {
	BucketID     string
	ObjectName   string
	Version      string
	PrevVersion  string
	IsUpsert     bool
	UploadType   UploadType
	Owner        *string
	UserMetadata []byte
}

// CompleteUpload commits the object row, the lifecycle event, and the
// superseded-blob cleanup in one transaction boundary: row and event commit
// together; the old blob is deleted only after that commit. The blob at the
// new version must exist; its head metadata becomes the row's metadata.
func (s *Storage) CompleteUpload(ctx context.Context, p CompleteUploadParams) (*database.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := s.ObjectKey(p.BucketID, p.ObjectName)
	meta, err := s.driver.Head(ctx, key, p.Version)
	if err != nil {
		return nil, err
	}

	if err := s.checkQuota(ctx, p.BucketID, meta.ContentLength); err != nil {
		s.scheduleBlobDeletion(p.BucketID, p.ObjectName, p.Version)
		return nil, err
	}

	eventType := events.ObjectCreatedPost
	if p.IsUpsert {
		eventType = events.ObjectCreatedPut
	}

	var obj *database.Object
	err = s.db.WithTransaction(ctx, func(q *database.Tx) error {
		if err := q.MustLockObject(ctx, p.BucketID, p.ObjectName, p.Version); err != nil {
			return err
		}

		var err error
		obj, err = q.CommitObject(ctx, database.CommitObjectParams{
			BucketID:     p.BucketID,
			Name:         p.ObjectName,
			Version:      p.Version,
			Metadata:     metadataFromBackend(meta),
			UserMetadata: p.UserMetadata,
			OwnerID:      p.Owner,
		})
		if err != nil {
			return err
		}

		return events.Emit(ctx, q, eventType, events.Payload{
			BucketID: p.BucketID,
			Name:     p.ObjectName,
			Metadata: obj.Metadata,
			Tenant:   s.tenant.ID,
			ReqID:    s.reqID,
		})
	})
	if err != nil {
		// The new blob never became current; remove it, never the previous.
		s.scheduleBlobDeletion(p.BucketID, p.ObjectName, p.Version)
		return nil, err
	}

	if p.PrevVersion != "" && p.PrevVersion != p.Version {
		s.scheduleBlobDeletion(p.BucketID, p.ObjectName, p.PrevVersion)
	}

	s.log.Info("upload completed",
		logger.KeyBucket, p.BucketID,
		logger.KeyObject, p.ObjectName,
		logger.KeyVersion, p.Version,
		logger.KeySize, meta.ContentLength,
		logger.KeyOperation, string(p.UploadType))
	return obj, nil
}

// UploadParams drives the plain single-request upload pipeline.
type UploadParams struct {
	BucketID     string
	ObjectName   string
	ContentType  string
	CacheControl string
	// DeclaredSize is the transport's Content-Length, or -1 when unknown.
	DeclaredSize int64
	Owner        *string
	IsUpsert     bool
	UserMetadata []byte
	// SpillLimit bounds in-memory buffering for unknown-length uploads.
	// Zero means 50 MiB.
	SpillLimit int64
	// TmpRoot hosts spill directories. Empty means the OS temp dir.
	TmpRoot string
}

// Upload runs the full plain pipeline: authorize, stage, enforce quota,
// write the blob, and complete. Unknown-length bodies are drained through a
// hashing spill sink first so the size cap is enforced before any backend
// write happens.
func (s *Storage) Upload(ctx context.Context, body io.Reader, p UploadParams) (*database.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bucket, err := s.getBucket(ctx, p.BucketID)
	if err != nil {
		return nil, err
	}
	if err := ValidateMimeType(p.ContentType, bucket.AllowedMimeTypes); err != nil {
		return nil, err
	}

	limit := s.tenant.EffectiveSizeLimit(bucket.FileSizeLimit)
	if limit > 0 && p.DeclaredSize > limit {
		return nil, apierr.EntityTooLarge(p.DeclaredSize, limit)
	}

	target := UploadTarget{
		BucketID:   p.BucketID,
		ObjectName: p.ObjectName,
		Owner:      p.Owner,
		IsUpsert:   p.IsUpsert,
	}
	if err := s.CanUpload(ctx, target); err != nil {
		return nil, err
	}

	version, prevVersion, err := s.PrepareUpload(ctx, target)
	if err != nil {
		return nil, err
	}

	reader := body
	var sink *hashspill.Sink
	if p.DeclaredSize < 0 {
		// Unknown length: drain through the spill sink so the cap applies
		// before bytes reach the backend.
		spillLimit := p.SpillLimit
		if spillLimit <= 0 {
			spillLimit = 50 << 20
		}
		sink = hashspill.New(spillLimit, p.TmpRoot)
		defer sink.Cleanup()

		capped := body
		if limit > 0 {
			capped = io.LimitReader(body, limit+1)
		}
		if _, err := io.Copy(sink, capped); err != nil {
			return nil, err
		}
		if err := sink.Finish(); err != nil {
			return nil, err
		}
		if limit > 0 && sink.Size() > limit {
			return nil, apierr.EntityTooLarge(sink.Size(), limit)
		}
		replay, err := sink.ToReadable(hashspill.ReadableOptions{})
		if err != nil {
			return nil, err
		}
		defer replay.Close()
		reader = replay
	} else if limit > 0 {
		reader = io.LimitReader(body, limit+1)
	}

	key := s.ObjectKey(p.BucketID, p.ObjectName)
	meta, err := s.driver.Write(ctx, key, version, reader, p.ContentType, p.CacheControl, nil)
	if err != nil {
		return nil, err
	}
	if limit > 0 && meta.ContentLength > limit {
		s.scheduleBlobDeletion(p.BucketID, p.ObjectName, version)
		return nil, apierr.EntityTooLarge(meta.ContentLength, limit)
	}

	return s.CompleteUpload(ctx, CompleteUploadParams{
		BucketID:     p.BucketID,
		ObjectName:   p.ObjectName,
		Version:      version,
		PrevVersion:  prevVersion,
		IsUpsert:     p.IsUpsert,
		UploadType:   UploadTypePlain,
		Owner:        p.Owner,
		UserMetadata: p.UserMetadata,
	})
}

// SizeCeiling resolves the effective upload cap for a bucket: the tighter
// of the bucket and tenant limits, zero meaning uncapped.
func (s *Storage) SizeCeiling(ctx context.Context, bucketID string) (int64, error) {
	bucket, err := s.getBucket(ctx, bucketID)
	if err != nil {
		return 0, err
	}
	return s.tenant.EffectiveSizeLimit(bucket.FileSizeLimit), nil
}

func (s *Storage) getBucket(ctx context.Context, bucketID string) (*database.Bucket, error) {
	var bucket *database.Bucket
	err := s.db.WithTransaction(ctx, func(q *database.Tx) error {
		var err error
		bucket, err = q.GetBucket(ctx, bucketID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return bucket, nil
}

func (s *Storage) checkQuota(ctx context.Context, bucketID string, size int64) error {
	limit, err := s.SizeCeiling(ctx, bucketID)
	if err != nil {
		return err
	}
	if limit > 0 && size > limit {
		return apierr.EntityTooLarge(size, limit)
	}
	return nil
}

// NormalizeCacheControl turns the resumable protocol's cache-control
// metadata into a header value: a bare integer means max-age seconds,
// anything else falls back to no-cache.
func NormalizeCacheControl(raw string) string {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
		return "max-age=" + raw
	}
	return "no-cache"
}
