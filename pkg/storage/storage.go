// Package storage orchestrates object operations: it owns the ordering
// between blob writes at the backend and metadata commits in the store, and
// emits lifecycle events inside the committing transaction. The rule that
// keeps readers consistent: blobs are written before their row points at
// them, and superseded blobs are deleted only after the commit that
// supersedes them.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/harborview/stowage/internal/logger"
	"github.com/harborview/stowage/pkg/apierr"
	"github.com/harborview/stowage/pkg/backend"
	"github.com/harborview/stowage/pkg/database"
	"github.com/harborview/stowage/pkg/events"
	"github.com/harborview/stowage/pkg/tenant"
)

// Storage is a request-scoped façade over one tenant's metadata store and
// blob backend.
type Storage struct {
	db     *database.TenantConnection
	driver backend.Driver
	tenant *tenant.Tenant
	reqID  string
	log    *slog.Logger
}

// New builds the façade for one request.
func New(db *database.TenantConnection, driver backend.Driver, tn *tenant.Tenant, reqID string) *Storage {
	return &Storage{
		db:     db,
		driver: driver,
		tenant: tn,
		reqID:  reqID,
		log: logger.With(
			logger.KeyComponent, "storage",
			logger.KeyTenantID, tn.ID,
		),
	}
}

// ObjectKey is the logical backend key for an object; drivers append the
// version to locate the physical blob.
func (s *Storage) ObjectKey(bucketID, objectName string) string {
	return fmt.Sprintf("%s/%s/%s", s.tenant.ID, bucketID, objectName)
}

// Database exposes the scoped connection for collaborators composing their
// own transactions, such as the resumable upload subsystem.
func (s *Storage) Database() *database.TenantConnection {
	return s.db
}

// Driver exposes the blob backend.
func (s *Storage) Driver() backend.Driver {
	return s.driver
}

// Tenant exposes the resolved tenant record.
func (s *Storage) Tenant() *tenant.Tenant {
	return s.tenant
}

// GetObject resolves the object row and streams its blob, honoring an
// optional byte range.
func (s *Storage) GetObject(ctx context.Context, bucketID, objectName string, rng *backend.Range) (*database.Object, *backend.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var obj *database.Object
	err := s.db.WithTransaction(ctx, func(q *database.Tx) error {
		var err error
		obj, err = q.FindObject(ctx, bucketID, objectName)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	blob, err := s.driver.Read(ctx, s.ObjectKey(bucketID, objectName), obj.Version, rng)
	if err != nil {
		return nil, nil, err
	}
	return obj, blob, nil
}

// HeadObject returns the row and blob metadata without the body.
func (s *Storage) HeadObject(ctx context.Context, bucketID, objectName string) (*database.Object, backend.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend.Metadata{}, err
	}

	var obj *database.Object
	err := s.db.WithTransaction(ctx, func(q *database.Tx) error {
		var err error
		obj, err = q.FindObject(ctx, bucketID, objectName)
		return err
	})
	if err != nil {
		return nil, backend.Metadata{}, err
	}

	meta, err := s.driver.Head(ctx, s.ObjectKey(bucketID, objectName), obj.Version)
	if err != nil {
		return nil, backend.Metadata{}, err
	}
	return obj, meta, nil
}

// SignedDownloadURL mints a backend-presigned URL for direct download.
func (s *Storage) SignedDownloadURL(ctx context.Context, bucketID, objectName string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var obj *database.Object
	err := s.db.WithTransaction(ctx, func(q *database.Tx) error {
		var err error
		obj, err = q.FindObject(ctx, bucketID, objectName)
		return err
	})
	if err != nil {
		return "", err
	}
	return s.driver.PrivateAssetURL(ctx, s.ObjectKey(bucketID, objectName), obj.Version, ttl)
}

// ListObjects pages through a bucket with delimiter collapsing.
func (s *Storage) ListObjects(ctx context.Context, bucketID string, opts database.ListOptions) (*database.ObjectList, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var list *database.ObjectList
	err := s.db.WithTransaction(ctx, func(q *database.Tx) error {
		var err error
		if opts.Delimiter != "" {
			list, err = q.ListObjectsWithDelimiter(ctx, bucketID, opts)
			return err
		}
		objects, next, err := q.SearchObjects(ctx, bucketID, opts)
		if err != nil {
			return err
		}
		list = &database.ObjectList{Objects: objects, HasNext: next != "", NextCursor: next}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// DeleteObject removes one object: row first (authorized, event in the same
// transaction), then the blob.
func (s *Storage) DeleteObject(ctx context.Context, bucketID, objectName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var deleted *database.Object
	err := s.db.WithTransaction(ctx, func(q *database.Tx) error {
		var err error
		deleted, err = q.DeleteObject(ctx, bucketID, objectName)
		if err != nil {
			return err
		}
		return events.Emit(ctx, q, events.ObjectRemovedDelete, events.Payload{
			BucketID: bucketID,
			Name:     objectName,
			Tenant:   s.tenant.ID,
			ReqID:    s.reqID,
		})
	})
	if err != nil {
		return err
	}

	s.scheduleBlobDeletion(bucketID, objectName, deleted.Version)
	return nil
}

// DeleteObjects removes a batch. Names without rows are skipped. Returns the
// objects actually removed.
func (s *Storage) DeleteObjects(ctx context.Context, bucketID string, names []string) ([]database.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var deleted []database.Object
	err := s.db.WithTransaction(ctx, func(q *database.Tx) error {
		var err error
		deleted, err = q.DeleteObjects(ctx, bucketID, names)
		if err != nil {
			return err
		}
		for _, obj := range deleted {
			if err := events.Emit(ctx, q, events.ObjectRemovedDelete, events.Payload{
				BucketID: bucketID,
				Name:     obj.Name,
				Tenant:   s.tenant.ID,
				ReqID:    s.reqID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(deleted) > 0 {
		keys := make([]string, 0, len(deleted))
		for _, obj := range deleted {
			keys = append(keys, s.ObjectKey(bucketID, obj.Name)+"/"+obj.Version)
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := s.driver.DeleteMany(ctx, keys); err != nil {
				s.log.Error("failed to delete superseded blobs",
					logger.KeyBucket, bucketID, logger.KeyError, err)
			}
		}()
	}
	return deleted, nil
}

// CopyObject duplicates source to destination under a fresh version and
// emits ObjectCreated:Copy against the destination bucket.
func (s *Storage) CopyObject(ctx context.Context, srcBucket, srcName, dstBucket, dstName string, owner *string) (*database.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var src *database.Object
	err := s.db.WithTransaction(ctx, func(q *database.Tx) error {
		var err error
		src, err = q.FindObject(ctx, srcBucket, srcName)
		return err
	})
	if err != nil {
		return nil, err
	}

	newVersion := uuid.NewString()
	meta, err := s.driver.Copy(ctx,
		s.ObjectKey(srcBucket, srcName), src.Version,
		s.ObjectKey(dstBucket, dstName), newVersion,
	)
	if err != nil {
		return nil, err
	}

	var dst *database.Object
	err = s.db.WithTransaction(ctx, func(q *database.Tx) error {
		var err error
		dst, err = q.CommitObject(ctx, database.CommitObjectParams{
			BucketID:     dstBucket,
			Name:         dstName,
			Version:      newVersion,
			Metadata:     metadataFromBackend(meta),
			UserMetadata: src.UserMetadata,
			OwnerID:      owner,
		})
		if err != nil {
			return err
		}
		return events.Emit(ctx, q, events.ObjectCreatedCopy, events.Payload{
			BucketID: dstBucket,
			Name:     dstName,
			Metadata: dst.Metadata,
			Tenant:   s.tenant.ID,
			ReqID:    s.reqID,
		})
	})
	if err != nil {
		// The copied blob is orphaned; remove it.
		s.scheduleBlobDeletion(dstBucket, dstName, newVersion)
		return nil, err
	}
	return dst, nil
}

// MoveObject relocates an object, possibly across buckets. The blob is
// copied under a fresh version, the row is re-addressed in one transaction
// emitting both move events, and the source blob is deleted after commit.
func (s *Storage) MoveObject(ctx context.Context, srcBucket, srcName, dstBucket, dstName string, owner *string) (*database.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var src *database.Object
	err := s.db.WithTransaction(ctx, func(q *database.Tx) error {
		var err error
		src, err = q.FindObject(ctx, srcBucket, srcName)
		return err
	})
	if err != nil {
		return nil, err
	}

	newVersion := uuid.NewString()
	meta, err := s.driver.Copy(ctx,
		s.ObjectKey(srcBucket, srcName), src.Version,
		s.ObjectKey(dstBucket, dstName), newVersion,
	)
	if err != nil {
		return nil, err
	}

	var moved *database.Object
	err = s.db.WithTransaction(ctx, func(q *database.Tx) error {
		if err := q.MustLockObject(ctx, srcBucket, srcName, src.Version); err != nil {
			return err
		}

		var err error
		moved, err = q.UpdateObjectName(ctx, srcBucket, srcName, dstBucket, dstName, owner)
		if err != nil {
			return err
		}

		// Re-point the row at the copied blob.
		committed, err := q.CommitObject(ctx, database.CommitObjectParams{
			BucketID:     dstBucket,
			Name:         dstName,
			Version:      newVersion,
			Metadata:     metadataFromBackend(meta),
			UserMetadata: moved.UserMetadata,
			OwnerID:      moved.OwnerID,
		})
		if err != nil {
			return err
		}
		moved = committed

		if err := events.Emit(ctx, q, events.ObjectRemovedMove, events.Payload{
			BucketID: srcBucket,
			Name:     srcName,
			Tenant:   s.tenant.ID,
			ReqID:    s.reqID,
		}); err != nil {
			return err
		}
		return events.Emit(ctx, q, events.ObjectCreatedMove, events.Payload{
			BucketID: dstBucket,
			Name:     dstName,
			Metadata: moved.Metadata,
			Tenant:   s.tenant.ID,
			ReqID:    s.reqID,
			OldObject: &events.ObjectRef{
				BucketID: srcBucket,
				Name:     srcName,
			},
		})
	})
	if err != nil {
		s.scheduleBlobDeletion(dstBucket, dstName, newVersion)
		return nil, err
	}

	s.scheduleBlobDeletion(srcBucket, srcName, src.Version)
	return moved, nil
}

// scheduleBlobDeletion removes a blob after the transaction that orphaned it
// has committed. Failures are logged; a background reconciler can re-derive
// orphans by diffing backend keys against rows.
func (s *Storage) scheduleBlobDeletion(bucketID, objectName, version string) {
	key := s.ObjectKey(bucketID, objectName)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.driver.Delete(ctx, key, version); err != nil && !apierr.IsNotFound(err) {
			s.log.Error("failed to delete superseded blob",
				logger.KeyKey, key,
				logger.KeyVersion, version,
				logger.KeyError, err)
		}
	}()
}

func metadataFromBackend(meta backend.Metadata) *database.ObjectMetadata {
	return &database.ObjectMetadata{
		Size:           meta.ContentLength,
		ETag:           meta.ETag,
		Mimetype:       meta.ContentType,
		CacheControl:   meta.CacheControl,
		LastModified:   meta.LastModified.UTC().Format(time.RFC3339),
		ContentLength:  meta.ContentLength,
		HTTPStatusCode: meta.HTTPStatusCode,
	}
}
