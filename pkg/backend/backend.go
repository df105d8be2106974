// Package backend defines the uniform contract over physical blob stores.
//
// Two drivers implement the contract: an S3-compatible driver (pkg/backend/s3)
// and a local filesystem driver (pkg/backend/file). Callers address blobs by
// a logical key ("{tenant}/{bucket}/{objectName}") plus a version; drivers
// derive the physical location as "{key}/{version}".
//
// All operations fail with a renderable error of kind NotFound, AccessDenied,
// BackendUnavailable, or Conflict. BackendUnavailable is retryable by policy;
// NotFound and AccessDenied are not.
package backend

import (
	"context"
	"io"
	"time"
)

// Metadata describes a stored blob as reported by the driver.
type Metadata struct {
	CacheControl   string
	ContentType    string
	ETag           string
	ContentLength  int64
	LastModified   time.Time
	ContentRange   string
	HTTPStatusCode int
}

// Object couples blob metadata with its byte stream. Body is nil for
// metadata-only responses (Head). The caller owns Body and must close it.
type Object struct {
	Metadata
	Body io.ReadCloser
}

// Range is an inclusive half-open byte range [Start, End).
type Range struct {
	Start int64
	End   int64
}

// UploadPart identifies one completed part of a multipart upload.
type UploadPart struct {
	PartNumber int32
	ETag       string
	Size       int64
}

// Driver is the uniform set of operations over a physical blob store.
// Implementations must be safe for concurrent use and must observe ctx
// cancellation on every network or disk touch.
type Driver interface {
	// Read streams the blob at key/version. A nil rng reads the whole blob.
	Read(ctx context.Context, key, version string, rng *Range) (*Object, error)

	// Write stores the stream at key/version and returns the resulting
	// metadata (size, eTag, lastModified).
	Write(ctx context.Context, key, version string, body io.Reader, contentType, cacheControl string, userMetadata map[string]string) (Metadata, error)

	// Head returns metadata without the body, or a NotFound error.
	Head(ctx context.Context, key, version string) (Metadata, error)

	// Copy duplicates src to dst and returns the destination metadata.
	Copy(ctx context.Context, srcKey, srcVersion, dstKey, dstVersion string) (Metadata, error)

	// Delete removes a single version of a key. Deleting a missing blob is
	// not an error.
	Delete(ctx context.Context, key, version string) error

	// DeleteMany removes a batch of fully qualified physical keys.
	DeleteMany(ctx context.Context, keys []string) error

	// PrivateAssetURL returns a time-limited URL for direct download.
	PrivateAssetURL(ctx context.Context, key, version string, ttl time.Duration) (string, error)

	Multipart
	ConditionalWriter
}

// Multipart covers the multipart upload lifecycle used by the resumable
// subsystem when the backend is S3-compatible.
type Multipart interface {
	CreateMultipartUpload(ctx context.Context, key, version, contentType, cacheControl string) (uploadID string, err error)
	UploadPart(ctx context.Context, key, version, uploadID string, partNumber int32, body io.Reader, length int64) (UploadPart, error)
	ListParts(ctx context.Context, key, version, uploadID string) ([]UploadPart, error)
	CompleteMultipartUpload(ctx context.Context, key, version, uploadID string, parts []UploadPart) (Metadata, error)
	AbortMultipartUpload(ctx context.Context, key, version, uploadID string) error
}

// ConditionalWriter supports create-if-absent semantics plus raw key
// enumeration. The resumable lock driver builds its mutual exclusion on it.
type ConditionalWriter interface {
	// PutIfAbsent writes the payload at a raw physical key only when no
	// object exists there, failing with a Conflict error otherwise.
	PutIfAbsent(ctx context.Context, rawKey string, body io.Reader) error

	// PutRaw overwrites the payload at a raw physical key.
	PutRaw(ctx context.Context, rawKey string, body io.Reader) error

	// ReadRaw fetches the payload at a raw physical key.
	ReadRaw(ctx context.Context, rawKey string) ([]byte, error)

	// DeleteRaw removes a raw physical key. Missing keys are not an error.
	DeleteRaw(ctx context.Context, rawKey string) error

	// ListRaw enumerates raw keys under a prefix.
	ListRaw(ctx context.Context, prefix string) ([]string, error)
}
