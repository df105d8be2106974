// Package database provides typed access to the gateway's relational
// metadata store: buckets, objects, prefixes, shards, and the per-tenant
// connection manager with request-scoped authorization.
//
// Two access modes exist. In authorized mode every query runs inside a
// transaction whose session-local settings carry the caller's role and
// claims; Postgres row-level security policies evaluate them. Privileged
// transactions (AsSuperUser) switch to the service role and bypass policies;
// post-auth bookkeeping such as event emission and prefix maintenance uses
// them.
package database

import (
	"encoding/json"
	"time"
)

// BucketType distinguishes standard object buckets from analytics and
// vector-index buckets, which live on sharded backends.
type BucketType string

const (
	BucketTypeStandard  BucketType = "STANDARD"
	BucketTypeAnalytics BucketType = "ANALYTICS"
	BucketTypeVector    BucketType = "VECTOR"
)

// Bucket is a named container for objects within a tenant.
// The id and type fields are immutable after creation.
type Bucket struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	OwnerID          *string    `json:"owner,omitempty"`
	Public           bool       `json:"public"`
	FileSizeLimit    *int64     `json:"file_size_limit,omitempty"`
	AllowedMimeTypes []string   `json:"allowed_mime_types,omitempty"`
	CredentialID     *string    `json:"credential_id,omitempty"`
	Type             BucketType `json:"type"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ObjectMetadata is the system metadata recorded for a committed object,
// derived from the blob backend's head response.
type ObjectMetadata struct {
	Size           int64  `json:"size"`
	ETag           string `json:"eTag"`
	Mimetype       string `json:"mimetype"`
	CacheControl   string `json:"cacheControl"`
	LastModified   string `json:"lastModified"`
	ContentLength  int64  `json:"contentLength"`
	HTTPStatusCode int    `json:"httpStatusCode"`
}

// Object is a versioned blob with metadata, addressed by (bucket, name).
// Exactly one version is current; it corresponds to a committed blob at the
// backend key "{tenant}/{bucket}/{name}/{version}".
type Object struct {
	ID             string          `json:"id"`
	BucketID       string          `json:"bucket_id"`
	Name           string          `json:"name"`
	Version        string          `json:"version"`
	Metadata       *ObjectMetadata `json:"metadata,omitempty"`
	UserMetadata   json.RawMessage `json:"user_metadata,omitempty"`
	OwnerID        *string         `json:"owner,omitempty"`
	PathTokens     []string        `json:"path_tokens,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
}

// Prefix is a derived "folder" row: (bucket, name, level) where level is the
// number of '/'-separated segments in name.
type Prefix struct {
	BucketID  string    `json:"bucket_id"`
	Name      string    `json:"name"`
	Level     int       `json:"level"`
	CreatedAt time.Time `json:"created_at"`
}

// SortColumn selects the ordering key for object listings.
type SortColumn string

const (
	SortByName      SortColumn = "name"
	SortByCreatedAt SortColumn = "created_at"
	SortByUpdatedAt SortColumn = "updated_at"
)

// SortOrder selects ascending or descending listings.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// ListOptions controls cursor-paginated listings.
type ListOptions struct {
	Prefix    string
	Delimiter string
	Limit     int
	Cursor    string
	SortBy    SortColumn
	Order     SortOrder
}

// ObjectList is one page of a delimited listing: objects at this level,
// folder names derived from the prefix table, and the continuation cursor.
type ObjectList struct {
	Objects    []Object `json:"objects"`
	Folders    []string `json:"folders"`
	HasNext    bool     `json:"has_next"`
	NextCursor string   `json:"next_cursor,omitempty"`
}
