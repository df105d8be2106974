package logger

import (
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that logs can be
// aggregated and queried per tenant, bucket, and request.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Request
	// ========================================================================
	KeyRequestID = "request_id" // Gateway request id (X-Request-Id)
	KeyTenantID  = "tenant_id"  // Tenant the request is scoped to
	KeyClientIP  = "client_ip"  // Client IP address
	KeyMethod    = "method"     // HTTP method
	KeyPath      = "path"       // Request path
	KeyStatus    = "status"     // HTTP status code
	KeyRole      = "role"       // Authenticated role: anon, authenticated, service_role

	// ========================================================================
	// Storage Objects
	// ========================================================================
	KeyBucket    = "bucket"     // Bucket id
	KeyObject    = "object"     // Object name within the bucket
	KeyVersion   = "version"    // Object version UUID
	KeySize      = "size"       // Byte count
	KeyMimeType  = "mime_type"  // Object content type
	KeyUploadID  = "upload_id"  // Resumable upload id
	KeyOwner     = "owner"      // Object owner id
	KeyETag      = "etag"       // Backend entity tag
	KeySourceKey = "source_key" // Source key for copy/move operations
	KeyDestKey   = "dest_key"   // Destination key for copy/move operations

	// ========================================================================
	// Blob Backend
	// ========================================================================
	KeyBackend    = "backend"     // Backend driver: s3, file
	KeyKey        = "key"         // Object key at the backend
	KeyRegion     = "region"      // Cloud region
	KeyAttempt    = "attempt"     // Retry attempt number
	KeyMaxRetries = "max_retries" // Maximum retry attempts

	// ========================================================================
	// Database
	// ========================================================================
	KeyDatabase  = "database"  // Database name or pool key
	KeyPoolSize  = "pool_size" // Current pool size
	KeySuperUser = "superuser" // Whether the transaction bypasses row policies

	// ========================================================================
	// Locking & Sharding
	// ========================================================================
	KeyLockID     = "lock_id"     // Resumable upload lock id
	KeyLockHolder = "lock_holder" // Holder id for backend locks
	KeyShardKey   = "shard_key"   // Physical shard key
	KeySlot       = "slot"        // Slot number within a shard
	KeyResourceID = "resource_id" // Logical resource id bound to a slot
	KeyKind       = "kind"        // Sharded resource kind

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyErrorCode  = "error_code"  // Renderable error code
	KeyEvent      = "event"       // Lifecycle event name
	KeyComponent  = "component"   // Emitting component
	KeyOperation  = "operation"   // Sub-operation name for compound operations
)

// ============================================================================
// Field constructors for type safety
// ============================================================================

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// RequestID returns a slog.Attr for the gateway request id
func RequestID(id string) slog.Attr {
	return slog.String(KeyRequestID, id)
}

// TenantID returns a slog.Attr for the tenant id
func TenantID(id string) slog.Attr {
	return slog.String(KeyTenantID, id)
}

// Bucket returns a slog.Attr for the bucket id
func Bucket(id string) slog.Attr {
	return slog.String(KeyBucket, id)
}

// Object returns a slog.Attr for the object name
func Object(name string) slog.Attr {
	return slog.String(KeyObject, name)
}

// Version returns a slog.Attr for the object version
func Version(v string) slog.Attr {
	return slog.String(KeyVersion, v)
}

// Size returns a slog.Attr for a byte count
func Size(n int64) slog.Attr {
	return slog.Int64(KeySize, n)
}

// UploadID returns a slog.Attr for a resumable upload id
func UploadID(id string) slog.Attr {
	return slog.String(KeyUploadID, id)
}

// DurationMs returns a slog.Attr for an operation duration in milliseconds
func DurationMs(ms int64) slog.Attr {
	return slog.Int64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error message
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
