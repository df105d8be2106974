package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for gateway operations.
// These follow OpenTelemetry semantic conventions where applicable.
// Gateway-specific keys use the "storage." prefix.
const (
	// ========================================================================
	// Client attributes
	// ========================================================================
	AttrClientIP   = "client.ip"
	AttrClientAddr = "client.address"

	// ========================================================================
	// Tenant / auth attributes
	// ========================================================================
	AttrTenant = "tenant.id"
	AttrRole   = "auth.role"
	AttrOwner  = "auth.owner"

	// ========================================================================
	// Object attributes
	// ========================================================================
	AttrBucket     = "storage.bucket"
	AttrObject     = "storage.object"
	AttrVersion    = "storage.version"
	AttrKey        = "storage.key"
	AttrSize       = "storage.size"
	AttrMimeType   = "storage.mime_type"
	AttrUploadType = "storage.upload_type"
	AttrUploadID   = "storage.upload_id"
	AttrOffset     = "storage.offset"
	AttrRegion     = "storage.region"

	// ========================================================================
	// Database attributes
	// ========================================================================
	AttrDatabase  = "db.name"
	AttrSuperUser = "db.super_user"
	AttrLockKey   = "db.lock_key"

	// ========================================================================
	// Sharding attributes
	// ========================================================================
	AttrShardKey   = "shard.key"
	AttrShardSlot  = "shard.slot"
	AttrResourceID = "shard.resource_id"

	// ========================================================================
	// Event attributes
	// ========================================================================
	AttrEventType = "event.type"
	AttrEventID   = "event.id"
)

// Span names for operations.
// Format: <component>.<operation>
const (
	// ========================================================================
	// Object transfer spans
	// ========================================================================
	SpanObjectUpload   = "object.upload"
	SpanObjectDownload = "object.download"
	SpanObjectHead     = "object.head"
	SpanObjectDelete   = "object.delete"
	SpanObjectCopy     = "object.copy"
	SpanObjectMove     = "object.move"
	SpanObjectList     = "object.list"

	// ========================================================================
	// Resumable upload spans
	// ========================================================================
	SpanTusCreate    = "tus.create"
	SpanTusAppend    = "tus.append"
	SpanTusHead      = "tus.head"
	SpanTusTerminate = "tus.terminate"

	// ========================================================================
	// Internal operations
	// ========================================================================
	SpanBlobRead      = "blob.read"
	SpanBlobWrite     = "blob.write"
	SpanBlobDelete    = "blob.delete"
	SpanDBTransaction = "db.transaction"
	SpanDBMigrate     = "db.migrate"
	SpanShardReserve  = "shard.reserve"
	SpanShardConfirm  = "shard.confirm"
	SpanEventDispatch = "event.dispatch"
)

// ClientIP returns an attribute for client IP address
func ClientIP(ip string) attribute.KeyValue {
	return attribute.String(AttrClientIP, ip)
}

// Tenant returns an attribute for the tenant id
func Tenant(id string) attribute.KeyValue {
	return attribute.String(AttrTenant, id)
}

// Role returns an attribute for the caller's database role
func Role(role string) attribute.KeyValue {
	return attribute.String(AttrRole, role)
}

// Bucket returns an attribute for the bucket id
func Bucket(name string) attribute.KeyValue {
	return attribute.String(AttrBucket, name)
}

// Object returns an attribute for the object name
func Object(name string) attribute.KeyValue {
	return attribute.String(AttrObject, name)
}

// Version returns an attribute for the object version
func Version(v string) attribute.KeyValue {
	return attribute.String(AttrVersion, v)
}

// StorageKey returns an attribute for the physical blob key
func StorageKey(key string) attribute.KeyValue {
	return attribute.String(AttrKey, key)
}

// Size returns an attribute for a byte count
func Size(n int64) attribute.KeyValue {
	return attribute.Int64(AttrSize, n)
}

// MimeType returns an attribute for a content type
func MimeType(mime string) attribute.KeyValue {
	return attribute.String(AttrMimeType, mime)
}

// UploadID returns an attribute for a resumable upload id
func UploadID(id string) attribute.KeyValue {
	return attribute.String(AttrUploadID, id)
}

// Offset returns an attribute for a resumable upload offset
func Offset(n int64) attribute.KeyValue {
	return attribute.Int64(AttrOffset, n)
}

// ShardKey returns an attribute for a shard key
func ShardKey(key string) attribute.KeyValue {
	return attribute.String(AttrShardKey, key)
}

// ShardSlot returns an attribute for a shard slot number
func ShardSlot(slot int) attribute.KeyValue {
	return attribute.Int(AttrShardSlot, slot)
}

// ResourceID returns an attribute for a placement resource id
func ResourceID(id string) attribute.KeyValue {
	return attribute.String(AttrResourceID, id)
}

// EventType returns an attribute for a lifecycle event type
func EventType(t string) attribute.KeyValue {
	return attribute.String(AttrEventType, t)
}

// Region returns an attribute for a cloud region
func Region(region string) attribute.KeyValue {
	return attribute.String(AttrRegion, region)
}

// StartObjectSpan starts a span for an object operation with the common
// bucket and object attributes set.
func StartObjectSpan(ctx context.Context, name, bucket, object string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		Bucket(bucket),
		Object(object),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, name, trace.WithAttributes(allAttrs...))
}

// StartBlobSpan starts a span for a blob backend operation.
func StartBlobSpan(ctx context.Context, operation, key string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		StorageKey(key),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "blob."+operation, trace.WithAttributes(allAttrs...))
}

// StartTusSpan starts a span for a resumable upload operation.
func StartTusSpan(ctx context.Context, operation, uploadID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{
		UploadID(uploadID),
	}
	allAttrs = append(allAttrs, attrs...)

	return StartSpan(ctx, "tus."+operation, trace.WithAttributes(allAttrs...))
}
