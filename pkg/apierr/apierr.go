// Package apierr provides the renderable error taxonomy for the gateway.
// This is a leaf package with no internal dependencies, designed to be
// imported by every component without causing circular imports.
//
// Components return *Error values; the HTTP layer renders them to JSON with
// the mapped status code. Non-renderable errors surface as 500 with a
// sanitized message.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies the kind of renderable error.
type Code string

const (
	CodeInvalidJWT           Code = "InvalidJWT"
	CodeInvalidSignature     Code = "InvalidSignature"
	CodeAccessDenied         Code = "AccessDenied"
	CodeBucketNotFound       Code = "BucketNotFound"
	CodeObjectNotFound       Code = "ObjectNotFound"
	CodeInvalidMimeType      Code = "InvalidMimeType"
	CodeEntityTooLarge       Code = "EntityTooLarge"
	CodePayloadTooLarge      Code = "PayloadTooLarge"
	CodeInvalidMetadata      Code = "InvalidMetadata"
	CodeMetadataRequired     Code = "MetadataRequired"
	CodeInvalidParameter     Code = "InvalidParameter"
	CodeConflict             Code = "Conflict"
	CodeBucketNotEmpty       Code = "BucketNotEmpty"
	CodeResourceLocked       Code = "ResourceLocked"
	CodeAcquiringLockTimeout Code = "AcquiringLockTimeout"
	CodeDatabaseTimeout      Code = "DatabaseTimeout"
	CodeNoActiveShard        Code = "NoActiveShard"
	CodeNoAvailableShard     Code = "NoAvailableShard"
	CodeReservationNotFound  Code = "ReservationNotFound"
	CodeExpiredReservation   Code = "ExpiredReservation"
	CodeBackendUnavailable   Code = "BackendUnavailable"
	CodeTransactionError     Code = "TransactionError"
	CodeInternalError        Code = "InternalError"
)

// StatusDatabaseTimeout is a service-specific status code for database
// acquisition timeouts, kept distinct from 503 so operators can tell pool
// exhaustion apart from backend outages.
const StatusDatabaseTimeout = 544

// Error is a renderable error. It carries the protocol status code, the
// taxonomy code, a user-visible message, and the original error for logs.
type Error struct {
	StatusCode int
	Code       Code
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped original error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by taxonomy code, so callers can use errors.Is with a
// sentinel built by the same constructor.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// WithErr returns a copy of e wrapping the given original error.
func (e *Error) WithErr(err error) *Error {
	c := *e
	c.Err = err
	return &c
}

// statusFor maps a taxonomy code to its HTTP status.
func statusFor(code Code) int {
	switch code {
	case CodeInvalidJWT, CodeInvalidSignature, CodeInvalidMetadata, CodeMetadataRequired, CodeInvalidParameter:
		return http.StatusBadRequest
	case CodeAccessDenied:
		return http.StatusForbidden
	case CodeBucketNotFound, CodeObjectNotFound, CodeReservationNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeBucketNotEmpty, CodeResourceLocked, CodeExpiredReservation:
		return http.StatusConflict
	case CodeEntityTooLarge, CodePayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeInvalidMimeType:
		return http.StatusUnsupportedMediaType
	case CodeNoActiveShard, CodeNoAvailableShard:
		return http.StatusInsufficientStorage
	case CodeDatabaseTimeout:
		return StatusDatabaseTimeout
	case CodeAcquiringLockTimeout, CodeBackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New creates a renderable error with the status implied by its code.
func New(code Code, message string) *Error {
	return &Error{
		StatusCode: statusFor(code),
		Code:       code,
		Message:    message,
	}
}

// Newf creates a renderable error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap creates a renderable error around an original error.
func Wrap(code Code, message string, err error) *Error {
	e := New(code, message)
	e.Err = err
	return e
}

// ============================================================================
// Common constructors
// ============================================================================

// InvalidJWT indicates the bearer token could not be verified.
func InvalidJWT(err error) *Error {
	msg := "invalid JWT"
	if err != nil {
		// JWT validation messages are safe to surface (e.g. "jwt expired").
		msg = err.Error()
	}
	return Wrap(CodeInvalidJWT, msg, err)
}

// InvalidSignature indicates a signed URL token failed verification.
func InvalidSignature(err error) *Error {
	msg := "invalid signature"
	if err != nil {
		msg = err.Error()
	}
	return Wrap(CodeInvalidSignature, msg, err)
}

// AccessDenied indicates row-level authorization rejected the operation.
func AccessDenied(message string) *Error {
	if message == "" {
		message = "access denied"
	}
	return New(CodeAccessDenied, message)
}

// BucketNotFound indicates the bucket does not exist or is not visible.
func BucketNotFound(bucketID string) *Error {
	return Newf(CodeBucketNotFound, "bucket %q not found", bucketID)
}

// ObjectNotFound indicates the object does not exist or is not visible.
func ObjectNotFound(bucketID, name string) *Error {
	return Newf(CodeObjectNotFound, "object %q not found in bucket %q", name, bucketID)
}

// InvalidMimeType indicates the content type is not in the bucket allow list.
func InvalidMimeType(mimeType string) *Error {
	return Newf(CodeInvalidMimeType, "mime type %s is not supported", mimeType)
}

// EntityTooLarge indicates the payload exceeds the applicable size limit.
func EntityTooLarge(size, limit int64) *Error {
	return Newf(CodeEntityTooLarge, "object of size %d exceeds the maximum allowed size of %d", size, limit)
}

// ResourceLocked indicates another request holds the advisory lock.
func ResourceLocked(resource string) *Error {
	return Newf(CodeResourceLocked, "resource %q is locked by a concurrent operation", resource)
}

// AcquiringLockTimeout indicates the lock budget elapsed before acquisition.
func AcquiringLockTimeout(resource string) *Error {
	return Newf(CodeAcquiringLockTimeout, "timed out acquiring lock on %q", resource)
}

// DatabaseTimeout indicates the connection pool could not serve the request.
func DatabaseTimeout(err error) *Error {
	return Wrap(CodeDatabaseTimeout, "database operation timed out", err)
}

// NoActiveShard indicates no shard with free capacity accepts the kind.
func NoActiveShard(kind string) *Error {
	return Newf(CodeNoActiveShard, "no active shard with free capacity for kind %q", kind)
}

// ReservationNotFound indicates the reservation id is unknown.
func ReservationNotFound(id string) *Error {
	return Newf(CodeReservationNotFound, "reservation %q not found", id)
}

// ExpiredReservation indicates the lease elapsed before confirmation.
func ExpiredReservation(id string) *Error {
	return Newf(CodeExpiredReservation, "reservation %q lease has expired", id)
}

// Internal wraps an unexpected error. The original message is kept for logs
// only; the rendered message is always sanitized.
func Internal(err error) *Error {
	return Wrap(CodeInternalError, "Internal Server Error", err)
}

// ============================================================================
// Classification helpers
// ============================================================================

// IsRenderable reports whether err carries a renderable *Error.
func IsRenderable(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// CodeOf extracts the taxonomy code, or CodeInternalError for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternalError
}

// IsNotFound reports whether err is a bucket, object, or reservation miss.
func IsNotFound(err error) bool {
	switch CodeOf(err) {
	case CodeBucketNotFound, CodeObjectNotFound, CodeReservationNotFound:
		return true
	}
	return false
}

// Retryable reports whether the caller may retry the operation. NotFound and
// AccessDenied are never retried; backend unavailability is.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeBackendUnavailable, CodeDatabaseTimeout, CodeTransactionError:
		return true
	}
	return false
}
