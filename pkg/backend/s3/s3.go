// Package s3 implements the blob backend contract on S3-compatible storage.
//
// This file contains the driver type, configuration, constructor, and the
// error classification and retry helpers shared by all operations.
package s3

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/harborview/stowage/internal/logger"
	"github.com/harborview/stowage/pkg/apierr"
)

// Driver implements backend.Driver on an S3-compatible store.
//
// All gateway blobs live in one physical bucket; the logical key
// "{tenant}/{bucket}/{objectName}" plus the version form the object key
// "{key}/{version}". The driver is safe for concurrent use.
type Driver struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	retry   retryConfig
	log     interface {
		Warn(msg string, args ...any)
	}
}

// retryConfig holds retry settings for transient S3 failures.
type retryConfig struct {
	maxRetries     uint
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Config contains configuration for the S3 driver.
type Config struct {
	// Client is the configured S3 client. Required.
	Client *s3.Client

	// Bucket is the physical S3 bucket holding all gateway blobs. Required.
	Bucket string

	// MaxRetries is the number of retry attempts for transient errors
	// (default: 3). Set to 0 to disable retries.
	MaxRetries uint

	// InitialBackoff is the backoff before the first retry (default: 100ms).
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff (default: 2s).
	MaxBackoff time.Duration
}

// NewClient creates an S3 client from endpoint-style configuration. This is
// the helper used when wiring the driver from the gateway config file.
func NewClient(ctx context.Context, endpoint, region, accessKeyID, secretAccessKey string, forcePathStyle bool) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if accessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
		o.UsePathStyle = forcePathStyle
	})

	return client, nil
}

// New creates an S3 driver and verifies bucket access. The bucket must
// already exist.
func New(ctx context.Context, cfg Config) (*Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 2 * time.Second
	}

	if _, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(cfg.Bucket),
	}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	return &Driver{
		client:  cfg.Client,
		presign: s3.NewPresignClient(cfg.Client),
		bucket:  cfg.Bucket,
		retry: retryConfig{
			maxRetries:     cfg.MaxRetries,
			initialBackoff: cfg.InitialBackoff,
			maxBackoff:     cfg.MaxBackoff,
		},
		log: logger.With(logger.KeyComponent, "s3_backend", logger.KeyBucket, cfg.Bucket),
	}, nil
}

// objectKey derives the physical key for a logical key and version.
func objectKey(key, version string) string {
	return key + "/" + version
}

// ============================================================================
// Error classification
// ============================================================================

// isNotFoundError returns true if the error indicates the object doesn't exist.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NoSuchKey" || code == "NotFound" || code == "404" {
			return true
		}
	}

	errStr := err.Error()
	return strings.Contains(errStr, "StatusCode: 404") ||
		strings.Contains(errStr, "NotFound") ||
		strings.Contains(errStr, "NoSuchKey")
}

// isAccessDeniedError returns true for authorization failures at the store.
func isAccessDeniedError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "AccessDenied" || code == "Forbidden" || code == "403"
	}
	return false
}

// isPreconditionFailed returns true when a conditional write lost.
func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "PreconditionFailed" || code == "412"
	}
	return err != nil && strings.Contains(err.Error(), "StatusCode: 412")
}

// isRetryableError returns true for transient failures worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are not retryable
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InternalError", "ServiceUnavailable", "SlowDown", "RequestTimeout", "503", "500":
			return true
		}
		return false
	}

	return false
}

// mapError converts an SDK error into the renderable taxonomy.
func mapError(err error, key string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case isNotFoundError(err):
		return apierr.Wrap(apierr.CodeObjectNotFound, fmt.Sprintf("object %q not found at backend", key), err)
	case isAccessDeniedError(err):
		return apierr.Wrap(apierr.CodeAccessDenied, "backend denied access", err)
	case isPreconditionFailed(err):
		return apierr.Wrap(apierr.CodeConflict, "conditional write failed", err)
	default:
		return apierr.Wrap(apierr.CodeBackendUnavailable, "backend unavailable", err)
	}
}

// withRetry runs op, retrying transient errors with capped exponential
// backoff. The context aborts the wait between attempts.
func (d *Driver) withRetry(ctx context.Context, name, key string, op func() error) error {
	backoff := d.retry.initialBackoff
	var lastErr error

	for attempt := uint(0); ; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if attempt >= d.retry.maxRetries || !isRetryableError(lastErr) {
			return lastErr
		}

		d.log.Warn("retrying S3 operation",
			logger.KeyOperation, name,
			logger.KeyKey, key,
			logger.KeyAttempt, attempt+1,
			logger.KeyMaxRetries, d.retry.maxRetries,
			logger.KeyError, lastErr.Error(),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > d.retry.maxBackoff {
			backoff = d.retry.maxBackoff
		}
	}
}
