package config

import (
	"context"
	"fmt"

	"github.com/harborview/stowage/internal/telemetry"
	"github.com/harborview/stowage/pkg/backend"
	"github.com/harborview/stowage/pkg/backend/file"
	"github.com/harborview/stowage/pkg/backend/s3"
	"github.com/harborview/stowage/pkg/database"
	"github.com/harborview/stowage/pkg/events"
	"github.com/harborview/stowage/pkg/tenant"
	"github.com/harborview/stowage/pkg/tus"
)

// CreateDriver creates a blob backend driver from configuration.
func CreateDriver(ctx context.Context, cfg BackendConfig) (backend.Driver, error) {
	switch cfg.Type {
	case "s3":
		return createS3Driver(ctx, cfg.S3)
	case "file":
		return file.New(cfg.File.Root)
	default:
		return nil, fmt.Errorf("unknown backend type: %q", cfg.Type)
	}
}

// createS3Driver creates an S3-backed blob driver.
func createS3Driver(ctx context.Context, cfg S3BackendConfig) (backend.Driver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 backend requires bucket to be set")
	}

	client, err := s3.NewClient(ctx, cfg.Endpoint, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey, cfg.ForcePathStyle)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	return s3.New(ctx, s3.Config{
		Client:     client,
		Bucket:     cfg.Bucket,
		MaxRetries: cfg.MaxRetries,
	})
}

// CreateResolver creates a tenant resolver from configuration.
//
// In multitenant mode the resolver is backed by the tenant registry
// database. In single-tenant mode every request resolves to one fixed
// tenant assembled from the tenant and database sections.
func CreateResolver(cfg *Config) (*tenant.Resolver, error) {
	if cfg.Tenant.Multitenant {
		store, err := tenant.NewStore(cfg.Tenant.RegistryURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open tenant registry: %w", err)
		}
		return tenant.NewResolver(store, cfg.Tenant.CacheTTL), nil
	}

	return tenant.NewSingleTenantResolver(&tenant.Tenant{
		ID:                     cfg.Tenant.ID,
		Name:                   cfg.Tenant.ID,
		DatabaseURL:            cfg.Database.URL,
		JWTSecret:              cfg.Tenant.JWTSecret,
		FileSizeLimit:          int64(cfg.Tenant.FileSizeLimit),
		ResumableUploadEnabled: true,
	}), nil
}

// ManagerConfig converts the database section into pool manager settings.
func (c *Config) ManagerConfig() database.ManagerConfig {
	return database.ManagerConfig{
		Multitenant:    c.Tenant.Multitenant,
		DatabaseURL:    c.Database.URL,
		MaxConnections: c.Database.MaxConnections,
		AcquireTimeout: c.Database.AcquireTimeout,
		IdleTimeout:    c.Database.IdleTimeout,
		InactivityTTL:  c.Database.InactivityTTL,
	}
}

// DispatcherConfig converts the events section into dispatcher settings.
func (c *Config) DispatcherConfig() events.DispatcherConfig {
	return events.DispatcherConfig{
		WebhookURL:     c.Events.WebhookURL,
		PollInterval:   c.Events.PollInterval,
		BatchSize:      c.Events.BatchSize,
		MaxAttempts:    c.Events.MaxAttempts,
		RequestTimeout: c.Events.RequestTimeout,
	}
}

// TusOptions converts the uploads section into resumable upload manager options.
func (c *Config) TusOptions() []tus.ManagerOption {
	return []tus.ManagerOption{
		tus.WithMaxSize(int64(c.Uploads.MaxSize)),
		tus.WithExpiry(c.Uploads.Expiry),
		tus.WithSpill(int64(c.Uploads.SpillLimit), c.Uploads.TmpRoot),
	}
}

// TelemetryConfig converts the telemetry section into SDK settings.
func (c *Config) TelemetryConfig(serviceVersion string) telemetry.Config {
	return telemetry.Config{
		Enabled:        c.Telemetry.Enabled,
		ServiceName:    "stowage",
		ServiceVersion: serviceVersion,
		Endpoint:       c.Telemetry.Endpoint,
		Insecure:       c.Telemetry.Insecure,
		SampleRate:     c.Telemetry.SampleRate,
	}
}
