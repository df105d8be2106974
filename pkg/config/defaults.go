package config

import (
	"strings"
	"time"

	"github.com/harborview/stowage/internal/bytesize"
	"github.com/harborview/stowage/pkg/api"
	"github.com/harborview/stowage/pkg/tus"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	applyAPIDefaults(&cfg.API)
	applyDatabaseDefaults(&cfg.Database)
	applyBackendDefaults(&cfg.Backend)
	applyTenantDefaults(&cfg.Tenant)
	applyUploadsDefaults(&cfg.Uploads)
	applySigningDefaults(&cfg.Signing)
	applyEventsDefaults(&cfg.Events)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	// Enabled defaults to false (opt-in for telemetry)

	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}

	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
}

// applyAPIDefaults sets gateway HTTP server defaults.
func applyAPIDefaults(cfg *api.APIConfig) {
	if cfg.Port == 0 {
		cfg.Port = 5000
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	// WriteTimeout stays zero so large downloads are never cut off
}

// applyDatabaseDefaults sets metadata store pool defaults.
func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 200
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = 3 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.InactivityTTL == 0 {
		cfg.InactivityTTL = 10 * time.Second
	}
}

// applyBackendDefaults sets blob backend defaults.
func applyBackendDefaults(cfg *BackendConfig) {
	if cfg.Type == "" {
		cfg.Type = "file"
	}
	if cfg.Type == "s3" {
		if cfg.S3.Region == "" {
			cfg.S3.Region = "us-east-1"
		}
		if cfg.S3.MaxRetries == 0 {
			cfg.S3.MaxRetries = 3
		}
	}
	if cfg.Type == "file" && cfg.File.Root == "" {
		cfg.File.Root = "/var/lib/stowage/blobs"
	}
}

// applyTenantDefaults sets tenant resolution defaults.
func applyTenantDefaults(cfg *TenantConfig) {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if !cfg.Multitenant && cfg.ID == "" {
		cfg.ID = "stowage"
	}
}

// applyUploadsDefaults sets resumable upload defaults.
func applyUploadsDefaults(cfg *UploadsConfig) {
	if cfg.LockType == "" {
		cfg.LockType = "postgres"
	}
	if cfg.LockSweepInterval == 0 {
		cfg.LockSweepInterval = tus.DefaultLockSweepInterval
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 5 * bytesize.GiB
	}
	if cfg.Expiry == 0 {
		cfg.Expiry = tus.DefaultExpiry
	}
	if cfg.SpillLimit == 0 {
		cfg.SpillLimit = 50 * bytesize.MiB
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = time.Minute
	}
}

// applySigningDefaults sets signed URL defaults.
func applySigningDefaults(cfg *SigningConfig) {
	if cfg.DownloadTTL == 0 {
		cfg.DownloadTTL = time.Hour
	}
	if cfg.UploadTTL == 0 {
		cfg.UploadTTL = 2 * time.Hour
	}
}

// applyEventsDefaults sets webhook dispatch defaults.
func applyEventsDefaults(cfg *EventsConfig) {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false (opt-in for metrics)
	// Port defaults to 9090 if metrics are enabled
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Backend: BackendConfig{
			Type: "file",
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
