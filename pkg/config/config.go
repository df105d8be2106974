package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/harborview/stowage/internal/bytesize"
	"github.com/harborview/stowage/pkg/api"
)

// Config represents the Stowage gateway configuration.
//
// This structure captures the static configuration of the gateway:
//   - Logging configuration
//   - Telemetry/tracing configuration
//   - API server settings
//   - Metadata database connection (single or multitenant)
//   - Blob backend selection (S3 or local filesystem)
//   - Tenant resolution (fixed tenant or registry-backed)
//   - Resumable upload settings
//   - Webhook event dispatch
//
// Dynamic state (buckets, objects, uploads) lives in the per-tenant
// metadata databases and is managed through the REST API.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (STOWAGE_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`

	// API contains gateway HTTP server configuration
	API api.APIConfig `mapstructure:"api" yaml:"api"`

	// Database configures the metadata store connection pools
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`

	// Backend selects and configures the blob backend
	Backend BackendConfig `mapstructure:"backend" yaml:"backend"`

	// Tenant configures tenant resolution
	Tenant TenantConfig `mapstructure:"tenant" yaml:"tenant"`

	// Uploads configures the resumable upload subsystem
	Uploads UploadsConfig `mapstructure:"uploads" yaml:"uploads"`

	// Signing configures signed download and upload URLs
	Signing SigningConfig `mapstructure:"signing" yaml:"signing"`

	// Events configures webhook event dispatch
	Events EventsConfig `mapstructure:"events" yaml:"events"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// TelemetryConfig controls OpenTelemetry distributed tracing.
// When enabled, trace data is exported to an OTLP-compatible collector
// (e.g., Jaeger, Tempo, or any OTLP receiver).
type TelemetryConfig struct {
	// Enabled controls whether distributed tracing is enabled
	// Default: false (opt-in for telemetry)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the OTLP collector endpoint (host:port)
	// Default: "localhost:4317" (standard OTLP gRPC port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Insecure controls whether to use insecure (non-TLS) connection
	// Default: true (for local development)
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`

	// SampleRate controls the trace sampling rate (0.0 to 1.0)
	// 1.0 = sample all traces, 0.5 = sample 50%, 0.0 = no sampling
	// Default: 1.0 (sample all)
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1" yaml:"sample_rate"`
}

// DatabaseConfig configures the metadata store connection pools.
// In single-tenant mode URL is the one metadata database. In multitenant
// mode each tenant record carries its own database URL and these settings
// apply to every per-tenant pool.
type DatabaseConfig struct {
	// URL is the metadata database connection string for single-tenant mode.
	// Ignored when tenant.multitenant is true.
	URL string `mapstructure:"url" yaml:"url"`

	// MaxConnections caps each connection pool
	// Default: 200
	MaxConnections int32 `mapstructure:"max_connections" validate:"omitempty,min=1" yaml:"max_connections"`

	// AcquireTimeout bounds waiting for a free connection
	// Default: 3s
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`

	// IdleTimeout closes pool connections idle longer than this
	// Default: 30s
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// InactivityTTL evicts a tenant's pool after this much time without use.
	// Only applies in multitenant mode.
	// Default: 10s
	InactivityTTL time.Duration `mapstructure:"inactivity_ttl" yaml:"inactivity_ttl"`
}

// BackendConfig selects and configures the blob backend.
type BackendConfig struct {
	// Type selects the backend implementation
	// Valid values: s3, file
	Type string `mapstructure:"type" validate:"required,oneof=s3 file" yaml:"type"`

	// S3 configures the S3 backend (used when Type is "s3")
	S3 S3BackendConfig `mapstructure:"s3" yaml:"s3,omitempty"`

	// File configures the filesystem backend (used when Type is "file")
	File FileBackendConfig `mapstructure:"file" yaml:"file,omitempty"`
}

// S3BackendConfig configures the S3 blob backend.
type S3BackendConfig struct {
	// Bucket is the physical S3 bucket holding all gateway blobs (required)
	Bucket string `mapstructure:"bucket" yaml:"bucket"`

	// Region is the AWS region
	// Default: us-east-1
	Region string `mapstructure:"region" yaml:"region"`

	// Endpoint overrides the S3 endpoint URL (for MinIO, localstack, etc.)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// AccessKeyID and SecretAccessKey are static credentials.
	// When empty the default AWS credential chain is used.
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`

	// ForcePathStyle uses path-style addressing (required for MinIO)
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style"`

	// MaxRetries is the number of retry attempts for transient errors
	// Default: 3
	MaxRetries uint `mapstructure:"max_retries" yaml:"max_retries"`
}

// FileBackendConfig configures the local filesystem blob backend.
type FileBackendConfig struct {
	// Root is the directory holding all blobs (required for the file backend)
	Root string `mapstructure:"root" yaml:"root"`
}

// TenantConfig configures tenant resolution.
//
// In single-tenant mode every request maps to one fixed tenant built from
// this section and database.url. In multitenant mode tenants are looked up
// in the registry database by the first label of the request Host header.
type TenantConfig struct {
	// Multitenant enables registry-backed tenant resolution
	// Default: false
	Multitenant bool `mapstructure:"multitenant" yaml:"multitenant"`

	// RegistryURL is the admin database holding tenant records.
	// Required when Multitenant is true.
	RegistryURL string `mapstructure:"registry_url" yaml:"registry_url,omitempty"`

	// CacheTTL bounds how long resolved tenant records are cached
	// Default: 30s
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`

	// ID is the fixed tenant id in single-tenant mode
	// Default: "stowage"
	ID string `mapstructure:"id" yaml:"id"`

	// JWTSecret verifies request tokens in single-tenant mode.
	// Required when Multitenant is false.
	JWTSecret string `mapstructure:"jwt_secret" yaml:"jwt_secret,omitempty"`

	// FileSizeLimit caps every upload in single-tenant mode.
	// Supports human-readable formats: "5GB", "500MB", "1Gi"
	// Default: 0 (no tenant-level cap; bucket limits still apply)
	FileSizeLimit bytesize.ByteSize `mapstructure:"file_size_limit" yaml:"file_size_limit,omitempty"`
}

// UploadsConfig configures the resumable upload subsystem.
type UploadsConfig struct {
	// LockType selects the cross-process upload lock implementation
	// Valid values: postgres, s3
	// Default: postgres
	LockType string `mapstructure:"lock_type" validate:"omitempty,oneof=postgres s3" yaml:"lock_type"`

	// LockSweepInterval is how often zombie S3 lock leases are swept.
	// Only applies when LockType is "s3".
	// Default: 60s
	LockSweepInterval time.Duration `mapstructure:"lock_sweep_interval" yaml:"lock_sweep_interval"`

	// MaxSize caps resumable uploads.
	// Supports human-readable formats: "5GB", "500MB", "1Gi"
	// Default: 5GiB
	MaxSize bytesize.ByteSize `mapstructure:"max_size" yaml:"max_size"`

	// Expiry is how long an idle upload session lives before it is reaped
	// Default: 24h
	Expiry time.Duration `mapstructure:"expiry" yaml:"expiry"`

	// SpillLimit is the in-memory buffer size per chunk before spilling to disk
	// Default: 50MiB
	SpillLimit bytesize.ByteSize `mapstructure:"spill_limit" yaml:"spill_limit"`

	// TmpRoot is the scratch directory for spilled chunks
	// Default: os.TempDir()
	TmpRoot string `mapstructure:"tmp_root" yaml:"tmp_root,omitempty"`

	// ReapInterval is how often expired upload sessions are reaped
	// Default: 1m
	ReapInterval time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
}

// SigningConfig configures signed download and upload URLs.
type SigningConfig struct {
	// DownloadTTL is the default lifetime of signed download URLs when the
	// request does not specify one
	// Default: 1h
	DownloadTTL time.Duration `mapstructure:"download_ttl" yaml:"download_ttl"`

	// UploadTTL is the lifetime of signed upload URLs
	// Default: 2h
	UploadTTL time.Duration `mapstructure:"upload_ttl" yaml:"upload_ttl"`
}

// EventsConfig configures webhook event dispatch.
// When WebhookURL is empty, events are still recorded in the queue but
// never delivered.
type EventsConfig struct {
	// WebhookURL receives one POST per object lifecycle event
	WebhookURL string `mapstructure:"webhook_url" yaml:"webhook_url,omitempty"`

	// PollInterval is the queue scan cadence
	// Default: 5s
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// BatchSize caps events claimed per scan
	// Default: 100
	BatchSize int `mapstructure:"batch_size" validate:"omitempty,min=1" yaml:"batch_size"`

	// MaxAttempts moves an event to the dead-letter state after this many
	// failed deliveries
	// Default: 5
	MaxAttempts int `mapstructure:"max_attempts" validate:"omitempty,min=1" yaml:"max_attempts"`

	// RequestTimeout bounds each webhook POST
	// Default: 10s
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics server is started.
type MetricsConfig struct {
	// Enabled controls whether the metrics HTTP server is started
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (STOWAGE_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	// If no config file was found, use defaults
	if !configFileFound {
		cfg := GetDefaultConfig()
		return cfg, nil
	}

	// Unmarshal into config struct with custom decode hooks
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages.
// It checks if the config file exists and provides user-friendly instructions if not.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  stowage init\n\n"+
				"Or specify a custom config file:\n"+
				"  stowage <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  stowage init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// Watch reloads the logging section when the config file changes on disk.
// Only the log level and format are applied live; every other section
// requires a restart. The callback is optional and runs after each
// successful reload.
func Watch(configPath string, onChange func(*Config)) error {
	if configPath == "" {
		configPath = GetDefaultConfigPath()
	}
	if _, err := os.Stat(configPath); err != nil {
		return fmt.Errorf("cannot watch config file: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	setupEnv(v)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	v.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		var cfg Config
		if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
			return
		}
		ApplyDefaults(&cfg)
		if err := Validate(&cfg); err != nil {
			return
		}
		if onChange != nil {
			onChange(&cfg)
		}
	})
	v.WatchConfig()

	return nil
}

// SaveConfig saves the configuration to the specified file path.
// The configuration is saved in YAML format using proper yaml tags.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Use yaml.Marshal directly to respect yaml tags
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write with restricted permissions. Config files carry JWT secrets
	// and database credentials.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	setupEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Use default location: $XDG_CONFIG_HOME/stowage/config.yaml
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// setupEnv enables environment variable overrides.
// Environment variables use the STOWAGE_ prefix and underscores.
// Example: STOWAGE_LOGGING_LEVEL=DEBUG
func setupEnv(v *viper.Viper) {
	v.SetEnvPrefix("STOWAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		// Also check for os.PathError when explicit config file doesn't exist
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
// This includes ByteSize and time.Duration parsing.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook returns a mapstructure decode hook that converts strings
// and integers to bytesize.ByteSize. This enables config files to use
// human-readable sizes like "1Gi", "500Mi", "100MB", or plain numbers.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook returns a mapstructure decode hook that converts strings
// to time.Duration. This enables config files to use human-readable durations
// like "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			// Assume nanoseconds for raw integers
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to current
// directory (.) if home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "stowage")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "stowage")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
