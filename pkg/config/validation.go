package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration for errors.
//
// Struct tags handle field-level constraints (ranges, enumerations).
// Cross-field rules that tags cannot express are checked explicitly:
//   - multitenant mode requires a tenant registry URL
//   - single-tenant mode requires a database URL and a JWT secret
//   - the S3 backend requires a bucket
//   - the file backend requires a root directory
//   - the S3 upload lock requires the S3 backend
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if err := validator.New().Struct(cfg); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			e := errs[0]
			return fmt.Errorf("invalid value for %s: failed %q constraint", e.Namespace(), e.Tag())
		}
		return err
	}

	if cfg.Tenant.Multitenant {
		if cfg.Tenant.RegistryURL == "" {
			return fmt.Errorf("tenant.registry_url is required in multitenant mode")
		}
	} else {
		if cfg.Database.URL == "" {
			return fmt.Errorf("database.url is required in single-tenant mode")
		}
		if cfg.Tenant.JWTSecret == "" {
			return fmt.Errorf("tenant.jwt_secret is required in single-tenant mode")
		}
	}

	switch cfg.Backend.Type {
	case "s3":
		if cfg.Backend.S3.Bucket == "" {
			return fmt.Errorf("backend.s3.bucket is required for the s3 backend")
		}
	case "file":
		if cfg.Backend.File.Root == "" {
			return fmt.Errorf("backend.file.root is required for the file backend")
		}
	}

	if cfg.Uploads.LockType == "s3" && cfg.Backend.Type != "s3" {
		return fmt.Errorf("uploads.lock_type %q requires the s3 backend", cfg.Uploads.LockType)
	}

	return nil
}
