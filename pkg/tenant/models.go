// Package tenant manages the gateway's tenant registry: per-tenant database
// URLs, JWT secrets, size limits, and feature flags. The registry lives in an
// admin database separate from tenant metadata stores; lookups on the hot
// path go through a short-lived in-process cache.
package tenant

import "time"

// Tenant is one registered tenant of the gateway.
type Tenant struct {
	ID           string `gorm:"primaryKey;size:63" json:"id"`
	Name         string `gorm:"not null;size:255" json:"name"`
	DatabaseURL  string `gorm:"not null" json:"-"`
	JWTSecret    string `gorm:"not null" json:"-"`
	ServiceKey   string `json:"-"`
	AnonKey      string `json:"-"`

	// FileSizeLimit caps every upload for this tenant in bytes. Zero means
	// no tenant-level cap; bucket limits still apply.
	FileSizeLimit int64 `gorm:"default:0" json:"file_size_limit"`

	// MaxConnections overrides the default per-tenant pool cap when > 0.
	MaxConnections int32 `gorm:"default:0" json:"max_connections"`

	// Feature flags.
	ImageTransformEnabled bool `gorm:"default:false" json:"image_transform_enabled"`
	ResumableUploadEnabled bool `gorm:"default:true" json:"resumable_upload_enabled"`
	S3ProtocolEnabled      bool `gorm:"default:false" json:"s3_protocol_enabled"`

	Suspended bool `gorm:"default:false" json:"suspended"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Tenant.
func (Tenant) TableName() string {
	return "tenants"
}

// EffectiveSizeLimit resolves the lower of the tenant cap and a bucket cap.
// Zero or nil inputs mean uncapped.
func (t *Tenant) EffectiveSizeLimit(bucketLimit *int64) int64 {
	tenantLimit := t.FileSizeLimit
	switch {
	case bucketLimit == nil || *bucketLimit <= 0:
		return tenantLimit
	case tenantLimit <= 0:
		return *bucketLimit
	case *bucketLimit < tenantLimit:
		return *bucketLimit
	default:
		return tenantLimit
	}
}
