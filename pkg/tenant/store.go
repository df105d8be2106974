package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/harborview/stowage/pkg/apierr"
)

// ErrTenantNotFound indicates the tenant id is not registered.
var ErrTenantNotFound = errors.New("tenant not found")

// Store persists the tenant registry in the admin database.
type Store struct {
	db *gorm.DB
}

// NewStore connects to the admin database and migrates the registry schema.
func NewStore(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to admin database: %w", err)
	}

	if err := db.AutoMigrate(&Tenant{}); err != nil {
		return nil, fmt.Errorf("failed to migrate tenant registry: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing gorm handle, for tests.
func NewStoreWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Tenant{}); err != nil {
		return nil, fmt.Errorf("failed to migrate tenant registry: %w", err)
	}
	return &Store{db: db}, nil
}

// Get fetches one tenant by id.
func (s *Store) Get(ctx context.Context, id string) (*Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var t Tenant
	err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// List returns all tenants ordered by id.
func (s *Store) List(ctx context.Context) ([]Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var tenants []Tenant
	if err := s.db.WithContext(ctx).Order("id").Find(&tenants).Error; err != nil {
		return nil, err
	}
	return tenants, nil
}

// Create registers a tenant. Duplicate ids surface as Conflict.
func (s *Store) Create(ctx context.Context, t *Tenant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateTenant(t); err != nil {
		return err
	}

	err := s.db.WithContext(ctx).Create(t).Error
	if err != nil && strings.Contains(err.Error(), "duplicate key value") {
		return apierr.Newf(apierr.CodeConflict, "tenant %q already exists", t.ID)
	}
	return err
}

// Update persists changed fields of an existing tenant.
func (s *Store) Update(ctx context.Context, t *Tenant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateTenant(t); err != nil {
		return err
	}

	result := s.db.WithContext(ctx).Model(&Tenant{}).Where("id = ?", t.ID).Updates(t)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, t.ID)
	}
	return nil
}

// Delete removes a tenant from the registry. The tenant's own database and
// blobs are untouched; deprovisioning those is an operator concern.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	result := s.db.WithContext(ctx).Delete(&Tenant{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrTenantNotFound, id)
	}
	return nil
}

func validateTenant(t *Tenant) error {
	if t.ID == "" {
		return apierr.New(apierr.CodeInvalidParameter, "tenant id is required")
	}
	if t.DatabaseURL == "" {
		return apierr.Newf(apierr.CodeInvalidParameter, "tenant %q needs a database URL", t.ID)
	}
	if len(t.JWTSecret) < 32 {
		return apierr.Newf(apierr.CodeInvalidParameter,
			"tenant %q JWT secret must be at least 32 characters", t.ID)
	}
	return nil
}
