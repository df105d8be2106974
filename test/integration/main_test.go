//go:build integration

// Package integration exercises the gateway's storage pipeline against a
// real PostgreSQL instance. Run with:
//
//	go test -tags integration ./test/integration/...
//
// Set STOWAGE_TEST_DATABASE_URL to reuse an existing database instead of
// starting a container.
package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/harborview/stowage/internal/logger"
	"github.com/harborview/stowage/pkg/backend"
	"github.com/harborview/stowage/pkg/backend/file"
	"github.com/harborview/stowage/pkg/database"
	"github.com/harborview/stowage/pkg/storage"
	"github.com/harborview/stowage/pkg/tenant"
)

const testTenantID = "t-int"

var (
	sharedConnStr string
	sharedManager *database.Manager
)

// TestMain sets up a shared PostgreSQL container for all tests.
func TestMain(m *testing.M) {
	ctx := context.Background()

	var terminate func()
	if connStr := os.Getenv("STOWAGE_TEST_DATABASE_URL"); connStr != "" {
		sharedConnStr = connStr
		terminate = func() {}
	} else {
		var err error
		sharedConnStr, terminate, err = startPostgres(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
			os.Exit(1)
		}
	}

	if err := database.Migrate(ctx, sharedConnStr, logger.With(logger.KeyComponent, "integration")); err != nil {
		terminate()
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	sharedManager = database.NewManager(database.ManagerConfig{
		DatabaseURL:    sharedConnStr,
		MaxConnections: 20,
	})

	exitCode := m.Run()

	sharedManager.Stop()
	terminate()
	os.Exit(exitCode)
}

func startPostgres(ctx context.Context) (connStr string, terminate func(), err error) {
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("stowage_test"),
		postgres.WithUsername("stowage_test"),
		postgres.WithPassword("stowage_test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return "", nil, err
	}

	connStr, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return "", nil, err
	}

	terminate = func() {
		_ = container.Terminate(ctx)
	}
	return connStr, terminate, nil
}

// acquire returns a service-role connection to the shared database.
func acquire(t *testing.T) *database.TenantConnection {
	t.Helper()

	conn, err := sharedManager.Acquire(t.Context(), database.AcquireOptions{
		TenantID: testTenantID,
		Scope:    database.Scope{Role: database.ServiceRole},
	})
	if err != nil {
		t.Fatalf("failed to acquire connection: %v", err)
	}
	t.Cleanup(conn.Dispose)
	return conn
}

// newStorage builds a storage facade over a local file driver rooted in a
// per-test temp dir.
func newStorage(t *testing.T) *storage.Storage {
	t.Helper()

	driver, err := file.New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create file driver: %v", err)
	}

	tn := &tenant.Tenant{
		ID:                     testTenantID,
		Name:                   testTenantID,
		DatabaseURL:            sharedConnStr,
		JWTSecret:              "integration-test-secret",
		ResumableUploadEnabled: true,
	}
	return storage.New(acquire(t), driver, tn, "")
}

// createBucket inserts a bucket row directly.
func createBucket(t *testing.T, st *storage.Storage, id string) {
	t.Helper()

	err := st.Database().AsSuperUser().WithTransaction(t.Context(), func(q *database.Tx) error {
		_, err := q.CreateBucket(t.Context(), database.CreateBucketParams{ID: id, Name: id})
		return err
	})
	if err != nil {
		t.Fatalf("failed to create bucket %q: %v", id, err)
	}
}

// uploadObject runs the plain upload pipeline with sensible test defaults.
func uploadObject(t *testing.T, st *storage.Storage, bucket, name string, body []byte, upsert bool) {
	t.Helper()

	_, err := st.Upload(t.Context(), bytes.NewReader(body), storage.UploadParams{
		BucketID:     bucket,
		ObjectName:   name,
		ContentType:  "application/octet-stream",
		DeclaredSize: int64(len(body)),
		IsUpsert:     upsert,
		TmpRoot:      t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to upload %s/%s: %v", bucket, name, err)
	}
}

// stdUploadParams builds upload params with test defaults.
func stdUploadParams(bucket, name string, size int64, upsert bool) storage.UploadParams {
	return storage.UploadParams{
		BucketID:     bucket,
		ObjectName:   name,
		ContentType:  "application/octet-stream",
		DeclaredSize: size,
		IsUpsert:     upsert,
	}
}

// findObject fetches an object row, failing the test on error.
func findObject(t *testing.T, st *storage.Storage, bucket, name string) *database.Object {
	t.Helper()

	var obj *database.Object
	err := st.Database().AsSuperUser().WithTransaction(t.Context(), func(q *database.Tx) error {
		var err error
		obj, err = q.FindObject(t.Context(), bucket, name)
		return err
	})
	if err != nil {
		t.Fatalf("failed to find object %s/%s: %v", bucket, name, err)
	}
	return obj
}

var _ backend.Driver = (*file.Driver)(nil)
