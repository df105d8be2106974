// Package shardcmd implements shard pool administration commands. Shard
// bookkeeping lives in tenant metadata databases, so every command here
// connects directly with a privileged URL.
package shardcmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harborview/stowage/pkg/database"
	"github.com/harborview/stowage/pkg/sharding"
)

var (
	databaseURL  string
	tenantID     string
	outputFormat string
)

// Cmd is the parent command for shard pool administration.
var Cmd = &cobra.Command{
	Use:   "shard",
	Short: "Administer shard pools",
	Long: `Administer shard pools in a tenant metadata database.

The database connection is taken from --database-url or the
STOWAGE_DATABASE_URL environment variable.`,
}

func init() {
	Cmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Tenant metadata database URL (defaults to STOWAGE_DATABASE_URL)")
	Cmd.PersistentFlags().StringVar(&tenantID, "tenant", "stowage", "Tenant ID the connection acts for")
	Cmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table|json|yaml)")

	Cmd.AddCommand(statsCmd)
	Cmd.AddCommand(createCmd)
	Cmd.AddCommand(expireCmd)
}

// withAllocator connects to the metadata database and runs fn with a
// super-user allocator. The pool is closed before returning.
func withAllocator(ctx context.Context, fn func(*sharding.Allocator) error) error {
	url := databaseURL
	if url == "" {
		url = os.Getenv("STOWAGE_DATABASE_URL")
	}
	if url == "" {
		return fmt.Errorf("no database URL: set --database-url or STOWAGE_DATABASE_URL")
	}

	mgr := database.NewManager(database.ManagerConfig{DatabaseURL: url})
	defer mgr.Stop()

	conn, err := mgr.AcquireExternal(ctx, database.AcquireOptions{
		TenantID:    tenantID,
		DatabaseURL: url,
	})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Dispose()

	return fn(sharding.New(conn.AsSuperUser()))
}
