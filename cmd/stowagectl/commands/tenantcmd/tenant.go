// Package tenantcmd implements tenant registry management commands.
package tenantcmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harborview/stowage/pkg/tenant"
)

var (
	registryURL  string
	outputFormat string
)

// Cmd is the parent command for tenant management.
var Cmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants in the registry",
	Long: `Manage tenants in the Stowage registry database.

The registry connection is taken from --registry-url or the
STOWAGE_TENANT_REGISTRY_URL environment variable.`,
}

func init() {
	Cmd.PersistentFlags().StringVar(&registryURL, "registry-url", "", "Tenant registry database URL (defaults to STOWAGE_TENANT_REGISTRY_URL)")
	Cmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table|json|yaml)")

	Cmd.AddCommand(listCmd)
	Cmd.AddCommand(getCmd)
	Cmd.AddCommand(createCmd)
	Cmd.AddCommand(suspendCmd)
	Cmd.AddCommand(resumeCmd)
	Cmd.AddCommand(deleteCmd)
}

// openStore connects to the tenant registry.
func openStore() (*tenant.Store, error) {
	dsn := registryURL
	if dsn == "" {
		dsn = os.Getenv("STOWAGE_TENANT_REGISTRY_URL")
	}
	if dsn == "" {
		return nil, fmt.Errorf("no registry URL: set --registry-url or STOWAGE_TENANT_REGISTRY_URL")
	}
	return tenant.NewStore(dsn)
}
