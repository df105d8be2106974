package tenantcmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harborview/stowage/internal/bytesize"
	"github.com/harborview/stowage/internal/cli/output"
	"github.com/harborview/stowage/pkg/tenant"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tenants",
	Long: `List all tenants registered in the registry.

Examples:
  # List tenants
  stowagectl tenant list

  # List tenants from a specific registry
  stowagectl tenant list --registry-url postgres://localhost/registry

  # List as JSON
  stowagectl tenant list -o json`,
	RunE: runList,
}

// TenantList is a list of tenants for table rendering.
type TenantList []tenant.Tenant

// Headers implements TableRenderer.
func (tl TenantList) Headers() []string {
	return []string{"ID", "NAME", "SIZE LIMIT", "MAX CONNS", "RESUMABLE", "SUSPENDED", "CREATED"}
}

// Rows implements TableRenderer.
func (tl TenantList) Rows() [][]string {
	rows := make([][]string, 0, len(tl))
	for _, t := range tl {
		rows = append(rows, []string{
			t.ID,
			t.Name,
			formatSizeLimit(t.FileSizeLimit),
			formatMaxConns(t.MaxConnections),
			boolToYesNo(t.ResumableUploadEnabled),
			boolToYesNo(t.Suspended),
			t.CreatedAt.Format("2006-01-02 15:04"),
		})
	}
	return rows
}

func runList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	tenants, err := store.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list tenants: %w", err)
	}

	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return err
	}

	return output.PrintList(os.Stdout, format, tenants,
		len(tenants) == 0, "No tenants registered.", TenantList(tenants))
}

func boolToYesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func formatSizeLimit(limit int64) string {
	if limit <= 0 {
		return "-"
	}
	return bytesize.ByteSize(limit).String()
}

func formatMaxConns(n int32) string {
	if n <= 0 {
		return "default"
	}
	return fmt.Sprintf("%d", n)
}
