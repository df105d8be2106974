package tenantcmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deleteForce bool

var deleteCmd = &cobra.Command{
	Use:   "delete <tenant-id>",
	Short: "Remove a tenant from the registry",
	Long: `Remove a tenant from the registry.

This only deregisters the tenant. Its metadata database and stored objects
are not deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().BoolVar(&deleteForce, "force", false, "Skip confirmation")
}

func runDelete(cmd *cobra.Command, args []string) error {
	if !deleteForce {
		return fmt.Errorf("refusing to delete tenant %q without --force", args[0])
	}

	store, err := openStore()
	if err != nil {
		return err
	}

	if err := store.Delete(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}

	fmt.Printf("Tenant %q deleted\n", args[0])
	return nil
}
