package tenantcmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var suspendCmd = &cobra.Command{
	Use:   "suspend <tenant-id>",
	Short: "Suspend a tenant",
	Long: `Suspend a tenant. Suspended tenants are rejected at the gateway with
403 until resumed; their data is untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSuspended(cmd, args[0], true)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <tenant-id>",
	Short: "Resume a suspended tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setSuspended(cmd, args[0], false)
	},
}

func setSuspended(cmd *cobra.Command, id string, suspended bool) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	t, err := store.Get(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("failed to get tenant: %w", err)
	}

	if t.Suspended == suspended {
		if suspended {
			fmt.Printf("Tenant %q is already suspended\n", id)
		} else {
			fmt.Printf("Tenant %q is not suspended\n", id)
		}
		return nil
	}

	t.Suspended = suspended
	if err := store.Update(cmd.Context(), t); err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}

	if suspended {
		fmt.Printf("Tenant %q suspended\n", id)
	} else {
		fmt.Printf("Tenant %q resumed\n", id)
	}
	return nil
}
