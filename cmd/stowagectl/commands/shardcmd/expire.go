package shardcmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harborview/stowage/pkg/sharding"
)

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Release slots held by expired reservations",
	Long: `Release slots held by reservations whose lease ran out without being
confirmed or cancelled. The gateway does this opportunistically during
allocation; this command forces a full sweep.`,
	RunE: runExpire,
}

func runExpire(cmd *cobra.Command, args []string) error {
	return withAllocator(cmd.Context(), func(a *sharding.Allocator) error {
		n, err := a.ExpireLeases(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to expire leases: %w", err)
		}
		fmt.Printf("Released %d expired reservation(s)\n", n)
		return nil
	})
}
