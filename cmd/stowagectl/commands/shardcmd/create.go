package shardcmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harborview/stowage/pkg/sharding"
)

var createOpts struct {
	kind     string
	capacity int
}

var createCmd = &cobra.Command{
	Use:   "create <shard-key>...",
	Short: "Create shards",
	Long: `Create one or more shards of a kind.

Each shard key names a physical location (for example a database cluster or
a bucket group) and gets the same slot capacity.

Examples:
  # Two bucket shards with 5000 slots each
  stowagectl shard create pool-a pool-b --kind bucket --capacity 5000`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVar(&createOpts.kind, "kind", "bucket", "Shard kind")
	createCmd.Flags().IntVar(&createOpts.capacity, "capacity", 0, "Slot capacity per shard (required)")

	_ = createCmd.MarkFlagRequired("capacity")
}

func runCreate(cmd *cobra.Command, args []string) error {
	return withAllocator(cmd.Context(), func(a *sharding.Allocator) error {
		if err := a.CreateShards(cmd.Context(), createOpts.kind, args, createOpts.capacity); err != nil {
			return fmt.Errorf("failed to create shards: %w", err)
		}
		fmt.Printf("Created %d shard(s) of kind %q with capacity %d\n", len(args), createOpts.kind, createOpts.capacity)
		return nil
	})
}
