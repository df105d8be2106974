package shardcmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harborview/stowage/internal/cli/output"
	"github.com/harborview/stowage/pkg/sharding"
)

var statsKind string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show occupancy per shard",
	Long: `Show slot occupancy for every shard of a kind.

Examples:
  # Inspect bucket placement shards
  stowagectl shard stats --kind bucket --database-url postgres://localhost/storage`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsKind, "kind", "bucket", "Shard kind to inspect")
}

// ShardStatsList renders shard occupancy as a table.
type ShardStatsList []sharding.Stats

// Headers implements TableRenderer.
func (sl ShardStatsList) Headers() []string {
	return []string{"SHARD KEY", "CAPACITY", "USED", "FREE"}
}

// Rows implements TableRenderer.
func (sl ShardStatsList) Rows() [][]string {
	rows := make([][]string, 0, len(sl))
	for _, s := range sl {
		rows = append(rows, []string{
			s.ShardKey,
			fmt.Sprintf("%d", s.Capacity),
			fmt.Sprintf("%d", s.Used),
			fmt.Sprintf("%d", s.Free),
		})
	}
	return rows
}

func runStats(cmd *cobra.Command, args []string) error {
	return withAllocator(cmd.Context(), func(a *sharding.Allocator) error {
		stats, err := a.ShardStats(cmd.Context(), statsKind)
		if err != nil {
			return fmt.Errorf("failed to query shard stats: %w", err)
		}

		format, err := output.ParseFormat(outputFormat)
		if err != nil {
			return err
		}

		return output.PrintList(os.Stdout, format, stats,
			len(stats) == 0, fmt.Sprintf("No shards of kind %q.", statsKind), ShardStatsList(stats))
	})
}
