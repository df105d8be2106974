package tenantcmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harborview/stowage/internal/cli/output"
)

var getCmd = &cobra.Command{
	Use:   "get <tenant-id>",
	Short: "Show details for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func runGet(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	t, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get tenant: %w", err)
	}

	format, err := output.ParseFormat(outputFormat)
	if err != nil {
		return err
	}
	if format != output.FormatTable {
		return output.NewPrinter(os.Stdout, format, false).Print(t)
	}

	pairs := [][2]string{
		{"ID", t.ID},
		{"Name", t.Name},
		{"File size limit", formatSizeLimit(t.FileSizeLimit)},
		{"Max connections", formatMaxConns(t.MaxConnections)},
		{"Resumable uploads", boolToYesNo(t.ResumableUploadEnabled)},
		{"Image transforms", boolToYesNo(t.ImageTransformEnabled)},
		{"S3 protocol", boolToYesNo(t.S3ProtocolEnabled)},
		{"Suspended", boolToYesNo(t.Suspended)},
		{"Created", t.CreatedAt.Format("2006-01-02 15:04:05")},
		{"Updated", t.UpdatedAt.Format("2006-01-02 15:04:05")},
	}
	return output.SimpleTable(os.Stdout, pairs)
}
