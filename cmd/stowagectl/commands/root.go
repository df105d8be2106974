// Package commands implements the CLI commands for the stowagectl operator tool.
package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/harborview/stowage/cmd/stowagectl/commands/shardcmd"
	"github.com/harborview/stowage/cmd/stowagectl/commands/tenantcmd"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "stowagectl",
	Short: "Stowage Control - Deployment management tool",
	Long: `stowagectl is the command-line tool for managing Stowage deployments.

Use this tool to manage tenants in the registry and to inspect and
administer shard pools in tenant metadata databases.

Use "stowagectl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(tenantcmd.Cmd)
	rootCmd.AddCommand(shardcmd.Cmd)
	rootCmd.AddCommand(completionCmd)

	// Hide the default completion command (we provide our own)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// PrintErr prints an error message to stderr.
func PrintErr(format string, args ...any) {
	rootCmd.PrintErrf(format+"\n", args...)
}

// Exit prints an error and exits with code 1.
func Exit(format string, args ...any) {
	PrintErr(format, args...)
	os.Exit(1)
}
