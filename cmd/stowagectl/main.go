// Command stowagectl is the operator tool for Stowage deployments. It talks
// directly to the tenant registry and tenant metadata databases, so it runs
// from a trusted host rather than through the gateway API.
package main

import (
	"os"

	"github.com/harborview/stowage/cmd/stowagectl/commands"
)

// Version information (set by build flags).
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		commands.PrintErr("Error: %v", err)
		os.Exit(1)
	}
}
