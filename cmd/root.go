package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd is the base command for the switchboard binary.
var rootCmd = &cobra.Command{
	Use:   "switchboard",
	Short: "Multi-tenant MCP proxy",
	Long: `switchboard aggregates a fleet of downstream MCP servers behind a
single streamable-HTTP endpoint, enforcing per-user permissions and
auditing every routed request.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from main with
// the build-time version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "switchboard version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
