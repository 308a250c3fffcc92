package cmd

import (
	"context"
	"fmt"

	"switchboard/internal/app"
	"switchboard/internal/config"

	"github.com/spf13/cobra"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy",
	Long: `Starts the proxy: connects the enabled downstream MCP servers and
serves the client-facing MCP endpoint until interrupted.

Configuration is read from the optional YAML file given with --config,
with SWITCHBOARD_* environment variables applied on top.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return application.Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to the YAML configuration file")
}
