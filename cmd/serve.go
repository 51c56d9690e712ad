package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP scrape API",
		Long: `Starts the HTTP server exposing POST /scrape, POST /batch, GET /health and,
when enabled, GET /metrics. Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: runServeCommand,
	}
	cmd.Flags().String("host", "", "listen host (overrides server.host)")
	cmd.Flags().Int("port", 0, "listen port (overrides server.port)")
	cmd.Flags().Int("max-concurrent", 0, "per-batch admission limit (overrides scrape.max_concurrent)")
	return cmd
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if err := appInstance.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run server: %w", err)
	}
	return nil
}
