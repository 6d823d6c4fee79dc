package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API and the worker pool",
		Long: `Starts the job API, the dispatcher and the worker pool, and blocks until
SIGINT or SIGTERM. In-flight jobs get server.shutdown_timeout to finish.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := runtimeFrom(cmd.Context())
			if err != nil {
				return err
			}
			app, err := newPipeline(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			if err := app.Serve(cmd.Context()); err != nil {
				rt.logger.Error("serve failed", zap.Error(err))
				return err
			}
			return nil
		},
	}
}
