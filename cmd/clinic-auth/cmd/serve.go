package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/StricklySoft/clinic-auth/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Starts the HTTP server (and the gRPC server when configured) with the
authentication pipeline, and runs the reconciliation jobs on their schedule.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to start: %w", err)
		}
		defer a.Close()

		if err := a.Run(ctx); err != nil {
			return err
		}
		logger.InfoContext(context.WithoutCancel(ctx), "server stopped")
		return nil
	},
}
