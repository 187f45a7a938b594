package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/StricklySoft/clinic-auth/internal/app"
)

var (
	configPath string
	cfg        app.Config
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "clinic-auth",
	Short: "Clinic API authentication and abuse-control service",
	Long: `clinic-auth authenticates clinic API requests carrying provider or
internal bearer tokens, throttles tenants per route class, and reconciles
the identity provider with the local identity store.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = app.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logger = app.NewLogger(cfg.Log)
		slog.SetDefault(logger)
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML or JSON config file (env: CLINIC_* overrides it)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reconcileCmd)
}
