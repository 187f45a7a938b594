package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/StricklySoft/clinic-auth/internal/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long:  `Applies all pending identity store migrations. An up-to-date schema is not an error.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Postgres.Validate(); err != nil {
			return fmt.Errorf("invalid postgres configuration: %w", err)
		}
		if err := migrations.Up(cfg.Postgres.MigrationURL()); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		return nil
	},
}
