package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/StricklySoft/clinic-auth/internal/app"
	"github.com/StricklySoft/clinic-auth/pkg/reconcile"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run a reconciliation job once",
	Long: `Runs a reconciliation job immediately and prints its report as JSON.
The server runs the same jobs on a schedule; this is for operators.`,
}

var reconcileIdentitiesCmd = &cobra.Command{
	Use:   "identities",
	Short: "Quarantine and purge provider users with no local identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, reconcile.JobIdentities)
	},
}

var reconcileCredentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Revoke all but the newest active credential of each owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJob(cmd, reconcile.JobCredentials)
	},
}

func init() {
	reconcileCmd.AddCommand(reconcileIdentitiesCmd)
	reconcileCmd.AddCommand(reconcileCredentialsCmd)
}

func runJob(cmd *cobra.Command, name string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer a.Close()

	run, err := a.RunJob(ctx, name)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(run); err != nil {
		return err
	}
	if run.Status != reconcile.RunStatusCompleted {
		return fmt.Errorf("%s reconciliation %s: %s", name, run.Status, run.ErrorMessage)
	}
	return nil
}
