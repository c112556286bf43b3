package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"xpilot/internal/database"
	"xpilot/internal/logger"
)

var reconcileDate string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reconcile measured platform usage for one date",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer func() { _ = database.Close() }()

		date := time.Now().UTC().AddDate(0, 0, -1)
		if reconcileDate != "" {
			parsed, err := time.Parse("2006-01-02", reconcileDate)
			if err != nil {
				return fmt.Errorf("invalid --date, want YYYY-MM-DD: %w", err)
			}
			date = parsed
		}

		svc, err := buildService(cmd.Context(), cfg, db)
		if err != nil {
			return err
		}
		return svc.ReconcileUsage(cmd.Context(), date)
	},
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileDate, "date", "", "date to reconcile (YYYY-MM-DD), defaults to yesterday")
}
