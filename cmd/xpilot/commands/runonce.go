package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"xpilot/internal/database"
	"xpilot/internal/logger"
)

var (
	runOnceAgentID int64
	runOnceDate    string
)

var runOnceCmd = &cobra.Command{
	Use:   "runonce",
	Short: "Run the daily routine once for one agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer func() { _ = database.Close() }()

		baseDate := time.Now().UTC()
		if runOnceDate != "" {
			parsed, err := time.Parse("2006-01-02", runOnceDate)
			if err != nil {
				return fmt.Errorf("invalid --date, want YYYY-MM-DD: %w", err)
			}
			baseDate = parsed
		}

		svc, err := buildService(cmd.Context(), cfg, db)
		if err != nil {
			return err
		}

		result, err := svc.RunDailyRoutine(cmd.Context(), runOnceAgentID, baseDate)
		if err != nil {
			return err
		}

		logger.Info("daily routine finished",
			zap.String("run_id", result.RunID),
			zap.Int64("agent_id", result.AgentID),
			zap.String("target_date", result.TargetDate),
			zap.String("status", result.Status),
			zap.String("reason", result.Reason),
			zap.Int("posts", result.Posts),
			zap.Int("planned_posts", result.PlannedPosts))
		return nil
	},
}

func init() {
	runOnceCmd.Flags().Int64Var(&runOnceAgentID, "agent-id", 0, "agent to run for")
	runOnceCmd.Flags().StringVar(&runOnceDate, "date", "", "base date (YYYY-MM-DD), defaults to today")
	_ = runOnceCmd.MarkFlagRequired("agent-id")
}
