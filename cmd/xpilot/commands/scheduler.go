package commands

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"xpilot/internal/database"
	"xpilot/internal/logger"
	"xpilot/internal/services/worker"
)

var (
	schedulerOnce      bool
	schedulerOncePosts bool
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the daily and posting schedulers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()
		defer func() { _ = database.Close() }()

		svc, err := buildService(cmd.Context(), cfg, db)
		if err != nil {
			return err
		}
		sched := worker.NewScheduler(svc)

		if schedulerOnce {
			sched.RunDailyForAllAgents(cmd.Context(), time.Now().In(cfg.Worker.Location()))
			return nil
		}
		if schedulerOncePosts {
			results, err := svc.RunPostingJobs(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}
			logger.Info("posting poll finished", zap.Int("claimed", len(results)))
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	schedulerCmd.Flags().BoolVar(&schedulerOnce, "once", false, "run the daily routine for all agents once and exit")
	schedulerCmd.Flags().BoolVar(&schedulerOncePosts, "once-posts", false, "run one posting poll and exit")
}
