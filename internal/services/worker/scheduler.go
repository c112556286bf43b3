package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"xpilot/internal/logger"
	"xpilot/internal/models"
	"xpilot/internal/services/toggles"
)

// Scheduler drives the daily routine and the posting worker off wall
// clock time in the configured worker timezone.
type Scheduler struct {
	svc *Service
}

func NewScheduler(svc *Service) *Scheduler {
	return &Scheduler{svc: svc}
}

// Run blocks until ctx is cancelled, firing the daily routine at its
// configured local time and polling for due posts in between.
func (s *Scheduler) Run(ctx context.Context) error {
	loc := s.svc.cfg.Worker.Location()

	dailyTimer := time.NewTimer(time.Until(s.nextDailyRun(time.Now().In(loc))))
	defer dailyTimer.Stop()

	pollTimer := time.NewTimer(0)
	defer pollTimer.Stop()

	logger.Info("scheduler started",
		zap.String("timezone", loc.String()),
		zap.Int("daily_hour", s.svc.cfg.Worker.DailyHour),
		zap.Int("daily_minute", s.svc.cfg.Worker.DailyMinute))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-dailyTimer.C:
			now := time.Now().In(loc)
			s.RunDailyForAllAgents(ctx, now)
			dailyTimer.Reset(time.Until(s.nextDailyRun(now)))

		case <-pollTimer.C:
			now := time.Now().In(loc)
			if _, err := s.svc.RunPostingJobs(ctx, now.UTC()); err != nil {
				logger.Error("posting poll failed", zap.Error(err))
			}
			pollTimer.Reset(s.pollInterval(ctx))
		}
	}
}

// RunDailyForAllAgents executes the daily routine for every active
// agent, then reconciles platform usage once. Per-agent failures are
// logged and do not block the rest.
func (s *Scheduler) RunDailyForAllAgents(ctx context.Context, now time.Time) {
	var agents []models.Agent
	if err := s.svc.db.WithContext(ctx).
		Where("status = ?", models.AgentStatusActive).
		Order("id ASC").
		Find(&agents).Error; err != nil {
		logger.Error("agent enumeration failed", zap.Error(err))
		return
	}

	for _, agent := range agents {
		if _, err := s.svc.RunDailyRoutine(ctx, agent.ID, now); err != nil {
			logger.Error("daily routine failed",
				zap.Int64("agent_id", agent.ID), zap.Error(err))
		}
	}

	if err := s.svc.ReconcileUsage(ctx, now.AddDate(0, 0, -1)); err != nil {
		logger.Error("usage reconcile failed", zap.Error(err))
	}
}

// nextDailyRun returns the next configured daily-run instant strictly
// after now.
func (s *Scheduler) nextDailyRun(now time.Time) time.Time {
	loc := s.svc.cfg.Worker.Location()
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(),
		s.svc.cfg.Worker.DailyHour, s.svc.cfg.Worker.DailyMinute, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// pollInterval is the posting poll cadence: the smallest per-agent
// posting_poll_seconds toggle across active agents, defaulting to the
// configured value.
func (s *Scheduler) pollInterval(ctx context.Context) time.Duration {
	def := s.svc.cfg.Worker.PostingPollSeconds
	if def <= 0 {
		def = 60
	}

	var agents []models.Agent
	if err := s.svc.db.WithContext(ctx).
		Where("status = ?", models.AgentStatusActive).
		Find(&agents).Error; err != nil {
		logger.Warn("poll interval lookup failed", zap.Error(err))
		return time.Duration(def) * time.Second
	}

	interval := def
	for i := range agents {
		if v := toggles.IntToggle(&agents[i], "posting_poll_seconds", def); v < interval {
			interval = v
		}
	}
	return time.Duration(interval) * time.Second
}
