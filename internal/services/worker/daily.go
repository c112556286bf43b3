package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"xpilot/internal/clients/x"
	"xpilot/internal/logger"
	"xpilot/internal/models"
	"xpilot/internal/services/budget"
	"xpilot/internal/services/metrics"
	"xpilot/internal/services/ratelimit"
	"xpilot/internal/services/toggles"
)

// Routine outcome statuses.
const (
	RoutineSuccess = "success"
	RoutineSkipped = "skipped"
	RoutineFailure = "error"
)

// Routine skip reasons.
const (
	SkipAgentStopped   = "agent_stopped"
	SkipBudgetExceeded = "budget_exceeded"
	SkipRateLimited    = "rate_limited"
	SkipMissingUserID  = "missing_user_id"
)

// Pre-flight reservation covering ingest plus analysis for one run.
const (
	preflightXCost   = 1.00
	preflightLLMCost = 2.00
)

// RoutineResult summarizes one daily routine run for the run log and
// callers.
type RoutineResult struct {
	RunID      string `json:"run_id"`
	AgentID    int64  `json:"agent_id"`
	BaseDate   string `json:"base_date"`
	TargetDate string `json:"target_date"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`

	Posts                   int `json:"posts"`
	Metrics                 int `json:"metrics"`
	ConfirmedMetricsCreated int `json:"confirmed_metrics_created"`
	PlannedPosts            int `json:"planned_posts"`
	Research                int `json:"research"`
	Fetch                   int `json:"fetch"`

	Cost  RoutineCost   `json:"cost"`
	Error *RoutineError `json:"error,omitempty"`
}

type RoutineCost struct {
	XAPICost float64 `json:"x_api_cost"`
	LLMCost  float64 `json:"llm_cost"`
	Total    float64 `json:"total"`
}

type RoutineError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// RunDailyRoutine executes the analytics-and-planning pipeline for one
// agent. The target date is two days before the base date so the
// platform's metrics have settled.
func (s *Service) RunDailyRoutine(ctx context.Context, agentID int64, baseDate time.Time) (RoutineResult, error) {
	base := models.DateOnly(baseDate)
	targetDate := base.AddDate(0, 0, -2)

	result := RoutineResult{
		RunID:      uuid.NewString(),
		AgentID:    agentID,
		BaseDate:   base.Format("2006-01-02"),
		TargetDate: targetDate.Format("2006-01-02"),
		Status:     RoutineSuccess,
	}

	agent, err := s.ensureAgent(ctx, agentID)
	if err != nil {
		return s.finishError(ctx, result, targetDate, "agent_setup_failed", err)
	}

	if !s.guard.IsAgentRunnable(agent, base) {
		reason := SkipAgentStopped
		if agent.Status != models.AgentStatusStopped && agent.Status != models.AgentStatusActive {
			reason = fmt.Sprintf("agent_status_%s", agent.Status)
		}
		result.Status = RoutineSkipped
		result.Reason = reason
		if err := s.guard.RecordAudit(ctx, agentID, base,
			models.AuditSourceDailyRoutine, models.AuditEventExecutionSkip,
			models.AuditSkipped, &reason, nil); err != nil {
			return result, err
		}
		metrics.DailyRoutineRuns.WithLabelValues(RoutineSkipped).Inc()
		s.writeRunLog(result)
		return result, nil
	}

	ledger := budget.NewLedger(s.db, agent, targetDate)

	if err := ledger.Reserve(ctx, preflightXCost, preflightLLMCost); err != nil {
		if errors.Is(err, budget.ErrBudgetExceeded) {
			metrics.BudgetRejections.Inc()
			return s.finishSkip(ctx, result, targetDate, SkipBudgetExceeded)
		}
		return s.finishError(ctx, result, targetDate, "budget_check_failed", err)
	}

	engagementLimit := toggles.IntToggle(agent, "reply_quote_daily_max", ratelimit.DefaultEngagementLimit)
	engagement := ratelimit.NewEngagementLimiter(s.db, agentID, targetDate, engagementLimit)
	limited, err := engagement.IsLimited(ctx, 1)
	if err != nil {
		return s.finishError(ctx, result, targetDate, "rate_check_failed", err)
	}
	if limited {
		return s.finishSkip(ctx, result, targetDate, SkipRateLimited)
	}

	posts, confirmed, err := s.ingestPosts(ctx, agentID, targetDate)
	if errors.Is(err, x.ErrMissingUserID) {
		return s.finishSkip(ctx, result, targetDate, SkipMissingUserID)
	}
	if err != nil {
		return s.finishError(ctx, result, targetDate, "ingest_failed", err)
	}
	result.Posts = posts
	result.ConfirmedMetricsCreated = confirmed
	result.Metrics = confirmed

	if _, err := s.harvestTargets(ctx, s.db, agentID, targetDate, ledger); err != nil &&
		!errors.Is(err, budget.ErrBudgetExceeded) {
		logger.Warn("target harvest failed",
			zap.Int64("agent_id", agentID), zap.Error(err))
	}

	research, err := s.runResearch(ctx, s.db, agentID, targetDate, ledger)
	if err != nil {
		return s.finishError(ctx, result, targetDate, "research_failed", err)
	}
	result.Research = research

	fetches, err := s.runFetches(ctx, s.db, agentID, targetDate, ledger)
	if err != nil {
		return s.finishError(ctx, result, targetDate, "fetch_failed", err)
	}
	result.Fetch = fetches

	postsPerDay := toggles.IntToggle(agent, "posts_per_day", s.cfg.Worker.PostsPerDay)
	drafts, consumed, err := s.buildPostDrafts(ctx, s.db, agentID, targetDate, postsPerDay, ledger)
	if err != nil && !errors.Is(err, budget.ErrBudgetExceeded) {
		return s.finishError(ctx, result, targetDate, "plan_failed", err)
	}
	planned, err := s.persistDrafts(ctx, s.db, agentID, targetDate, drafts, consumed)
	if err != nil {
		return s.finishError(ctx, result, targetDate, "plan_persist_failed", err)
	}
	result.PlannedPosts = planned

	if err := ledger.Commit(ctx); err != nil {
		return s.finishError(ctx, result, targetDate, "cost_commit_failed", err)
	}
	s.fillCost(ctx, &result, agentID, targetDate)

	if err := s.writePDCA(ctx, agentID, targetDate, result); err != nil {
		return result, err
	}

	metrics.DailyRoutineRuns.WithLabelValues(RoutineSuccess).Inc()
	s.writeRunLog(result)
	return result, nil
}

// ensureAgent loads the agent, creating a default account/agent pair
// for unknown ids so a fresh database can be exercised immediately.
func (s *Service) ensureAgent(ctx context.Context, agentID int64) (*models.Agent, error) {
	var agent models.Agent
	err := s.db.WithContext(ctx).First(&agent, "id = ?", agentID).Error
	if err == nil {
		return &agent, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account := models.Account{
			Name: fmt.Sprintf("auto-account-%d", agentID),
			Type: models.AccountTypeIndividual,
		}
		if err := tx.Create(&account).Error; err != nil {
			return err
		}
		agent = models.Agent{
			ID:             agentID,
			AccountID:      account.ID,
			Status:         models.AgentStatusActive,
			DailyBudget:    10,
			BudgetSplitX:   5,
			BudgetSplitLLM: 5,
		}
		return tx.Create(&agent).Error
	})
	if err != nil {
		return nil, err
	}
	logger.Info("created default agent", zap.Int64("agent_id", agentID))
	return &agent, nil
}

// ingestPosts pulls the target day's posts from the platform, upserts
// them by (agent, external id) and records confirmed metrics once per
// post.
func (s *Service) ingestPosts(ctx context.Context, agentID int64, targetDate time.Time) (int, int, error) {
	external, err := s.reader.ListPosts(ctx, agentID, targetDate)
	if err != nil {
		return 0, 0, err
	}

	confirmed := 0
	for _, ext := range external {
		post, err := s.upsertPost(ctx, agentID, ext)
		if err != nil {
			return len(external), confirmed, err
		}

		var existing int64
		if err := s.db.WithContext(ctx).Model(&models.PostMetrics{}).
			Where("post_id = ? AND collection_type = ?", post.ID, models.MetricsConfirmed).
			Count(&existing).Error; err != nil {
			return len(external), confirmed, err
		}
		if existing > 0 {
			continue
		}

		counts, err := s.reader.GetPostMetrics(ctx, ext)
		if err != nil {
			logger.Warn("metrics collection failed",
				zap.Int64("agent_id", agentID),
				zap.String("external_id", ext.ExternalID),
				zap.Error(err))
			continue
		}

		row := models.PostMetrics{
			PostID:         post.ID,
			CollectionType: models.MetricsConfirmed,
			CollectedAt:    targetDate.Add(24 * time.Hour),
			Impressions:    counts.Impressions,
			Likes:          counts.Likes,
			Replies:        counts.Replies,
			Retweets:       counts.Retweets,
			Clicks:         counts.Clicks,
			Engagements:    counts.Engagements(),
		}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return len(external), confirmed, err
		}
		confirmed++
	}
	return len(external), confirmed, nil
}

func (s *Service) upsertPost(ctx context.Context, agentID int64, ext x.ExternalPost) (*models.Post, error) {
	var post models.Post
	err := s.db.WithContext(ctx).
		Where("agent_id = ? AND external_id = ?", agentID, ext.ExternalID).
		First(&post).Error
	if err == nil {
		if post.PostedAt == nil {
			postedAt := ext.PostedAt
			post.PostedAt = &postedAt
			if err := s.db.WithContext(ctx).Save(&post).Error; err != nil {
				return nil, err
			}
		}
		return &post, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	externalID := ext.ExternalID
	postedAt := ext.PostedAt
	post = models.Post{
		AgentID:    agentID,
		ExternalID: &externalID,
		Content:    ext.Text,
		Type:       ext.Type,
		PostedAt:   &postedAt,
	}
	if err := s.db.WithContext(ctx).Create(&post).Error; err != nil {
		return nil, err
	}
	return &post, nil
}

func (s *Service) fillCost(ctx context.Context, result *RoutineResult, agentID int64, targetDate time.Time) {
	var cost models.CostLog
	err := s.db.WithContext(ctx).
		Where("agent_id = ? AND date = ?", agentID, models.DateOnly(targetDate)).
		First(&cost).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Warn("cost lookup failed", zap.Int64("agent_id", agentID), zap.Error(err))
		}
		return
	}
	result.Cost = RoutineCost{XAPICost: cost.XAPICost, LLMCost: cost.LLMCost, Total: cost.Total}
}

func (s *Service) finishSkip(ctx context.Context, result RoutineResult, targetDate time.Time, reason string) (RoutineResult, error) {
	result.Status = RoutineSkipped
	result.Reason = reason

	if err := s.writePDCA(ctx, result.AgentID, targetDate, result); err != nil {
		return result, err
	}
	metrics.DailyRoutineRuns.WithLabelValues(RoutineSkipped).Inc()
	s.writeRunLog(result)
	return result, nil
}

func (s *Service) finishError(ctx context.Context, result RoutineResult, targetDate time.Time, errType string, cause error) (RoutineResult, error) {
	result.Status = RoutineFailure
	result.Error = &RoutineError{Type: errType, Message: cause.Error()}

	if err := s.writePDCA(ctx, result.AgentID, targetDate, result); err != nil {
		logger.Error("failed to persist error pdca",
			zap.Int64("agent_id", result.AgentID), zap.Error(err))
	}
	metrics.DailyRoutineRuns.WithLabelValues(RoutineFailure).Inc()
	s.writeRunLog(result)
	return result, fmt.Errorf("%s: %w", errType, cause)
}

// writePDCA upserts the (agent, target date) PDCA row from the run
// result.
func (s *Service) writePDCA(ctx context.Context, agentID int64, targetDate time.Time, result RoutineResult) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		date := models.DateOnly(targetDate)

		var pdca models.DailyPDCA
		err := tx.Where("agent_id = ? AND date = ?", agentID, date).First(&pdca).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			pdca = models.DailyPDCA{AgentID: agentID, Date: date}
		} else if err != nil {
			return err
		}

		summary, err := pdca.Analytics()
		if err != nil {
			return err
		}
		summary.TargetDate = result.TargetDate
		summary.PostCount = result.Posts
		summary.ConfirmedMetricsCreated = result.ConfirmedMetricsCreated
		summary.PlannedPosts = result.PlannedPosts
		summary.SearchCount = result.Research
		summary.FetchCount = result.Fetch

		analysis := models.Analysis{Status: "analyzed"}
		strategy := models.Strategy{NextAction: "continue"}

		switch result.Status {
		case RoutineSkipped:
			summary.Status = "skip"
			summary.Reason = result.Reason
			analysis = models.Analysis{Status: "skipped", Reason: result.Reason}
			strategy = models.Strategy{NextAction: "wait"}
		case RoutineFailure:
			summary.Status = "error"
			if result.Error != nil {
				summary.Reason = result.Error.Type
			}
			analysis = models.Analysis{Status: "error", Reason: summary.Reason}
			strategy = models.Strategy{NextAction: "wait"}
		default:
			summary.Status = "ok"
			summary.Reason = ""
		}

		if err := pdca.SetAnalytics(summary); err != nil {
			return err
		}
		if err := pdca.SetAnalysis(analysis); err != nil {
			return err
		}
		if err := pdca.SetStrategy(strategy); err != nil {
			return err
		}

		if pdca.ID == 0 {
			return tx.Create(&pdca).Error
		}
		return tx.Save(&pdca).Error
	})
}
