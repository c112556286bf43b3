package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"xpilot/internal/clients/x"
	"xpilot/internal/logger"
	"xpilot/internal/models"
	"xpilot/internal/services/budget"
	"xpilot/internal/services/guard"
	"xpilot/internal/services/metrics"
	"xpilot/internal/services/ratelimit"
	"xpilot/internal/services/toggles"
)

// Per-post publish cost reserved against the X split.
const postXCost = 1.00

// Posting outcome statuses.
const (
	PostPosted  = "posted"
	PostSkipped = "skipped"
	PostFailed  = "failed"
)

// Posting skip/failure reasons.
const (
	ReasonInvalidTargetURL   = "invalid_target_url"
	ReasonDuplicateContent   = "duplicate_content"
	ReasonTokenUnavailable   = "token_unavailable"
	ReasonPostPublishFailed  = "publish_failed"
	ReasonPostBudgetExceeded = "budget_exceeded"
)

// PostingResult is the per-post outcome of one worker poll.
type PostingResult struct {
	PostID     int64  `json:"post_id"`
	AgentID    int64  `json:"agent_id"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RunPostingJobs claims one batch of due posts and publishes them. The
// claim and all per-post bookkeeping happen in one transaction so a
// concurrent worker on postgres skips the locked rows instead of
// double-posting.
func (s *Service) RunPostingJobs(ctx context.Context, now time.Time) ([]PostingResult, error) {
	var results []PostingResult

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Where("posted_at IS NULL AND scheduled_at IS NOT NULL AND scheduled_at <= ?", now).
			Order("scheduled_at ASC, id ASC").
			Limit(s.cfg.Worker.PostingBatchSize)
		if tx.Dialector.Name() == "postgres" {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var due []models.Post
		if err := query.Find(&due).Error; err != nil {
			return err
		}
		metrics.ClaimedPosts.Observe(float64(len(due)))

		guardian := guard.NewManager(tx)
		agents := map[int64]*models.Agent{}

		for i := range due {
			post := &due[i]

			agent, ok := agents[post.AgentID]
			if !ok {
				var loaded models.Agent
				if err := tx.First(&loaded, "id = ?", post.AgentID).Error; err != nil {
					return err
				}
				agent = &loaded
				agents[post.AgentID] = agent
			}

			result := s.publishOne(ctx, tx, guardian, agent, post, now)
			results = append(results, result)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.cfg.Plan.PostingUsageReconcile {
		if err := s.ReconcileUsage(ctx, now); err != nil {
			logger.Warn("post-batch usage reconcile failed", zap.Error(err))
		}
	}
	return results, nil
}

func (s *Service) publishOne(ctx context.Context, tx *gorm.DB, guardian *guard.Manager, agent *models.Agent, post *models.Post, now time.Time) PostingResult {
	result := PostingResult{PostID: post.ID, AgentID: agent.ID}

	if !guardian.IsAgentRunnable(agent, now) {
		return s.skip(ctx, guardian, result, now, SkipAgentStopped)
	}

	if post.Type.IsEngagement() {
		engagementLimit := toggles.IntToggle(agent, "reply_quote_daily_max", ratelimit.DefaultEngagementLimit)
		limiter := ratelimit.NewEngagementLimiter(tx, agent.ID, now, engagementLimit)
		limited, err := limiter.IsLimited(ctx, 1)
		if err != nil {
			return s.fail(ctx, tx, guardian, result, now, "rate_check_failed", err)
		}
		if limited {
			return s.skip(ctx, guardian, result, now, SkipRateLimited)
		}
	}

	duplicate, err := s.dedupePost(ctx, tx, post, now)
	if err != nil {
		return s.fail(ctx, tx, guardian, result, now, "dedupe_check_failed", err)
	}
	if duplicate {
		return s.skip(ctx, guardian, result, now, ReasonDuplicateContent)
	}

	// One ledger per post. A reservation on a post that ends up skipped
	// or failed is abandoned with the ledger, never committed.
	ledger := budget.NewLedger(tx, agent, now)
	if err := ledger.Reserve(ctx, postXCost, 0); err != nil {
		if errors.Is(err, budget.ErrBudgetExceeded) {
			metrics.BudgetRejections.Inc()
			return s.skip(ctx, guardian, result, now, ReasonPostBudgetExceeded)
		}
		return s.fail(ctx, tx, guardian, result, now, "budget_check_failed", err)
	}

	if post.Type.IsEngagement() {
		if post.TargetPostURL == nil || !x.IsValidStatusURL(*post.TargetPostURL) {
			return s.skip(ctx, guardian, result, now, ReasonInvalidTargetURL)
		}
	}

	if s.tokens != nil {
		if _, err := s.tokens.EnsureFreshToken(ctx, agent.AccountID, now); err != nil {
			metrics.TokenRefreshes.WithLabelValues("failure").Inc()
			reason := err.Error()
			if auditErr := guardian.RecordAudit(ctx, agent.ID, now,
				models.AuditSourceOAuth, models.AuditEventRefresh,
				models.AuditFailed, &reason, nil); auditErr != nil {
				logger.Error("refresh audit failed", zap.Error(auditErr))
			}
			s.maybeStopOnStreak(ctx, guardian, agent.ID, now,
				models.AuditSourceOAuth, models.AuditEventRefresh,
				models.ReasonOAuthRefreshFailures)

			result = s.skip(ctx, guardian, result, now, ReasonTokenUnavailable)
			result.Error = err.Error()
			return result
		}
	}

	externalID, err := s.publish(ctx, agent.ID, post)
	if err != nil {
		return s.fail(ctx, tx, guardian, result, now, ReasonPostPublishFailed, err)
	}

	postedAt := now
	post.ExternalID = &externalID
	post.PostedAt = &postedAt
	if err := tx.Save(post).Error; err != nil {
		return s.fail(ctx, tx, guardian, result, now, "post_update_failed", err)
	}

	if post.Type.IsEngagement() {
		action := models.EngagementAction{
			AgentID:    agent.ID,
			ActionType: engagementActionFor(post.Type),
			ExecutedAt: now,
		}
		if post.TargetPostURL != nil {
			action.TargetPostURL = *post.TargetPostURL
		}
		if err := tx.Create(&action).Error; err != nil {
			return s.fail(ctx, tx, guardian, result, now, "engagement_record_failed", err)
		}
	}

	if err := ledger.Commit(ctx); err != nil {
		logger.Warn("posting cost commit failed",
			zap.Int64("agent_id", agent.ID), zap.Error(err))
	}

	payload, _ := json.Marshal(map[string]any{"post_id": post.ID, "external_id": externalID})
	if err := guardian.RecordAudit(ctx, agent.ID, now,
		models.AuditSourcePostingJobs, models.AuditEventPosting,
		models.AuditSuccess, nil, payload); err != nil {
		logger.Error("posting audit failed", zap.Error(err))
	}

	metrics.PostsPublished.WithLabelValues(string(post.Type)).Inc()
	result.Status = PostPosted
	result.ExternalID = externalID
	return result
}

// dedupePost ensures the claimed post carries its content hash and
// bucket date, computing them when the row predates the planner, and
// reports whether the same content already went out for the bucket.
func (s *Service) dedupePost(ctx context.Context, tx *gorm.DB, post *models.Post, now time.Time) (bool, error) {
	hash := ""
	if post.ContentHash != nil {
		hash = *post.ContentHash
	} else {
		var parts []string
		if len(post.ThreadParts) > 0 {
			if err := json.Unmarshal(post.ThreadParts, &parts); err != nil {
				return false, err
			}
		}
		hash = models.ContentHashFor(post.Content, parts)
	}

	bucket := models.DateOnly(now)
	if post.ContentBucketDate != nil {
		bucket = *post.ContentBucketDate
	} else if post.ScheduledAt != nil {
		bucket = models.DateOnly(*post.ScheduledAt)
	}

	var published int64
	if err := tx.WithContext(ctx).Model(&models.Post{}).
		Where("agent_id = ? AND content_hash = ? AND content_bucket_date = ? AND id <> ? AND posted_at IS NOT NULL",
			post.AgentID, hash, bucket, post.ID).
		Count(&published).Error; err != nil {
		return false, err
	}
	if published > 0 {
		return true, nil
	}

	if post.ContentHash == nil || post.ContentBucketDate == nil {
		// An unposted sibling already owning the slot would make the
		// hash write violate the unique index; same skip.
		var holders int64
		if err := tx.WithContext(ctx).Model(&models.Post{}).
			Where("agent_id = ? AND content_hash = ? AND content_bucket_date = ? AND id <> ?",
				post.AgentID, hash, bucket, post.ID).
			Count(&holders).Error; err != nil {
			return false, err
		}
		if holders > 0 {
			return true, nil
		}

		post.ContentHash = &hash
		post.ContentBucketDate = &bucket
		if err := tx.Save(post).Error; err != nil {
			return false, err
		}
	}
	return false, nil
}

func (s *Service) publish(ctx context.Context, agentID int64, post *models.Post) (string, error) {
	switch post.Type {
	case models.PostTypeThread:
		var parts []string
		if len(post.ThreadParts) > 0 {
			if err := json.Unmarshal(post.ThreadParts, &parts); err != nil {
				return "", err
			}
		}
		if len(parts) == 0 {
			parts = []string{post.Content}
		}
		return s.poster.PostThread(ctx, agentID, parts)
	case models.PostTypeReply:
		return s.poster.PostReply(ctx, agentID, *post.TargetPostURL, post.Content)
	case models.PostTypeQuoteRT:
		return s.poster.PostQuoteRT(ctx, agentID, *post.TargetPostURL, post.Content)
	default:
		return s.poster.PostText(ctx, agentID, post.Content)
	}
}

func engagementActionFor(t models.PostType) models.ActionType {
	if t == models.PostTypeQuoteRT {
		return models.ActionQuoteRT
	}
	return models.ActionReply
}

func (s *Service) skip(ctx context.Context, guardian *guard.Manager, result PostingResult, now time.Time, reason string) PostingResult {
	result.Status = PostSkipped
	result.Reason = reason

	payload, _ := json.Marshal(map[string]any{"post_id": result.PostID})
	if err := guardian.RecordAudit(ctx, result.AgentID, now,
		models.AuditSourcePostingJobs, models.AuditEventPosting,
		models.AuditSkipped, &reason, payload); err != nil {
		logger.Error("posting skip audit failed", zap.Error(err))
	}
	return result
}

func (s *Service) fail(ctx context.Context, tx *gorm.DB, guardian *guard.Manager, result PostingResult, now time.Time, reason string, cause error) PostingResult {
	result.Status = PostFailed
	result.Reason = reason
	result.Error = cause.Error()

	message := cause.Error()
	if err := guardian.RecordAudit(ctx, result.AgentID, now,
		models.AuditSourcePostingJobs, models.AuditEventPosting,
		models.AuditFailed, &message, nil); err != nil {
		logger.Error("posting failure audit failed", zap.Error(err))
	}

	if err := s.appendPostingError(ctx, tx, result.AgentID, now, reason, message); err != nil {
		logger.Warn("failed to annotate pdca with posting error",
			zap.Int64("agent_id", result.AgentID), zap.Error(err))
	}

	s.maybeStopOnStreak(ctx, guardian, result.AgentID, now,
		models.AuditSourcePostingJobs, models.AuditEventPosting,
		models.ReasonPostingFailures)

	metrics.PostsFailed.WithLabelValues(reason).Inc()
	return result
}

func (s *Service) maybeStopOnStreak(ctx context.Context, guardian *guard.Manager, agentID int64, now time.Time, source, eventType, stopReason string) {
	tripped, err := guardian.ConsecutiveFailures(ctx, agentID, source, eventType)
	if err != nil {
		logger.Error("failure streak check failed",
			zap.Int64("agent_id", agentID), zap.Error(err))
		return
	}
	if !tripped {
		return
	}
	if err := guardian.MaybeAutoStop(ctx, agentID, now, stopReason, source, nil); err != nil {
		logger.Error("auto stop failed",
			zap.Int64("agent_id", agentID), zap.Error(err))
		return
	}
	metrics.AutoStops.WithLabelValues(stopReason).Inc()
}

// appendPostingError records the failure on the day's PDCA so operators
// see it next to the analytics.
func (s *Service) appendPostingError(ctx context.Context, tx *gorm.DB, agentID int64, now time.Time, errType, message string) error {
	date := models.DateOnly(now)

	var pdca models.DailyPDCA
	err := tx.WithContext(ctx).Where("agent_id = ? AND date = ?", agentID, date).First(&pdca).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		pdca = models.DailyPDCA{AgentID: agentID, Date: date}
	} else if err != nil {
		return err
	}

	summary, err := pdca.Analytics()
	if err != nil {
		return err
	}
	summary.PostingErrors = append(summary.PostingErrors, models.PostingError{
		Type:    errType,
		Message: message,
	})
	if err := pdca.SetAnalytics(summary); err != nil {
		return err
	}

	if pdca.ID == 0 {
		return tx.WithContext(ctx).Create(&pdca).Error
	}
	return tx.WithContext(ctx).Save(&pdca).Error
}
