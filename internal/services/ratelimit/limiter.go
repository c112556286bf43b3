package ratelimit

import (
	"context"
	"time"

	"gorm.io/gorm"

	"xpilot/internal/models"
)

// DefaultEngagementLimit caps replies and quotes per agent per day
// unless the agent's reply_quote_daily_max toggle overrides it.
const DefaultEngagementLimit = 3

// EngagementLimiter counts engagement actions for one (agent, date).
// The cap is global across action types; per-type counts are exposed
// for reporting only. Counts are re-read on every call.
type EngagementLimiter struct {
	db         *gorm.DB
	agentID    int64
	date       time.Time
	dailyLimit int
}

func NewEngagementLimiter(db *gorm.DB, agentID int64, date time.Time, dailyLimit int) *EngagementLimiter {
	if dailyLimit <= 0 {
		dailyLimit = DefaultEngagementLimit
	}
	return &EngagementLimiter{
		db:         db,
		agentID:    agentID,
		date:       models.DateOnly(date),
		dailyLimit: dailyLimit,
	}
}

func (l *EngagementLimiter) dayBounds() (time.Time, time.Time) {
	return l.date, l.date.Add(24 * time.Hour)
}

func (l *EngagementLimiter) countTotal(ctx context.Context) (int64, error) {
	from, to := l.dayBounds()
	var n int64
	err := l.db.WithContext(ctx).Model(&models.EngagementAction{}).
		Where("agent_id = ? AND executed_at >= ? AND executed_at < ?", l.agentID, from, to).
		Count(&n).Error
	return n, err
}

func (l *EngagementLimiter) countByType(ctx context.Context, actionType models.ActionType) (int64, error) {
	from, to := l.dayBounds()
	var n int64
	err := l.db.WithContext(ctx).Model(&models.EngagementAction{}).
		Where("agent_id = ? AND action_type = ? AND executed_at >= ? AND executed_at < ?",
			l.agentID, actionType, from, to).
		Count(&n).Error
	return n, err
}

// IsLimited reports whether performing requested more actions would
// exceed the daily cap.
func (l *EngagementLimiter) IsLimited(ctx context.Context, requested int) (bool, error) {
	total, err := l.countTotal(ctx)
	if err != nil {
		return false, err
	}
	return total+int64(requested) > int64(l.dailyLimit), nil
}

// EngagementStatus is returned by Status for dashboard display.
type EngagementStatus struct {
	ActionType     string `json:"action_type"`
	DailyLimit     int    `json:"daily_total_limit"`
	TotalUsed      int    `json:"total_used"`
	TotalRemaining int    `json:"total_remaining"`
	TypeUsed       int    `json:"type_used"`
}

func (l *EngagementLimiter) Status(ctx context.Context, actionType models.ActionType) (EngagementStatus, error) {
	total, err := l.countTotal(ctx)
	if err != nil {
		return EngagementStatus{}, err
	}
	byType, err := l.countByType(ctx, actionType)
	if err != nil {
		return EngagementStatus{}, err
	}
	remaining := l.dailyLimit - int(total)
	if remaining < 0 {
		remaining = 0
	}
	return EngagementStatus{
		ActionType:     string(actionType),
		DailyLimit:     l.dailyLimit,
		TotalUsed:      int(total),
		TotalRemaining: remaining,
		TypeUsed:       int(byType),
	}, nil
}
