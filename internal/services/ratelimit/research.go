package ratelimit

import (
	"context"
	"time"

	"gorm.io/gorm"

	"xpilot/internal/models"
)

// SearchLimiter caps search attempts per (agent, date) with a separate
// budget per source.
type SearchLimiter struct {
	db      *gorm.DB
	agentID int64
	date    time.Time
	maxX    int
	maxWeb  int
}

func NewSearchLimiter(db *gorm.DB, agentID int64, date time.Time, maxX, maxWeb int) *SearchLimiter {
	return &SearchLimiter{
		db:      db,
		agentID: agentID,
		date:    models.DateOnly(date),
		maxX:    maxX,
		maxWeb:  maxWeb,
	}
}

func (l *SearchLimiter) count(ctx context.Context, source models.SearchSource) (int64, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&models.SearchLog{}).
		Where("agent_id = ? AND date = ? AND source = ?", l.agentID, l.date, source).
		Count(&n).Error
	return n, err
}

func (l *SearchLimiter) limitFor(source models.SearchSource) int {
	if source == models.SearchSourceX {
		return l.maxX
	}
	return l.maxWeb
}

func (l *SearchLimiter) IsLimited(ctx context.Context, source models.SearchSource, requested int) (bool, error) {
	used, err := l.count(ctx, source)
	if err != nil {
		return false, err
	}
	return used+int64(requested) > int64(l.limitFor(source)), nil
}

// Remaining reports how many attempts the source has left today.
func (l *SearchLimiter) Remaining(ctx context.Context, source models.SearchSource) (int, error) {
	used, err := l.count(ctx, source)
	if err != nil {
		return 0, err
	}
	remaining := l.limitFor(source) - int(used)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// FetchLimiter caps page fetches per (agent, date). Only succeeded and
// failed attempts consume the cap; skipped rows are free.
type FetchLimiter struct {
	db      *gorm.DB
	agentID int64
	date    time.Time
	max     int
}

func NewFetchLimiter(db *gorm.DB, agentID int64, date time.Time, max int) *FetchLimiter {
	return &FetchLimiter{
		db:      db,
		agentID: agentID,
		date:    models.DateOnly(date),
		max:     max,
	}
}

func (l *FetchLimiter) count(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&models.FetchLog{}).
		Where("agent_id = ? AND date = ? AND status IN ?",
			l.agentID, l.date, []models.FetchStatus{models.FetchSucceeded, models.FetchFailed}).
		Count(&n).Error
	return n, err
}

func (l *FetchLimiter) IsLimited(ctx context.Context, requested int) (bool, error) {
	used, err := l.count(ctx)
	if err != nil {
		return false, err
	}
	return used+int64(requested) > int64(l.max), nil
}
