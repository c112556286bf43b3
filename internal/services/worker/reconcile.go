package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"xpilot/internal/logger"
	"xpilot/internal/models"
)

// appWideAgentID is the CostLog owner for measured platform usage that
// cannot be attributed to a single agent.
const appWideAgentID = 0

// ReconcileUsage pulls the platform's measured usage for the date and
// records it on the app-wide cost row, pricing it with the configured
// per-unit rate. Disabled unless the usage feature flag is on.
func (s *Service) ReconcileUsage(ctx context.Context, date time.Time) error {
	if !s.cfg.Features.UseXUsage {
		return nil
	}

	day := models.DateOnly(date)
	usage, err := s.reader.GetDailyUsage(ctx, day)
	if err != nil {
		reason := err.Error()
		if auditErr := s.guard.RecordAudit(ctx, appWideAgentID, day,
			models.AuditSourceUsage, models.AuditEventUsageReconcile,
			models.AuditFailed, &reason, nil); auditErr != nil {
			logger.Error("usage audit failed", zap.Error(auditErr))
		}
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cost models.CostLog
		err := tx.Where("agent_id = ? AND date = ?", appWideAgentID, day).First(&cost).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			cost = models.CostLog{AgentID: appWideAgentID, Date: day}
		} else if err != nil {
			return err
		}

		units := usage.Units
		cost.XUsageUnits = &units
		if len(usage.Raw) > 0 {
			cost.XUsageRaw = usage.Raw
		}
		if s.cfg.OAuth.UnitPrice > 0 {
			actual := models.Round2(float64(units) * s.cfg.OAuth.UnitPrice)
			cost.XAPICostActual = &actual
		} else {
			cost.XAPICostActual = nil
		}

		if cost.ID == 0 {
			return tx.Create(&cost).Error
		}
		return tx.Save(&cost).Error
	})
	if err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]any{
		"date":  day.Format("2006-01-02"),
		"units": usage.Units,
	})
	if err := s.guard.RecordAudit(ctx, appWideAgentID, day,
		models.AuditSourceUsage, models.AuditEventUsageReconcile,
		models.AuditSuccess, nil, payload); err != nil {
		logger.Error("usage audit failed", zap.Error(err))
	}

	logger.Info("usage reconciled",
		zap.String("date", day.Format("2006-01-02")),
		zap.Int64("units", usage.Units))
	return nil
}
