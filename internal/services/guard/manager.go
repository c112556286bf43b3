package guard

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"xpilot/internal/logger"
	"xpilot/internal/models"
)

// FailureStreak is how many consecutive failed attempts arm an
// auto-stop.
const FailureStreak = 3

// Manager owns agent stop/resume state and the append-only audit trail
// feeding it.
type Manager struct {
	db *gorm.DB
}

func NewManager(db *gorm.DB) *Manager {
	return &Manager{db: db}
}

// IsAgentRunnable reports whether work may be performed for the agent
// right now. A stopped agent with an elapsed stop_until stays blocked
// until an operator resumes it.
func (m *Manager) IsAgentRunnable(agent *models.Agent, now time.Time) bool {
	return agent.IsRunnable(now)
}

// RecordAudit appends one audit row. Payload may be nil.
func (m *Manager) RecordAudit(ctx context.Context, agentID int64, date time.Time, source, eventType string, status models.AuditStatus, reason *string, payload datatypes.JSON) error {
	row := models.AuditLog{
		AgentID:   agentID,
		Date:      models.DateOnly(date),
		Source:    source,
		EventType: eventType,
		Status:    status,
		Reason:    reason,
		Payload:   payload,
	}
	return m.db.WithContext(ctx).Create(&row).Error
}

// ConsecutiveFailures reports whether the last FailureStreak audit rows
// for (agent, source, event_type) all failed. Fewer rows than the
// streak length never trips.
func (m *Manager) ConsecutiveFailures(ctx context.Context, agentID int64, source, eventType string) (bool, error) {
	var rows []models.AuditLog
	err := m.db.WithContext(ctx).
		Where("agent_id = ? AND source = ? AND event_type = ?", agentID, source, eventType).
		Order("id DESC").
		Limit(FailureStreak).
		Find(&rows).Error
	if err != nil {
		return false, err
	}
	if len(rows) < FailureStreak {
		return false, nil
	}
	for _, row := range rows {
		if row.Status != models.AuditFailed {
			return false, nil
		}
	}
	return true, nil
}

// MaybeAutoStop stops the agent for reason unless it is already stopped
// for that same reason. It appends a triggered auto_stop audit row and
// annotates today's PDCA analytics so the stop is visible on the
// dashboard.
func (m *Manager) MaybeAutoStop(ctx context.Context, agentID int64, now time.Time, reason, source string, payload datatypes.JSON) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var agent models.Agent
		if err := tx.First(&agent, "id = ?", agentID).Error; err != nil {
			return err
		}

		if agent.Status == models.AgentStatusStopped && agent.StopReason != nil && *agent.StopReason == reason {
			return nil
		}

		stoppedAt := now
		agent.Status = models.AgentStatusStopped
		agent.StopReason = &reason
		agent.StoppedAt = &stoppedAt
		if err := tx.Save(&agent).Error; err != nil {
			return err
		}

		audit := models.AuditLog{
			AgentID:   agentID,
			Date:      models.DateOnly(now),
			Source:    source,
			EventType: models.AuditEventAutoStop,
			Status:    models.AuditTriggered,
			Reason:    &reason,
			Payload:   payload,
		}
		if err := tx.Create(&audit).Error; err != nil {
			return err
		}

		if err := m.annotatePDCA(tx, agentID, now, reason, source); err != nil {
			// The stop itself must land even if the annotation cannot.
			logger.Warn("failed to annotate pdca with auto_stop",
				zap.Int64("agent_id", agentID), zap.Error(err))
		}

		logger.Warn("agent auto-stopped",
			zap.Int64("agent_id", agentID),
			zap.String("reason", reason),
			zap.String("source", source))
		return nil
	})
}

func (m *Manager) annotatePDCA(tx *gorm.DB, agentID int64, now time.Time, reason, source string) error {
	date := models.DateOnly(now)

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
	summary.AutoStop = &models.AutoStopNote{Reason: reason, Source: source}
	if err := pdca.SetAnalytics(summary); err != nil {
		return err
	}

	if pdca.ID == 0 {
		return tx.Create(&pdca).Error
	}
	return tx.Save(&pdca).Error
}

// Stop is the operator-facing manual stop. stopUntil of nil stops the
// agent indefinitely.
func (m *Manager) Stop(ctx context.Context, agentID int64, now time.Time, reason string, stopUntil *time.Time) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var agent models.Agent
		if err := tx.First(&agent, "id = ?", agentID).Error; err != nil {
			return err
		}

		stoppedAt := now
		agent.Status = models.AgentStatusStopped
		agent.StopReason = &reason
		agent.StoppedAt = &stoppedAt
		agent.StopUntil = stopUntil
		if err := tx.Save(&agent).Error; err != nil {
			return err
		}

		audit := models.AuditLog{
			AgentID:   agentID,
			Date:      models.DateOnly(now),
			Source:    models.AuditSourceDashboard,
			EventType: models.AuditEventManualStop,
			Status:    models.AuditTriggered,
			Reason:    &reason,
		}
		return tx.Create(&audit).Error
	})
}

// Resume clears stop state and reactivates the agent.
func (m *Manager) Resume(ctx context.Context, agentID int64, now time.Time) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var agent models.Agent
		if err := tx.First(&agent, "id = ?", agentID).Error; err != nil {
			return err
		}

		agent.Status = models.AgentStatusActive
		agent.StopReason = nil
		agent.StoppedAt = nil
		agent.StopUntil = nil
		if err := tx.Save(&agent).Error; err != nil {
			return err
		}

		audit := models.AuditLog{
			AgentID:   agentID,
			Date:      models.DateOnly(now),
			Source:    models.AuditSourceDashboard,
			EventType: models.AuditEventManualResume,
			Status:    models.AuditSuccess,
		}
		return tx.Create(&audit).Error
	})
}
