package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog is the append-only event trail. It serves operators through
// the dashboard and the guard's consecutive-failure counting; AgentID 0
// is permitted for app-wide events.
type AuditLog struct {
	BaseModel
	AgentID   int64          `gorm:"not null;index:idx_audit_agent" json:"agent_id"`
	Date      time.Time      `gorm:"type:date;not null" json:"date"`
	Source    string         `gorm:"type:varchar(40);not null;index:idx_audit_agent_source_event" json:"source"`
	EventType string         `gorm:"type:varchar(40);not null;index:idx_audit_agent_source_event" json:"event_type"`
	Status    AuditStatus    `gorm:"type:varchar(20);not null" json:"status"`
	Reason    *string        `json:"reason,omitempty"`
	Payload   datatypes.JSON `json:"payload,omitempty"`
}

type AuditStatus string

const (
	AuditSuccess   AuditStatus = "success"
	AuditFailed    AuditStatus = "failed"
	AuditSkipped   AuditStatus = "skipped"
	AuditTriggered AuditStatus = "triggered"
)

// Audit sources.
const (
	AuditSourceDailyRoutine = "daily_routine"
	AuditSourcePostingJobs  = "posting_jobs"
	AuditSourceOAuth        = "oauth"
	AuditSourceDashboard    = "dashboard"
	AuditSourceGuard        = "guard"
	AuditSourceUsage        = "usage"
)

// Audit event types.
const (
	AuditEventExecutionSkip  = "execution_skip"
	AuditEventPosting        = "posting"
	AuditEventRefresh        = "refresh"
	AuditEventAutoStop       = "auto_stop"
	AuditEventAgentUpdate    = "agent_update"
	AuditEventManualStop     = "manual_stop"
	AuditEventManualResume   = "manual_resume"
	AuditEventUsageReconcile = "usage_reconcile"
)

// Auto-stop reasons.
const (
	ReasonPostingFailures      = "auto_anomaly_posting_failures"
	ReasonOAuthRefreshFailures = "auto_anomaly_oauth_refresh_failures"
)
