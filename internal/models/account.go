package models

import (
	"time"

	"gorm.io/datatypes"
)

type Account struct {
	BaseModel
	Name            string            `gorm:"not null" json:"name"`
	Type            AccountType       `gorm:"type:varchar(20);not null" json:"type"`
	APIKeys         datatypes.JSONMap `json:"-"`
	MediaAssetsPath string            `json:"media_assets_path"`

	Agents []Agent `gorm:"foreignKey:AccountID" json:"-"`
}

type AccountType string

const (
	AccountTypeIndividual AccountType = "individual"
	AccountTypeBusiness   AccountType = "business"
)

// Agent is a tenant's automation profile. IDs are assigned by the
// operator (seed data), so the primary key is settable.
type Agent struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	AccountID int64    `gorm:"index;not null" json:"account_id"`
	Account   *Account `gorm:"foreignKey:AccountID" json:"-"`

	Status         AgentStatus       `gorm:"type:varchar(20);not null;default:active" json:"status"`
	FeatureToggles datatypes.JSONMap `json:"feature_toggles"`

	DailyBudget    float64 `gorm:"not null;default:0" json:"daily_budget"`
	BudgetSplitX   float64 `gorm:"not null;default:0" json:"budget_split_x"`
	BudgetSplitLLM float64 `gorm:"not null;default:0" json:"budget_split_llm"`

	StopReason *string    `json:"stop_reason,omitempty"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
	StopUntil  *time.Time `json:"stop_until,omitempty"`
}

type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusPaused   AgentStatus = "paused"
	AgentStatusDisabled AgentStatus = "disabled"
	AgentStatusStopped  AgentStatus = "stopped"
)

// IsRunnable reports whether the agent may execute work at now.
// Any non-active status is non-runnable. An active agent can still be
// time-boxed out by stop_until (set by manual stop with an until and
// cleared on resume).
func (a *Agent) IsRunnable(now time.Time) bool {
	if a.Status != AgentStatusActive {
		return false
	}
	return a.StopUntil == nil || !a.StopUntil.After(now)
}
