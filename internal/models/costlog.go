package models

import (
	"math"
	"time"

	"gorm.io/datatypes"
)

// CostLog accumulates per-agent, per-date spend. AgentID 0 is reserved
// for app-wide rollups (usage reconciliation). One row per (agent, date)
// by convention; writers read-modify-write inside a transaction.
type CostLog struct {
	BaseModel
	AgentID int64     `gorm:"not null;index:idx_cost_agent_date" json:"agent_id"`
	Date    time.Time `gorm:"type:date;not null;index:idx_cost_agent_date" json:"date"`

	XAPICost         float64 `gorm:"not null;default:0" json:"x_api_cost"`
	XAPICostEstimate float64 `gorm:"not null;default:0" json:"x_api_cost_estimate"`
	LLMCost          float64 `gorm:"not null;default:0" json:"llm_cost"`
	ImageGenCost     float64 `gorm:"not null;default:0" json:"image_gen_cost"`
	Total            float64 `gorm:"not null;default:0" json:"total"`

	XUsageUnits    *int64         `json:"x_usage_units,omitempty"`
	XUsageRaw      datatypes.JSON `json:"x_usage_raw,omitempty"`
	XAPICostActual *float64       `json:"x_api_cost_actual,omitempty"`
}

// Round2 rounds a cost to 2 decimal places; all persisted monetary
// values go through this.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
