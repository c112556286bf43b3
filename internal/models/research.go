package models

import (
	"time"

	"gorm.io/datatypes"
)

// SearchLog records one search attempt (succeeded, failed or skipped)
// against a source. Append-only; counted for the per-source daily caps.
type SearchLog struct {
	BaseModel
	AgentID      int64          `gorm:"not null;index:idx_search_agent_date" json:"agent_id"`
	Date         time.Time      `gorm:"type:date;not null;index:idx_search_agent_date" json:"date"`
	Source       SearchSource   `gorm:"type:varchar(10);not null" json:"source"`
	Query        string         `json:"query"`
	Results      datatypes.JSON `json:"results,omitempty"`
	CostEstimate float64        `gorm:"not null;default:0" json:"cost_estimate"`
}

type SearchSource string

const (
	SearchSourceX   SearchSource = "x"
	SearchSourceWeb SearchSource = "web"
)

// FetchLog records one page-fetch attempt. Rows with status skipped do
// not count against the daily fetch cap.
type FetchLog struct {
	BaseModel
	AgentID int64       `gorm:"not null;index:idx_fetch_agent_date" json:"agent_id"`
	Date    time.Time   `gorm:"type:date;not null;index:idx_fetch_agent_date" json:"date"`
	URL     string      `json:"url"`
	Status  FetchStatus `gorm:"type:varchar(12);not null" json:"status"`

	HTTPStatus    *int           `json:"http_status,omitempty"`
	ContentType   *string        `json:"content_type,omitempty"`
	ContentLength *int           `json:"content_length,omitempty"`
	ExtractedText string         `json:"extracted_text,omitempty"`
	Summary       datatypes.JSON `json:"summary,omitempty"`
	FailureReason *string        `json:"failure_reason,omitempty"`
	CostEstimate  float64        `gorm:"not null;default:0" json:"cost_estimate"`
}

type FetchStatus string

const (
	FetchSucceeded FetchStatus = "succeeded"
	FetchFailed    FetchStatus = "failed"
	FetchSkipped   FetchStatus = "skipped"
)

// TargetPostCandidate is a harvested post URL from a watched handle,
// consumable by the planner for reply/quote drafts.
type TargetPostCandidate struct {
	BaseModel
	AgentID       int64     `gorm:"not null;uniqueIndex:idx_target_agent_date_url" json:"agent_id"`
	Date          time.Time `gorm:"type:date;not null;uniqueIndex:idx_target_agent_date_url" json:"date"`
	URL           string    `gorm:"not null;uniqueIndex:idx_target_agent_date_url" json:"url"`
	Text          string    `json:"text"`
	PostCreatedAt time.Time `json:"post_created_at"`
	Used          bool      `gorm:"not null;default:false" json:"used"`
}
