package models

import "time"

// EngagementAction records an executed engagement (like/reply/quote)
// against another account's post. Append-only; counted by the daily
// engagement rate limiter.
type EngagementAction struct {
	BaseModel
	AgentID         int64      `gorm:"not null;index" json:"agent_id"`
	TargetAccountID int64      `gorm:"not null;default:0" json:"target_account_id"`
	ActionType      ActionType `gorm:"type:varchar(20);not null" json:"action_type"`
	TargetPostURL   string     `json:"target_post_url"`
	ExecutedAt      time.Time  `gorm:"not null;index" json:"executed_at"`
}

type ActionType string

const (
	ActionLike    ActionType = "like"
	ActionReply   ActionType = "reply"
	ActionQuoteRT ActionType = "quote_rt"
)
