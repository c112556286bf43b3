package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// DailyPDCA is the per-agent, per-day analytics/strategy artifact.
// One row per (agent, date), upserted by the daily routine and annotated
// by the posting worker and the guard.
type DailyPDCA struct {
	BaseModel
	AgentID int64     `gorm:"not null;uniqueIndex:idx_pdca_agent_date" json:"agent_id"`
	Date    time.Time `gorm:"type:date;not null;uniqueIndex:idx_pdca_agent_date" json:"date"`

	AnalyticsSummary datatypes.JSON `json:"analytics_summary,omitempty"`
	Analysis         datatypes.JSON `json:"analysis,omitempty"`
	Strategy         datatypes.JSON `json:"strategy,omitempty"`
	PostsCreated     datatypes.JSON `json:"posts_created,omitempty"`
}

// AnalyticsSummary is the typed view of the analytics blob. Unknown
// fields written by other versions survive round-trips through Extra.
type AnalyticsSummary struct {
	Status                  string         `json:"status,omitempty"`
	Reason                  string         `json:"reason,omitempty"`
	TargetDate              string         `json:"target_date,omitempty"`
	PostCount               int            `json:"post_count,omitempty"`
	ConfirmedMetricsCreated int            `json:"confirmed_metrics_created,omitempty"`
	PlannedPosts            int            `json:"planned_posts,omitempty"`
	SearchCount             int            `json:"search_count,omitempty"`
	FetchCount              int            `json:"fetch_count,omitempty"`
	PostingErrors           []PostingError `json:"posting_errors,omitempty"`
	AutoStop                *AutoStopNote  `json:"auto_stop,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

type PostingError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type AutoStopNote struct {
	Reason string `json:"reason"`
	Source string `json:"source"`
}

type Analysis struct {
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type Strategy struct {
	NextAction string `json:"next_action,omitempty"`
}

var analyticsKnownKeys = map[string]bool{
	"status": true, "reason": true, "target_date": true,
	"post_count": true, "confirmed_metrics_created": true,
	"planned_posts": true, "search_count": true, "fetch_count": true,
	"posting_errors": true, "auto_stop": true,
}

func (s *AnalyticsSummary) UnmarshalJSON(data []byte) error {
	type plain AnalyticsSummary
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if analyticsKnownKeys[k] {
			delete(raw, k)
		}
	}
	*s = AnalyticsSummary(p)
	if len(raw) > 0 {
		s.Extra = raw
	}
	return nil
}

func (s AnalyticsSummary) MarshalJSON() ([]byte, error) {
	type plain AnalyticsSummary
	data, err := json.Marshal(plain(s))
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, v := range s.Extra {
		if !analyticsKnownKeys[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Analytics decodes the analytics blob; an empty blob yields the zero
// summary.
func (p *DailyPDCA) Analytics() (AnalyticsSummary, error) {
	var s AnalyticsSummary
	if len(p.AnalyticsSummary) == 0 {
		return s, nil
	}
	err := json.Unmarshal(p.AnalyticsSummary, &s)
	return s, err
}

func (p *DailyPDCA) SetAnalytics(s AnalyticsSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	p.AnalyticsSummary = data
	return nil
}

func (p *DailyPDCA) SetAnalysis(a Analysis) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	p.Analysis = data
	return nil
}

func (p *DailyPDCA) SetStrategy(s Strategy) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	p.Strategy = data
	return nil
}
