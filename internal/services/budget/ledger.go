package budget

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"xpilot/internal/models"
)

// ErrBudgetExceeded is returned by Reserve when the requested amounts
// would push spent plus reserved past any of the three caps.
var ErrBudgetExceeded = errors.New("daily budget exceeded")

// Status is a point-in-time view of one agent's daily spend.
type Status struct {
	TotalSpent    float64 `json:"total_spent"`
	XSpent        float64 `json:"x_spent"`
	LLMSpent      float64 `json:"llm_spent"`
	TotalReserved float64 `json:"total_reserved"`
	XReserved     float64 `json:"x_reserved"`
	LLMReserved   float64 `json:"llm_reserved"`
	DailyLimit    float64 `json:"daily_limit"`
	XLimit        float64 `json:"x_limit"`
	LLMLimit      float64 `json:"llm_limit"`
}

// Ledger enforces one agent's daily budget for one date with two-phase
// accounting. Reservations are held in memory until Commit folds them
// into the cost_logs row; an abandoned ledger costs nothing.
//
// A Ledger is not safe for concurrent use.
type Ledger struct {
	db         *gorm.DB
	agentID    int64
	date       time.Time
	dailyLimit float64
	xLimit     float64
	llmLimit   float64

	xReserved   float64
	llmReserved float64
}

func NewLedger(db *gorm.DB, agent *models.Agent, date time.Time) *Ledger {
	return &Ledger{
		db:         db,
		agentID:    agent.ID,
		date:       models.DateOnly(date),
		dailyLimit: agent.DailyBudget,
		xLimit:     agent.BudgetSplitX,
		llmLimit:   agent.BudgetSplitLLM,
	}
}

func (l *Ledger) spent(ctx context.Context) (x, llm, total float64, err error) {
	row := struct {
		X     float64
		LLM   float64
		Total float64
	}{}
	err = l.db.WithContext(ctx).Model(&models.CostLog{}).
		Select("COALESCE(SUM(x_api_cost), 0) AS x, COALESCE(SUM(llm_cost), 0) AS llm, COALESCE(SUM(total), 0) AS total").
		Where("agent_id = ? AND date = ?", l.agentID, l.date).
		Scan(&row).Error
	return row.X, row.LLM, row.Total, err
}

// Reserve checks the X split, the LLM split and the daily total against
// spend plus outstanding reservations, then holds the amounts. Nothing
// is persisted until Commit.
func (l *Ledger) Reserve(ctx context.Context, xCost, llmCost float64) error {
	xSpent, llmSpent, totalSpent, err := l.spent(ctx)
	if err != nil {
		return err
	}

	nextX := xSpent + l.xReserved + xCost
	nextLLM := llmSpent + l.llmReserved + llmCost
	nextTotal := totalSpent + l.xReserved + l.llmReserved + xCost + llmCost

	if nextX > l.xLimit || nextLLM > l.llmLimit || nextTotal > l.dailyLimit {
		return ErrBudgetExceeded
	}

	l.xReserved += xCost
	l.llmReserved += llmCost
	return nil
}

// Commit folds the outstanding reservations into the agent's cost_logs
// row for the date, creating it if absent, and zeroes the reservations.
// Committing with nothing reserved is a no-op.
func (l *Ledger) Commit(ctx context.Context) error {
	if l.xReserved == 0 && l.llmReserved == 0 {
		return nil
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cost models.CostLog
		err := tx.Where("agent_id = ? AND date = ?", l.agentID, l.date).
			First(&cost).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			cost = models.CostLog{
				AgentID:          l.agentID,
				Date:             l.date,
				XAPICost:         models.Round2(l.xReserved),
				XAPICostEstimate: models.Round2(l.xReserved),
				LLMCost:          models.Round2(l.llmReserved),
				Total:            models.Round2(l.xReserved + l.llmReserved),
			}
			return tx.Create(&cost).Error
		}
		if err != nil {
			return err
		}

		cost.XAPICost = models.Round2(cost.XAPICost + l.xReserved)
		cost.XAPICostEstimate = models.Round2(cost.XAPICostEstimate + l.xReserved)
		cost.LLMCost = models.Round2(cost.LLMCost + l.llmReserved)
		cost.Total = models.Round2(cost.Total + l.xReserved + l.llmReserved)
		return tx.Save(&cost).Error
	})
	if err != nil {
		return err
	}

	l.xReserved = 0
	l.llmReserved = 0
	return nil
}

// Status reports spend, outstanding reservations and the configured
// limits.
func (l *Ledger) Status(ctx context.Context) (Status, error) {
	xSpent, llmSpent, totalSpent, err := l.spent(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		TotalSpent:    totalSpent,
		XSpent:        xSpent,
		LLMSpent:      llmSpent,
		TotalReserved: l.xReserved + l.llmReserved,
		XReserved:     l.xReserved,
		LLMReserved:   l.llmReserved,
		DailyLimit:    l.dailyLimit,
		XLimit:        l.xLimit,
		LLMLimit:      l.llmLimit,
	}, nil
}
