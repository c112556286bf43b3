package worker

import (
	"context"
	"time"

	"gorm.io/gorm"

	"xpilot/internal/models"
	"xpilot/internal/services/oauth"
)

// AgentTokenSource resolves an agent to its account's access token,
// refreshing through the OAuth manager when needed. It is the bridge
// handed to the real posting client.
type AgentTokenSource struct {
	db      *gorm.DB
	manager *oauth.Manager
}

func NewAgentTokenSource(db *gorm.DB, manager *oauth.Manager) *AgentTokenSource {
	return &AgentTokenSource{db: db, manager: manager}
}

func (s *AgentTokenSource) AccessTokenForAgent(ctx context.Context, agentID int64) (string, error) {
	var agent models.Agent
	if err := s.db.WithContext(ctx).First(&agent, "id = ?", agentID).Error; err != nil {
		return "", err
	}
	return s.manager.EnsureFreshToken(ctx, agent.AccountID, time.Now().UTC())
}
