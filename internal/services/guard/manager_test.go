package guard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"xpilot/internal/models"
	"xpilot/internal/testutil"
)

func seedAgent(t *testing.T, db *gorm.DB) *models.Agent {
	t.Helper()

	account := models.Account{Name: "acme", Type: models.AccountTypeIndividual}
	require.NoError(t, db.Create(&account).Error)

	agent := models.Agent{
		ID:          1,
		AccountID:   account.ID,
		Status:      models.AgentStatusActive,
		DailyBudget: 10,
	}
	require.NoError(t, db.Create(&agent).Error)
	return &agent
}

func recordStatus(t *testing.T, m *Manager, agentID int64, status models.AuditStatus) {
	t.Helper()
	require.NoError(t, m.RecordAudit(context.Background(), agentID, time.Now().UTC(),
		models.AuditSourcePostingJobs, models.AuditEventPosting, status, nil, nil))
}

func TestConsecutiveFailures(t *testing.T) {
	db := testutil.NewTestDB(t)
	m := NewManager(db)
	ctx := context.Background()
	seedAgent(t, db)

	tripped, err := m.ConsecutiveFailures(ctx, 1, models.AuditSourcePostingJobs, models.AuditEventPosting)
	require.NoError(t, err)
	assert.False(t, tripped, "no rows yet")

	recordStatus(t, m, 1, models.AuditFailed)
	recordStatus(t, m, 1, models.AuditFailed)

	tripped, err = m.ConsecutiveFailures(ctx, 1, models.AuditSourcePostingJobs, models.AuditEventPosting)
	require.NoError(t, err)
	assert.False(t, tripped, "two failures are not a streak")

	recordStatus(t, m, 1, models.AuditFailed)

	tripped, err = m.ConsecutiveFailures(ctx, 1, models.AuditSourcePostingJobs, models.AuditEventPosting)
	require.NoError(t, err)
	assert.True(t, tripped)

	// A success resets the streak.
	recordStatus(t, m, 1, models.AuditSuccess)

	tripped, err = m.ConsecutiveFailures(ctx, 1, models.AuditSourcePostingJobs, models.AuditEventPosting)
	require.NoError(t, err)
	assert.False(t, tripped)
}

func TestConsecutiveFailuresScopedToEvent(t *testing.T) {
	db := testutil.NewTestDB(t)
	m := NewManager(db)
	ctx := context.Background()
	seedAgent(t, db)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.RecordAudit(ctx, 1, time.Now().UTC(),
			models.AuditSourcePostingJobs, models.AuditEventRefresh, models.AuditFailed, nil, nil))
	}

	tripped, err := m.ConsecutiveFailures(ctx, 1, models.AuditSourcePostingJobs, models.AuditEventPosting)
	require.NoError(t, err)
	assert.False(t, tripped)

	tripped, err = m.ConsecutiveFailures(ctx, 1, models.AuditSourcePostingJobs, models.AuditEventRefresh)
	require.NoError(t, err)
	assert.True(t, tripped)
}

func TestMaybeAutoStop(t *testing.T) {
	db := testutil.NewTestDB(t)
	m := NewManager(db)
	ctx := context.Background()
	seedAgent(t, db)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	require.NoError(t, m.MaybeAutoStop(ctx, 1, now, models.ReasonPostingFailures, models.AuditSourcePostingJobs, nil))

	var agent models.Agent
	require.NoError(t, db.First(&agent, "id = ?", 1).Error)
	assert.Equal(t, models.AgentStatusStopped, agent.Status)
	require.NotNil(t, agent.StopReason)
	assert.Equal(t, models.ReasonPostingFailures, *agent.StopReason)
	require.NotNil(t, agent.StoppedAt)

	var audits []models.AuditLog
	require.NoError(t, db.Where("event_type = ?", models.AuditEventAutoStop).Find(&audits).Error)
	require.Len(t, audits, 1)
	assert.Equal(t, models.AuditTriggered, audits[0].Status)

	var pdca models.DailyPDCA
	require.NoError(t, db.Where("agent_id = ?", 1).First(&pdca).Error)
	summary, err := pdca.Analytics()
	require.NoError(t, err)
	require.NotNil(t, summary.AutoStop)
	assert.Equal(t, models.ReasonPostingFailures, summary.AutoStop.Reason)
	assert.Equal(t, models.AuditSourcePostingJobs, summary.AutoStop.Source)
}

func TestMaybeAutoStopIdempotentPerReason(t *testing.T) {
	db := testutil.NewTestDB(t)
	m := NewManager(db)
	ctx := context.Background()
	seedAgent(t, db)
	now := time.Now().UTC()

	require.NoError(t, m.MaybeAutoStop(ctx, 1, now, models.ReasonPostingFailures, models.AuditSourcePostingJobs, nil))
	require.NoError(t, m.MaybeAutoStop(ctx, 1, now.Add(time.Minute), models.ReasonPostingFailures, models.AuditSourcePostingJobs, nil))

	var count int64
	require.NoError(t, db.Model(&models.AuditLog{}).
		Where("event_type = ?", models.AuditEventAutoStop).Count(&count).Error)
	assert.EqualValues(t, 1, count, "repeat stop for the same reason is a no-op")

	// A different reason still lands.
	require.NoError(t, m.MaybeAutoStop(ctx, 1, now.Add(2*time.Minute), models.ReasonOAuthRefreshFailures, models.AuditSourcePostingJobs, nil))
	require.NoError(t, db.Model(&models.AuditLog{}).
		Where("event_type = ?", models.AuditEventAutoStop).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestStopAndResume(t *testing.T) {
	db := testutil.NewTestDB(t)
	m := NewManager(db)
	ctx := context.Background()
	seedAgent(t, db)
	now := time.Now().UTC()

	until := now.Add(time.Hour)
	require.NoError(t, m.Stop(ctx, 1, now, "operator_pause", &until))

	var agent models.Agent
	require.NoError(t, db.First(&agent, "id = ?", 1).Error)
	assert.False(t, m.IsAgentRunnable(&agent, now))
	// stop_until elapsing alone does not reactivate a stopped agent.
	assert.False(t, m.IsAgentRunnable(&agent, now.Add(2*time.Hour)))

	require.NoError(t, m.Resume(ctx, 1, now))
	agent = models.Agent{}
	require.NoError(t, db.First(&agent, "id = ?", 1).Error)
	assert.True(t, m.IsAgentRunnable(&agent, now))
	assert.Nil(t, agent.StopReason)
	assert.Nil(t, agent.StopUntil)
}
