package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"xpilot/internal/clients/x"
	"xpilot/internal/config"
	"xpilot/internal/models"
	"xpilot/internal/testutil"
)

func pdcaDecode(data datatypes.JSON, v any) error {
	return json.Unmarshal(data, v)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Worker: config.WorkerConfig{
			Timezone:           "UTC",
			PostHour:           9,
			PostMinute:         0,
			PostingPollSeconds: 60,
			PostingBatchSize:   10,
			PostsPerDay:        1,
			LogDir:             t.TempDir(),
			TargetHandles:      "builder_one,builder_two",
			ResearchTopic:      "developer tools",
		},
		Plan: config.PlanConfig{ThreadRatio: 0.25, ReplyRatio: 0.25, QuoteRatio: 0.25},
		Budget: config.BudgetConfig{
			PlanLLMCost:         0.50,
			XSearchCost:         0.25,
			WebSearchCost:       0.25,
			WebFetchLLMCost:     0.30,
			WebSummarizeLLMCost: 1.00,
			TargetPostFetchCost: 0.25,
		},
		Limits: config.LimitsConfig{
			XSearchMax:         10,
			WebSearchMax:       10,
			WebFetchMax:        3,
			SearchTopK:         5,
			SearchSnippetLimit: 300,
		},
	}
}

func newTestService(t *testing.T, db *gorm.DB, cfg *config.Config, opts ...Option) (*Service, *x.FakePoster) {
	t.Helper()
	poster := x.NewFakePoster()
	base := []Option{WithSearchers(FakeSearcher{Source: "x"}, FakeSearcher{Source: "web"})}
	svc := NewService(db, cfg, x.NewFakeReader(), poster, x.NewFakeTargetSource(), append(base, opts...)...)
	return svc, poster
}

func seedAgent(t *testing.T, db *gorm.DB, agentID int64, daily, splitX, splitLLM float64, toggleset datatypes.JSONMap) *models.Agent {
	t.Helper()
	account := models.Account{Name: "acct", Type: models.AccountTypeIndividual}
	require.NoError(t, db.Create(&account).Error)
	agent := models.Agent{
		ID:             agentID,
		AccountID:      account.ID,
		Status:         models.AgentStatusActive,
		DailyBudget:    daily,
		BudgetSplitX:   splitX,
		BudgetSplitLLM: splitLLM,
		FeatureToggles: toggleset,
	}
	require.NoError(t, db.Create(&agent).Error)
	return &agent
}

func TestDailyRoutineHappyPath(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	svc, _ := newTestService(t, db, cfg)

	seedAgent(t, db, 92, 20, 10, 10, datatypes.JSONMap{"posts_per_day": 4})

	baseDate := time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC)
	result, err := svc.RunDailyRoutine(context.Background(), 92, baseDate)
	require.NoError(t, err)

	assert.Equal(t, RoutineSuccess, result.Status)
	assert.Equal(t, "2026-01-08", result.TargetDate)
	assert.Equal(t, 3, result.Posts)
	assert.Equal(t, 3, result.ConfirmedMetricsCreated)
	assert.Equal(t, 4, result.Research, "two queries times two sources")
	assert.Equal(t, 4, result.PlannedPosts)
	assert.Greater(t, result.Cost.Total, 0.0)

	var planned []models.Post
	require.NoError(t, db.Where("agent_id = ? AND posted_at IS NULL", 92).
		Order("scheduled_at ASC").Find(&planned).Error)
	require.Len(t, planned, 4)

	base := time.Date(2026, 1, 9, 9, 0, 0, 0, time.UTC)
	for i, post := range planned {
		require.NotNil(t, post.ScheduledAt)
		assert.Equal(t, base.Add(time.Duration(i)*5*time.Minute), post.ScheduledAt.UTC())
		require.NotNil(t, post.ContentHash)
	}

	types := map[models.PostType]int{}
	for _, post := range planned {
		types[post.Type]++
	}
	assert.Equal(t, 1, types[models.PostTypeTweet])
	assert.Equal(t, 1, types[models.PostTypeThread])
	assert.Equal(t, 1, types[models.PostTypeReply])
	assert.Equal(t, 1, types[models.PostTypeQuoteRT])

	var pdca models.DailyPDCA
	require.NoError(t, db.Where("agent_id = ? AND date = ?", 92,
		time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC)).First(&pdca).Error)
	summary, err := pdca.Analytics()
	require.NoError(t, err)
	assert.Equal(t, "ok", summary.Status)
	assert.Equal(t, 4, summary.PlannedPosts)
	assert.Equal(t, 3, summary.ConfirmedMetricsCreated)
}

func TestDailyRoutineSecondRunDoesNotDuplicateMetrics(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	svc, _ := newTestService(t, db, cfg)

	seedAgent(t, db, 92, 50, 25, 25, nil)

	baseDate := time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC)
	first, err := svc.RunDailyRoutine(context.Background(), 92, baseDate)
	require.NoError(t, err)
	assert.Equal(t, 3, first.ConfirmedMetricsCreated)

	second, err := svc.RunDailyRoutine(context.Background(), 92, baseDate)
	require.NoError(t, err)
	assert.Equal(t, RoutineSuccess, second.Status)
	assert.Equal(t, 0, second.ConfirmedMetricsCreated)

	var metricsCount int64
	require.NoError(t, db.Model(&models.PostMetrics{}).Count(&metricsCount).Error)
	assert.EqualValues(t, 3, metricsCount)
}

func TestDailyRoutineSkipsOnBudget(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	svc, _ := newTestService(t, db, cfg)

	// Pre-flight needs x=1.00 and llm=2.00; the LLM split cannot cover it.
	seedAgent(t, db, 31, 3, 2, 1, nil)

	result, err := svc.RunDailyRoutine(context.Background(), 31,
		time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, RoutineSkipped, result.Status)
	assert.Equal(t, SkipBudgetExceeded, result.Reason)
	assert.Zero(t, result.PlannedPosts)

	var pdca models.DailyPDCA
	require.NoError(t, db.Where("agent_id = ?", 31).First(&pdca).Error)
	summary, err := pdca.Analytics()
	require.NoError(t, err)
	assert.Equal(t, "skip", summary.Status)
	assert.Equal(t, SkipBudgetExceeded, summary.Reason)

	var analysis models.Analysis
	require.NoError(t, pdcaDecode(pdca.Analysis, &analysis))
	assert.Equal(t, "skipped", analysis.Status)

	var strategy models.Strategy
	require.NoError(t, pdcaDecode(pdca.Strategy, &strategy))
	assert.Equal(t, "wait", strategy.NextAction)

	var costs int64
	require.NoError(t, db.Model(&models.CostLog{}).Where("agent_id = ?", 31).Count(&costs).Error)
	assert.Zero(t, costs, "nothing reserved means nothing committed")
}

func TestDailyRoutineSkipsWhenEngagementExhausted(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	svc, _ := newTestService(t, db, cfg)

	seedAgent(t, db, 41, 20, 10, 10, nil)

	target := time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, db.Create(&models.EngagementAction{
			AgentID:    41,
			ActionType: models.ActionReply,
			ExecutedAt: target.Add(time.Duration(i+1) * time.Hour),
		}).Error)
	}

	result, err := svc.RunDailyRoutine(context.Background(), 41,
		time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, RoutineSkipped, result.Status)
	assert.Equal(t, SkipRateLimited, result.Reason)
}

func TestDailyRoutineSkipsStoppedAgent(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	svc, _ := newTestService(t, db, cfg)

	agent := seedAgent(t, db, 55, 20, 10, 10, nil)
	reason := "manual"
	agent.Status = models.AgentStatusStopped
	agent.StopReason = &reason
	require.NoError(t, db.Save(agent).Error)

	result, err := svc.RunDailyRoutine(context.Background(), 55,
		time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, RoutineSkipped, result.Status)
	assert.Equal(t, SkipAgentStopped, result.Reason)

	var audit models.AuditLog
	require.NoError(t, db.Where("agent_id = ? AND source = ? AND event_type = ?",
		55, models.AuditSourceDailyRoutine, models.AuditEventExecutionSkip).First(&audit).Error)
	assert.Equal(t, models.AuditSkipped, audit.Status)
	require.NotNil(t, audit.Reason)
	assert.Equal(t, SkipAgentStopped, *audit.Reason)
}

func TestDailyRoutineCreatesUnknownAgent(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	svc, _ := newTestService(t, db, cfg)

	result, err := svc.RunDailyRoutine(context.Background(), 77,
		time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, RoutineSuccess, result.Status)

	var agent models.Agent
	require.NoError(t, db.First(&agent, "id = ?", int64(77)).Error)
	assert.Equal(t, models.AgentStatusActive, agent.Status)
	assert.Equal(t, 10.0, agent.DailyBudget)
	assert.NotZero(t, agent.AccountID)
}
