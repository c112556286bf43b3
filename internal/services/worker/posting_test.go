package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"xpilot/internal/models"
	"xpilot/internal/services/oauth"
	"xpilot/internal/testutil"
)

func seedDuePost(t *testing.T, db *gorm.DB, agentID int64, postType models.PostType, targetURL string, scheduledAt time.Time) *models.Post {
	t.Helper()
	post := models.Post{
		AgentID:     agentID,
		Content:     "scheduled content for " + string(postType),
		Type:        postType,
		ScheduledAt: &scheduledAt,
	}
	if targetURL != "" {
		post.TargetPostURL = &targetURL
	}
	require.NoError(t, db.Create(&post).Error)
	return &post
}

func TestPostingPublishesDuePost(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	svc, poster := newTestService(t, db, cfg)

	seedAgent(t, db, 1, 20, 10, 10, nil)
	now := time.Date(2026, 1, 9, 10, 0, 0, 0, time.UTC)
	post := seedDuePost(t, db, 1, models.PostTypeTweet, "", now.Add(-time.Hour))

	results, err := svc.RunPostingJobs(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, PostPosted, results[0].Status)
	assert.NotEmpty(t, results[0].ExternalID)
	assert.Equal(t, 1, poster.Posted())

	var saved models.Post
	require.NoError(t, db.First(&saved, post.ID).Error)
	require.NotNil(t, saved.PostedAt)
	require.NotNil(t, saved.ExternalID)
	assert.Equal(t, results[0].ExternalID, *saved.ExternalID)

	var audit models.AuditLog
	require.NoError(t, db.Where("agent_id = ? AND source = ? AND status = ?",
		1, models.AuditSourcePostingJobs, models.AuditSuccess).First(&audit).Error)
}

func TestPostingClaimIsIdempotent(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	svc, poster := newTestService(t, db, cfg)

	seedAgent(t, db, 1, 20, 10, 10, nil)
	now := time.Date(2026, 1, 9, 10, 0, 0, 0, time.UTC)
	seedDuePost(t, db, 1, models.PostTypeTweet, "", now.Add(-time.Hour))

	first, err := svc.RunPostingJobs(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := svc.RunPostingJobs(context.Background(), now)
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, 1, poster.Posted())
}

func TestPostingRecordsEngagementAction(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	svc, _ := newTestService(t, db, cfg)

	seedAgent(t, db, 1, 20, 10, 10, nil)
	now := time.Date(2026, 1, 9, 10, 0, 0, 0, time.UTC)
	seedDuePost(t, db, 1, models.PostTypeReply,
		"https://x.com/someone/status/1234567890", now.Add(-time.Minute))

	results, err := svc.RunPostingJobs(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, PostPosted, results[0].Status)

	var action models.EngagementAction
	require.NoError(t, db.Where("agent_id = ?", 1).First(&action).Error)
	assert.Equal(t, models.ActionReply, action.ActionType)
	assert.Equal(t, "https://x.com/someone/status/1234567890", action.TargetPostURL)
}

func TestPostingSkipsInvalidTargetURL(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	svc, poster := newTestService(t, db, cfg)

	seedAgent(t, db, 1, 20, 10, 10, nil)
	now := time.Date(2026, 1, 9, 10, 0, 0, 0, time.UTC)
	post := seedDuePost(t, db, 1, models.PostTypeQuoteRT,
		"https://example.com/not-a-status", now.Add(-time.Minute))

	results, err := svc.RunPostingJobs(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, PostSkipped, results[0].Status)
	assert.Equal(t, ReasonInvalidTargetURL, results[0].Reason)
	assert.Zero(t, poster.Posted())

	var saved models.Post
	require.NoError(t, db.First(&saved, post.ID).Error)
	assert.Nil(t, saved.PostedAt)
}

func TestPostingSkipsStoppedAgent(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	svc, poster := newTestService(t, db, cfg)

	agent := seedAgent(t, db, 1, 20, 10, 10, nil)
	reason := "manual"
	agent.Status = models.AgentStatusStopped
	agent.StopReason = &reason
	require.NoError(t, db.Save(agent).Error)

	now := time.Date(2026, 1, 9, 10, 0, 0, 0, time.UTC)
	seedDuePost(t, db, 1, models.PostTypeTweet, "", now.Add(-time.Minute))

	results, err := svc.RunPostingJobs(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, PostSkipped, results[0].Status)
	assert.Equal(t, SkipAgentStopped, results[0].Reason)
	assert.Zero(t, poster.Posted())
}

func TestPostingSkipsEngagementPastRateLimit(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	svc, poster := newTestService(t, db, cfg)

	seedAgent(t, db, 1, 20, 10, 10, nil)
	now := time.Date(2026, 1, 9, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, db.Create(&models.EngagementAction{
			AgentID:    1,
			ActionType: models.ActionReply,
			ExecutedAt: now.Add(-time.Duration(i+1) * time.Hour),
		}).Error)
	}
	seedDuePost(t, db, 1, models.PostTypeReply,
		"https://x.com/someone/status/1234567890", now.Add(-time.Minute))

	results, err := svc.RunPostingJobs(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, PostSkipped, results[0].Status)
	assert.Equal(t, SkipRateLimited, results[0].Reason)
	assert.Zero(t, poster.Posted())
}

type refusingProvider struct{}

func (refusingProvider) AuthCodeURL(state, verifier string) string { return "https://x.test/auth" }

func (refusingProvider) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	return nil, errors.New("exchange unavailable")
}

func (refusingProvider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return nil, errors.New("x_oauth_token_request_failed:503")
}

func TestPostingRefreshFailureStreakStopsAgent(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	manager := oauth.NewManager(db, refusingProvider{})
	svc, poster := newTestService(t, db, cfg, WithTokenManager(manager))

	agent := seedAgent(t, db, 1, 20, 10, 10, nil)
	require.NoError(t, db.Create(&models.XAuthToken{
		AccountID:    agent.AccountID,
		AccessToken:  "stale-access",
		RefreshToken: "stale-refresh",
		ExpiresAt:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		TokenType:    "bearer",
	}).Error)

	now := time.Date(2026, 1, 9, 10, 0, 0, 0, time.UTC)
	seedDuePost(t, db, 1, models.PostTypeTweet, "", now.Add(-time.Minute))

	for i := 0; i < 3; i++ {
		results, err := svc.RunPostingJobs(context.Background(), now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, PostSkipped, results[0].Status)
		assert.Equal(t, ReasonTokenUnavailable, results[0].Reason)
	}
	assert.Zero(t, poster.Posted())

	var refreshFailures int64
	require.NoError(t, db.Model(&models.AuditLog{}).
		Where("agent_id = ? AND source = ? AND event_type = ? AND status = ?",
			1, models.AuditSourceOAuth, models.AuditEventRefresh, models.AuditFailed).
		Count(&refreshFailures).Error)
	assert.EqualValues(t, 3, refreshFailures)

	var stopped models.Agent
	require.NoError(t, db.First(&stopped, "id = ?", int64(1)).Error)
	assert.Equal(t, models.AgentStatusStopped, stopped.Status)
	require.NotNil(t, stopped.StopReason)
	assert.Equal(t, models.ReasonOAuthRefreshFailures, *stopped.StopReason)

	var autoStops int64
	require.NoError(t, db.Model(&models.AuditLog{}).
		Where("agent_id = ? AND event_type = ? AND status = ?",
			1, models.AuditEventAutoStop, models.AuditTriggered).
		Count(&autoStops).Error)
	assert.EqualValues(t, 1, autoStops)

	// The stopped agent's post is skipped on the next poll.
	results, err := svc.RunPostingJobs(context.Background(), now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, PostSkipped, results[0].Status)
	assert.Equal(t, SkipAgentStopped, results[0].Reason)
}

func TestPostingSkipsOverBudget(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	svc, poster := newTestService(t, db, cfg)

	// X split of 0.5 cannot cover the 1.00 per-post reservation.
	seedAgent(t, db, 1, 20, 0.5, 10, nil)
	now := time.Date(2026, 1, 9, 10, 0, 0, 0, time.UTC)
	seedDuePost(t, db, 1, models.PostTypeTweet, "", now.Add(-time.Minute))

	results, err := svc.RunPostingJobs(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, PostSkipped, results[0].Status)
	assert.Equal(t, ReasonPostBudgetExceeded, results[0].Reason)
	assert.Zero(t, poster.Posted())
}

func TestPostingSkipsDoNotChargeBudget(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	svc, poster := newTestService(t, db, cfg)

	seedAgent(t, db, 1, 20, 10, 10, nil)
	now := time.Date(2026, 1, 9, 10, 0, 0, 0, time.UTC)
	seedDuePost(t, db, 1, models.PostTypeReply,
		"https://example.com/not-a-status", now.Add(-2*time.Hour))
	seedDuePost(t, db, 1, models.PostTypeTweet, "", now.Add(-time.Hour))

	results, err := svc.RunPostingJobs(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, PostSkipped, results[0].Status)
	assert.Equal(t, ReasonInvalidTargetURL, results[0].Reason)
	assert.Equal(t, PostPosted, results[1].Status)
	assert.Equal(t, 1, poster.Posted())

	// Only the published tweet's reservation reaches the cost row.
	var cost models.CostLog
	require.NoError(t, db.Where("agent_id = ? AND date = ?", 1, models.DateOnly(now)).First(&cost).Error)
	assert.InDelta(t, 1.00, cost.XAPICost, 0.001)
	assert.InDelta(t, 1.00, cost.Total, 0.001)
}

func TestPostingSkipsDuplicateContent(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	svc, poster := newTestService(t, db, cfg)

	seedAgent(t, db, 1, 20, 10, 10, nil)
	now := time.Date(2026, 1, 9, 10, 0, 0, 0, time.UTC)
	first := seedDuePost(t, db, 1, models.PostTypeTweet, "", now.Add(-time.Hour))
	second := seedDuePost(t, db, 1, models.PostTypeTweet, "", now.Add(-time.Hour))

	results, err := svc.RunPostingJobs(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, PostPosted, results[0].Status)
	assert.Equal(t, PostSkipped, results[1].Status)
	assert.Equal(t, ReasonDuplicateContent, results[1].Reason)
	assert.Equal(t, 1, poster.Posted())

	var posted models.Post
	require.NoError(t, db.First(&posted, first.ID).Error)
	require.NotNil(t, posted.PostedAt)
	require.NotNil(t, posted.ContentHash)

	var skipped models.Post
	require.NoError(t, db.First(&skipped, second.ID).Error)
	assert.Nil(t, skipped.PostedAt)

	var audit models.AuditLog
	require.NoError(t, db.Where("agent_id = ? AND source = ? AND status = ? AND reason = ?",
		1, models.AuditSourcePostingJobs, models.AuditSkipped, ReasonDuplicateContent).
		First(&audit).Error)
}

func TestPostingRunsUsageReconcileWhenEnabled(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	cfg.Plan.PostingUsageReconcile = true
	cfg.Features.UseXUsage = true
	cfg.OAuth.UnitPrice = 0.01
	svc, _ := newTestService(t, db, cfg)

	seedAgent(t, db, 1, 20, 10, 10, nil)
	now := time.Date(2026, 1, 9, 10, 0, 0, 0, time.UTC)
	seedDuePost(t, db, 1, models.PostTypeTweet, "", now.Add(-time.Minute))

	_, err := svc.RunPostingJobs(context.Background(), now)
	require.NoError(t, err)

	var usage models.CostLog
	require.NoError(t, db.Where("agent_id = ? AND date = ?", 0, models.DateOnly(now)).First(&usage).Error)
	require.NotNil(t, usage.XUsageUnits)
	assert.EqualValues(t, 0, *usage.XUsageUnits)
}
