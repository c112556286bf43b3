package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"xpilot/internal/clients/x"
	"xpilot/internal/models"
	"xpilot/internal/testutil"
)

type usageReader struct {
	*x.FakeReader
	units int64
}

func (r usageReader) GetDailyUsage(ctx context.Context, date time.Time) (x.Usage, error) {
	return x.Usage{Date: date, Units: r.units, Raw: []byte(`{"usage":"raw"}`)}, nil
}

func TestReconcileUsageRecordsAppWideCost(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	cfg.Features.UseXUsage = true
	cfg.OAuth.UnitPrice = 0.01

	svc := NewService(db, cfg, usageReader{x.NewFakeReader(), 1234},
		x.NewFakePoster(), x.NewFakeTargetSource())

	date := time.Date(2026, 1, 9, 0, 0, 0, 0, time.UTC)
	require.NoError(t, svc.ReconcileUsage(context.Background(), date))

	var cost models.CostLog
	require.NoError(t, db.Where("agent_id = ? AND date = ?", 0, date).First(&cost).Error)
	require.NotNil(t, cost.XUsageUnits)
	assert.EqualValues(t, 1234, *cost.XUsageUnits)
	require.NotNil(t, cost.XAPICostActual)
	assert.Equal(t, 12.34, *cost.XAPICostActual)
	assert.JSONEq(t, `{"usage":"raw"}`, string(cost.XUsageRaw))

	var audit models.AuditLog
	require.NoError(t, db.Where("agent_id = ? AND source = ? AND event_type = ?",
		0, models.AuditSourceUsage, models.AuditEventUsageReconcile).First(&audit).Error)
	assert.Equal(t, models.AuditSuccess, audit.Status)
}

func TestReconcileUsagePricesZeroUnits(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	cfg.Features.UseXUsage = true
	cfg.OAuth.UnitPrice = 0.01

	svc := NewService(db, cfg, usageReader{x.NewFakeReader(), 0},
		x.NewFakePoster(), x.NewFakeTargetSource())

	date := time.Date(2026, 1, 9, 0, 0, 0, 0, time.UTC)
	require.NoError(t, svc.ReconcileUsage(context.Background(), date))

	// A configured unit price prices zero usage as 0.00, not null.
	var cost models.CostLog
	require.NoError(t, db.Where("agent_id = ? AND date = ?", 0, date).First(&cost).Error)
	require.NotNil(t, cost.XAPICostActual)
	assert.Zero(t, *cost.XAPICostActual)
}

func TestReconcileUsageWithoutUnitPrice(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	cfg.Features.UseXUsage = true
	cfg.OAuth.UnitPrice = 0

	svc := NewService(db, cfg, usageReader{x.NewFakeReader(), 500},
		x.NewFakePoster(), x.NewFakeTargetSource())

	date := time.Date(2026, 1, 9, 0, 0, 0, 0, time.UTC)
	require.NoError(t, svc.ReconcileUsage(context.Background(), date))

	var cost models.CostLog
	require.NoError(t, db.Where("agent_id = ? AND date = ?", 0, date).First(&cost).Error)
	require.NotNil(t, cost.XUsageUnits)
	assert.EqualValues(t, 500, *cost.XUsageUnits)
	assert.Nil(t, cost.XAPICostActual)
}

func TestReconcileUsageUpdatesExistingRow(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	cfg.Features.UseXUsage = true
	cfg.OAuth.UnitPrice = 0.01

	date := time.Date(2026, 1, 9, 0, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create(&models.CostLog{AgentID: 0, Date: date, Total: 1.5}).Error)

	svc := NewService(db, cfg, usageReader{x.NewFakeReader(), 10},
		x.NewFakePoster(), x.NewFakeTargetSource())
	require.NoError(t, svc.ReconcileUsage(context.Background(), date))

	var costs []models.CostLog
	require.NoError(t, db.Where("agent_id = ?", 0).Find(&costs).Error)
	require.Len(t, costs, 1)
	assert.Equal(t, 1.5, costs[0].Total)
	require.NotNil(t, costs[0].XUsageUnits)
	assert.EqualValues(t, 10, *costs[0].XUsageUnits)
}

func TestReconcileUsageDisabled(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	cfg.Features.UseXUsage = false

	svc := NewService(db, cfg, x.NewFakeReader(), x.NewFakePoster(), x.NewFakeTargetSource())
	require.NoError(t, svc.ReconcileUsage(context.Background(),
		time.Date(2026, 1, 9, 0, 0, 0, 0, time.UTC)))

	var costs int64
	require.NoError(t, db.Model(&models.CostLog{}).Count(&costs).Error)
	assert.Zero(t, costs)
}

func TestSchedulerNextDailyRun(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	cfg.Worker.DailyHour = 6
	cfg.Worker.DailyMinute = 30

	svc, _ := newTestService(t, db, cfg)
	sched := NewScheduler(svc)

	before := time.Date(2026, 1, 10, 5, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 10, 6, 30, 0, 0, time.UTC), sched.nextDailyRun(before))

	after := time.Date(2026, 1, 10, 7, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 11, 6, 30, 0, 0, time.UTC), sched.nextDailyRun(after))

	exactly := time.Date(2026, 1, 10, 6, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 11, 6, 30, 0, 0, time.UTC), sched.nextDailyRun(exactly))
}

func TestSchedulerPollIntervalUsesSmallestToggle(t *testing.T) {
	db := testutil.NewTestDB(t)
	cfg := testConfig(t)
	cfg.Worker.PostingPollSeconds = 120

	svc, _ := newTestService(t, db, cfg)
	sched := NewScheduler(svc)

	seedAgent(t, db, 1, 10, 5, 5, nil)
	seedAgent(t, db, 2, 10, 5, 5, datatypes.JSONMap{"posting_poll_seconds": 30})

	assert.Equal(t, 30*time.Second, sched.pollInterval(context.Background()))
}
