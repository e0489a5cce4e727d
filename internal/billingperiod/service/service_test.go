package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	addondomain "github.com/taskora/metering/internal/addon/domain"
	allowancedomain "github.com/taskora/metering/internal/allowance/domain"
	"github.com/taskora/metering/internal/clock"
	plandomain "github.com/taskora/metering/internal/plan/domain"
	planservice "github.com/taskora/metering/internal/plan/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	node    *snowflake.Node
	clock   *clock.FakeClock
	plansvc plandomain.Service
	svc     *Service
}

func setup(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&plandomain.PlanTier{},
		&plandomain.PlanAssignment{},
		&allowancedomain.AllowanceRecord{},
		&allowancedomain.LedgerEntry{},
		&allowancedomain.UsageHistory{},
		&addondomain.AddOnPurchase{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2025, time.January, 10, 0, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	plansvc := planservice.NewService(planservice.ServiceParam{DB: db, Log: log, GenID: node})
	require.NoError(t, db.Create(&plandomain.PlanTier{
		ID: node.Generate(), Code: "free", Name: "Free", BaseAllowance: 50_000, RolloverPercent: 20,
	}).Error)
	require.NoError(t, db.Create(&plandomain.PlanTier{
		ID: node.Generate(), Code: "pro", Name: "Pro", BaseAllowance: 100_000, RolloverPercent: 20,
	}).Error)

	svc := NewService(ServiceParam{
		DB:      db,
		Log:     log,
		GenID:   node,
		Clock:   fake,
		PlanSvc: plansvc,
	}).(*Service)

	return &fixture{db: db, node: node, clock: fake, plansvc: plansvc, svc: svc}
}

func (f *fixture) reload(t *testing.T, principalID snowflake.ID) *allowancedomain.AllowanceRecord {
	t.Helper()
	var record allowancedomain.AllowanceRecord
	require.NoError(t, f.db.Where("principal_id = ?", principalID).First(&record).Error)
	return &record
}

func TestEnsureCurrentPeriod_CreatesFromPlan(t *testing.T) {
	f := setup(t)
	principalID := f.node.Generate()

	result, err := f.svc.EnsureCurrentPeriod(context.Background(), principalID)
	require.NoError(t, err)
	assert.True(t, result.Transitioned)
	assert.False(t, result.Archived)

	record := f.reload(t, principalID)
	assert.Equal(t, "free", record.PlanTier)
	assert.Equal(t, int64(50_000), record.BaseAllowance)
	assert.Equal(t, int64(50_000), record.CreditsRemaining)
	assert.Equal(t, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), record.PeriodStart)
}

func TestEnsureCurrentPeriod_NoopWhenCurrent(t *testing.T) {
	f := setup(t)
	principalID := f.node.Generate()

	_, err := f.svc.EnsureCurrentPeriod(context.Background(), principalID)
	require.NoError(t, err)

	result, err := f.svc.EnsureCurrentPeriod(context.Background(), principalID)
	require.NoError(t, err)
	assert.False(t, result.Transitioned)
}

func TestEnsureCurrentPeriod_TransitionsOnceWithRollover(t *testing.T) {
	f := setup(t)
	principalID := f.node.Generate()
	ctx := context.Background()

	_, err := f.svc.EnsureCurrentPeriod(ctx, principalID)
	require.NoError(t, err)

	// Use 10,000 of 50,000 in January, then query in February.
	require.NoError(t, f.db.Model(&allowancedomain.AllowanceRecord{}).
		Where("principal_id = ?", principalID).
		Updates(map[string]any{"credits_used": 10_000, "credits_remaining": 40_000}).Error)
	f.clock.Set(time.Date(2025, time.February, 1, 0, 0, 1, 0, time.UTC))

	result, err := f.svc.EnsureCurrentPeriod(ctx, principalID)
	require.NoError(t, err)
	assert.True(t, result.Transitioned)
	assert.True(t, result.Archived)

	record := f.reload(t, principalID)
	assert.Equal(t, time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC), record.PeriodStart)
	assert.Zero(t, record.CreditsUsed)
	assert.Equal(t, int64(8_000), record.RolloverCredits) // floor(40000 * 20%)
	assert.Equal(t, int64(58_000), record.CreditsRemaining)
	assert.Nil(t, record.GraceUntil)

	// Exactly one archive row for January.
	var histories []allowancedomain.UsageHistory
	require.NoError(t, f.db.Where("principal_id = ?", principalID).Find(&histories).Error)
	require.Len(t, histories, 1)
	assert.Equal(t, int64(10_000), histories[0].CreditsUsed)
	assert.Equal(t, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), histories[0].PeriodStart)

	// A rollover ledger entry records the carried credit.
	var entry allowancedomain.LedgerEntry
	require.NoError(t, f.db.Where("principal_id = ? AND operation_type = ?",
		principalID, allowancedomain.OperationRollover).First(&entry).Error)
	assert.Equal(t, int64(8_000), entry.TokensDelta)

	// A second query in February is a no-op, no double-archive.
	result, err = f.svc.EnsureCurrentPeriod(ctx, principalID)
	require.NoError(t, err)
	assert.False(t, result.Transitioned)

	var count int64
	require.NoError(t, f.db.Model(&allowancedomain.UsageHistory{}).
		Where("principal_id = ?", principalID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestEnsureCurrentPeriod_ConsumedAddonDoesNotRegenerate(t *testing.T) {
	f := setup(t)
	principalID := f.node.Generate()
	ctx := context.Background()

	_, err := f.svc.EnsureCurrentPeriod(ctx, principalID)
	require.NoError(t, err)

	// A 10,000-credit pack bought and fully burned in January, on top of
	// the full 50,000 base.
	require.NoError(t, f.db.Create(&addondomain.AddOnPurchase{
		ID:               f.node.Generate(),
		PrincipalID:      principalID,
		Type:             addondomain.AddOnTypeCreditPack,
		Status:           addondomain.AddOnStatusConsumed,
		CreditsGranted:   10_000,
		CreditsRemaining: 0,
	}).Error)
	require.NoError(t, f.db.Model(&allowancedomain.AllowanceRecord{}).
		Where("principal_id = ?", principalID).
		Updates(map[string]any{
			"addon_credits":     10_000,
			"credits_used":      60_000,
			"credits_remaining": 0,
		}).Error)

	f.clock.Set(time.Date(2025, time.February, 1, 0, 0, 1, 0, time.UTC))
	_, err = f.svc.EnsureCurrentPeriod(ctx, principalID)
	require.NoError(t, err)

	// Spent pack credit stays spent; February starts with base only.
	record := f.reload(t, principalID)
	assert.Zero(t, record.AddonCredits)
	assert.Zero(t, record.RolloverCredits)
	assert.Equal(t, int64(50_000), record.CreditsRemaining)
}

func TestEnsureCurrentPeriod_CarriesUnspentPurchasedCredit(t *testing.T) {
	f := setup(t)
	principalID := f.node.Generate()
	ctx := context.Background()

	_, err := f.svc.EnsureCurrentPeriod(ctx, principalID)
	require.NoError(t, err)

	// Untouched 10,000-credit pack, plus a 5,000 booster with 3,000 of it
	// consumed after the base ran out (50,000 base + 3,000 bonus = 53,000).
	require.NoError(t, f.db.Create(&addondomain.AddOnPurchase{
		ID:               f.node.Generate(),
		PrincipalID:      principalID,
		Type:             addondomain.AddOnTypeCreditPack,
		Status:           addondomain.AddOnStatusActive,
		CreditsGranted:   10_000,
		CreditsRemaining: 10_000,
	}).Error)
	require.NoError(t, f.db.Model(&allowancedomain.AllowanceRecord{}).
		Where("principal_id = ?", principalID).
		Updates(map[string]any{
			"addon_credits":     10_000,
			"bonus_credits":     5_000,
			"credits_used":      53_000,
			"credits_remaining": 12_000,
		}).Error)

	f.clock.Set(time.Date(2025, time.February, 1, 0, 0, 1, 0, time.UTC))
	_, err = f.svc.EnsureCurrentPeriod(ctx, principalID)
	require.NoError(t, err)

	record := f.reload(t, principalID)
	assert.Equal(t, int64(10_000), record.AddonCredits)
	assert.Equal(t, int64(2_000), record.BonusCredits)
	assert.Zero(t, record.RolloverCredits)
	assert.Equal(t, int64(62_000), record.CreditsRemaining)
}

func TestEnsureCurrentPeriod_ZeroRolloverPercent(t *testing.T) {
	f := setup(t)
	principalID := f.node.Generate()
	ctx := context.Background()

	require.NoError(t, f.db.Model(&plandomain.PlanTier{}).
		Where("code = ?", "free").
		Update("rollover_percent", 0).Error)

	_, err := f.svc.EnsureCurrentPeriod(ctx, principalID)
	require.NoError(t, err)

	f.clock.Set(time.Date(2025, time.February, 2, 0, 0, 0, 0, time.UTC))
	_, err = f.svc.EnsureCurrentPeriod(ctx, principalID)
	require.NoError(t, err)

	record := f.reload(t, principalID)
	assert.Zero(t, record.RolloverCredits)
}

func TestApplyPlanChange_ProratesMidPeriod(t *testing.T) {
	f := setup(t)
	principalID := f.node.Generate()
	ctx := context.Background()

	_, err := f.svc.EnsureCurrentPeriod(ctx, principalID)
	require.NoError(t, err)

	require.NoError(t, f.db.Model(&allowancedomain.AllowanceRecord{}).
		Where("principal_id = ?", principalID).
		Updates(map[string]any{"credits_used": 10_000, "credits_remaining": 40_000}).Error)

	// Upgrade on Jan 16 of a 31-day period.
	f.clock.Set(time.Date(2025, time.January, 16, 9, 0, 0, 0, time.UTC))

	prorated, err := f.svc.ApplyPlanChange(ctx, principalID, "pro")
	require.NoError(t, err)

	assert.Equal(t, int64(40_000), prorated.RolloverPortion)
	assert.Equal(t, int64(51_612), prorated.NewPlanPortion)
	assert.Equal(t, int64(91_612), prorated.Total)

	record := f.reload(t, principalID)
	assert.Equal(t, "pro", record.PlanTier)
	// Remaining capacity equals the prorated total.
	assert.Equal(t, prorated.Total, record.CreditsRemaining)

	tier, err := f.plansvc.GetPrincipalPlan(ctx, principalID)
	require.NoError(t, err)
	assert.Equal(t, "pro", tier.Code)
}

func TestApplyPlanChange_UnknownTier(t *testing.T) {
	f := setup(t)
	principalID := f.node.Generate()

	_, err := f.svc.ApplyPlanChange(context.Background(), principalID, "platinum")
	assert.ErrorIs(t, err, plandomain.ErrTierNotFound)
}
