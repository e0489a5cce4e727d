package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	addondomain "github.com/taskora/metering/internal/addon/domain"
	allowancedomain "github.com/taskora/metering/internal/allowance/domain"
	"github.com/taskora/metering/internal/clock"
	"github.com/taskora/metering/internal/config"
	reservationdomain "github.com/taskora/metering/internal/reservation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type stubReservations struct {
	reservationdomain.Service
	expired int64
	err     error
	calls   int
}

func (s *stubReservations) ExpireDue(ctx context.Context) (int64, error) {
	s.calls++
	return s.expired, s.err
}

type stubAddons struct {
	addondomain.Service
	calls int
}

func (s *stubAddons) ExpireDue(ctx context.Context) (int64, error) {
	s.calls++
	return 0, nil
}

type stubAllowances struct {
	allowancedomain.Service
	calls int
}

func (s *stubAllowances) Reconcile(ctx context.Context) (int64, error) {
	s.calls++
	return 0, nil
}

func setup(t *testing.T) (*Scheduler, *stubReservations, *stubAddons, *stubAllowances, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&allowancedomain.UsageHistory{}))

	fake := clock.NewFakeClock(time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC))
	reservations := &stubReservations{}
	addons := &stubAddons{}
	allowances := &stubAllowances{}

	sched, err := New(Params{
		DB:             db,
		Log:            zap.NewNop(),
		Clock:          fake,
		Cfg:            config.NewStaticMeteringConfigHolder(config.DefaultMeteringConfig()),
		ReservationSvc: reservations,
		AddonSvc:       addons,
		AllowanceSvc:   allowances,
	})
	require.NoError(t, err)

	return sched, reservations, addons, allowances, db, fake
}

func TestRunOnce_RunsSweeps(t *testing.T) {
	sched, reservations, addons, allowances, _, _ := setup(t)

	require.NoError(t, sched.RunOnce(context.Background()))

	assert.Equal(t, 1, reservations.calls)
	assert.Equal(t, 1, addons.calls)
	// Reconcile runs on the first tick, then once per configured interval.
	assert.Equal(t, 1, allowances.calls)

	require.NoError(t, sched.RunOnce(context.Background()))
	assert.Equal(t, 1, allowances.calls)
}

func TestRunOnce_CollectsJobErrors(t *testing.T) {
	sched, reservations, addons, _, _, _ := setup(t)
	reservations.err = errors.New("db gone")

	err := sched.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expire_reservations")

	// One failing job does not stop the others.
	assert.Equal(t, 1, addons.calls)
}

func TestPruneHistory_DeletesBeyondRetention(t *testing.T) {
	sched, _, _, _, db, fake := setup(t)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	old := fake.Now().AddDate(0, 0, -800)
	recent := fake.Now().AddDate(0, 0, -30)
	for _, periodEnd := range []time.Time{old, recent} {
		require.NoError(t, db.Create(&allowancedomain.UsageHistory{
			ID:          node.Generate(),
			PrincipalID: node.Generate(),
			PlanTier:    "free",
			PeriodStart: periodEnd.AddDate(0, -1, 0),
			PeriodEnd:   periodEnd,
			ArchivedAt:  periodEnd,
		}).Error)
	}

	pruned, err := sched.pruneHistory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	var count int64
	require.NoError(t, db.Model(&allowancedomain.UsageHistory{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
