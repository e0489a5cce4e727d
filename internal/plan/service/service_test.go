package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	plandomain "github.com/taskora/metering/internal/plan/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setup(t *testing.T) (plandomain.Service, *snowflake.Node, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&plandomain.PlanTier{}, &plandomain.PlanAssignment{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParam{DB: db, Log: zap.NewNop(), GenID: node})

	require.NoError(t, db.Create(&plandomain.PlanTier{
		ID: node.Generate(), Code: "free", Name: "Free", BaseAllowance: 50_000,
	}).Error)
	require.NoError(t, db.Create(&plandomain.PlanTier{
		ID: node.Generate(), Code: "pro", Name: "Pro", BaseAllowance: 1_000_000, RolloverPercent: 20,
	}).Error)

	return svc, node, db
}

func TestGetPrincipalPlan_DefaultsToFree(t *testing.T) {
	svc, node, _ := setup(t)

	tier, err := svc.GetPrincipalPlan(context.Background(), node.Generate())
	require.NoError(t, err)
	assert.Equal(t, "free", tier.Code)
}

func TestAssignPlan_UpsertsAssignment(t *testing.T) {
	svc, node, _ := setup(t)
	principalID := node.Generate()
	ctx := context.Background()

	tier, err := svc.AssignPlan(ctx, principalID, "pro")
	require.NoError(t, err)
	assert.Equal(t, "pro", tier.Code)

	got, err := svc.GetPrincipalPlan(ctx, principalID)
	require.NoError(t, err)
	assert.Equal(t, "pro", got.Code)

	// Reassigning overwrites rather than duplicating.
	_, err = svc.AssignPlan(ctx, principalID, "free")
	require.NoError(t, err)

	got, err = svc.GetPrincipalPlan(ctx, principalID)
	require.NoError(t, err)
	assert.Equal(t, "free", got.Code)
}

func TestAssignPlan_UnknownTier(t *testing.T) {
	svc, node, _ := setup(t)

	_, err := svc.AssignPlan(context.Background(), node.Generate(), "platinum")
	assert.ErrorIs(t, err, plandomain.ErrTierNotFound)
}

func TestList(t *testing.T) {
	svc, _, _ := setup(t)

	tiers, err := svc.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, tiers, 2)
}
