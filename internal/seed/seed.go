// Package seed bootstraps the default plan catalog so a fresh install can
// serve allowance checks immediately.
package seed

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/taskora/metering/internal/plan/domain"
	"github.com/taskora/metering/pkg/db"
	"gorm.io/gorm"
)

func defaultTiers() []plandomain.PlanTier {
	return []plandomain.PlanTier{
		{Code: "free", Name: "Free", BaseAllowance: 50_000, DocLimit: 3, RolloverPercent: 0},
		{Code: "pro", Name: "Pro", BaseAllowance: 1_000_000, DocLimit: 50, RolloverPercent: 20},
		{Code: "team", Name: "Team", BaseAllowance: 5_000_000, DocLimit: 500, RolloverPercent: 20, Pooled: true},
	}
}

// EnsureDefaultTiers inserts the built-in tiers, leaving existing rows
// untouched so operator edits survive restarts.
func EnsureDefaultTiers(conn *gorm.DB) error {
	if conn == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, tier := range defaultTiers() {
			var count int64
			err := tx.WithContext(ctx).Model(&plandomain.PlanTier{}).
				Where("code = ?", tier.Code).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				continue
			}

			tier.ID = node.Generate()
			if err := tx.WithContext(ctx).Create(&tier).Error; err != nil {
				// Replicas starting together race on the insert; the
				// winner's row is as good as ours.
				if db.IsDuplicateKeyErr(err) {
					continue
				}
				return err
			}
		}
		return nil
	})
}
