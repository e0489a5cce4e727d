// Package domain contains the plan catalog consumed on every period transition.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// PlanTier defines the metered limits granted by a subscription tier.
type PlanTier struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	Code            string       `gorm:"type:text;not null;uniqueIndex"`
	Name            string       `gorm:"type:text;not null"`
	BaseAllowance   int64        `gorm:"not null"`
	DocLimit        int          `gorm:"not null"`
	RolloverPercent int          `gorm:"not null;default:0"` // 0-100
	Pooled          bool         `gorm:"not null;default:false"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PlanTier) TableName() string { return "plan_tiers" }

// PlanAssignment maps a principal to its current tier. Written by the
// billing/checkout layer, read here on period transitions and plan changes.
type PlanAssignment struct {
	PrincipalID snowflake.ID `gorm:"primaryKey"`
	TierCode    string       `gorm:"type:text;not null"`
	ChangedAt   time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (PlanAssignment) TableName() string { return "plan_assignments" }
