// Package domain contains the allowance store and ledger models. The
// allowance row is the single shared mutable resource per principal; every
// mutation happens under a row lock and keeps the cached credits_remaining
// column consistent with the four credit sources.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// PrincipalType distinguishes per-user quota from pooled organization quota.
type PrincipalType string

const (
	PrincipalTypeUser         PrincipalType = "user"
	PrincipalTypeOrganization PrincipalType = "organization"
)

// AllowanceRecord is the live quota row for a principal in the active
// billing period. Closed periods are archived into UsageHistory.
type AllowanceRecord struct {
	ID               snowflake.ID  `gorm:"primaryKey"`
	PrincipalID      snowflake.ID  `gorm:"not null;uniqueIndex"`
	PrincipalType    PrincipalType `gorm:"type:text;not null;default:'user'"`
	PlanTier         string        `gorm:"type:text;not null"`
	BaseAllowance    int64         `gorm:"not null"`
	RolloverCredits  int64         `gorm:"not null;default:0"`
	AddonCredits     int64         `gorm:"not null;default:0"`
	BonusCredits     int64         `gorm:"not null;default:0"`
	CreditsUsed      int64         `gorm:"not null;default:0"`
	CreditsRemaining int64         `gorm:"not null;default:0"`
	PeriodStart      time.Time     `gorm:"not null;index"`
	PeriodEnd        time.Time     `gorm:"not null"`
	GraceUntil       *time.Time    `gorm:""`
	CreatedAt        time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AllowanceRecord) TableName() string { return "allowance_records" }

// TotalLimit is the sum of all credit sources for the period.
func (r *AllowanceRecord) TotalLimit() int64 {
	return r.BaseAllowance + r.RolloverCredits + r.AddonCredits + r.BonusCredits
}

// Recompute refreshes the cached credits_remaining column. Remaining is
// floored at zero; a commit whose actual cost exceeded the estimate may
// overshoot the limit, the overage stays visible through credits_used.
func (r *AllowanceRecord) Recompute() {
	remaining := r.TotalLimit() - r.CreditsUsed
	if remaining < 0 {
		remaining = 0
	}
	r.CreditsRemaining = remaining
}

// InGrace reports whether the fair-use grace period is active at t.
func (r *AllowanceRecord) InGrace(t time.Time) bool {
	return r.GraceUntil != nil && t.Before(*r.GraceUntil)
}

// OperationType classifies ledger entries.
type OperationType string

const (
	OperationDeduct      OperationType = "deduct"
	OperationRefund      OperationType = "refund"
	OperationRollover    OperationType = "rollover"
	OperationAddonGrant  OperationType = "addon_grant"
	OperationAddonExpire OperationType = "addon_expire"
)

// Source identifies which credit bucket an entry touched first.
type Source string

const (
	SourceBase     Source = "base"
	SourceRollover Source = "rollover"
	SourceBonus    Source = "bonus"
	SourceAddon    Source = "addon"
	SourceRefund   Source = "refund"
)

// LedgerEntry is an immutable, append-only audit row. The correlation id is
// the idempotency key: a retry with the same id never double-charges.
type LedgerEntry struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	PrincipalID   snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_ledger_principal_correlation,priority:1"`
	CorrelationID string            `gorm:"type:text;not null;uniqueIndex:ux_ledger_principal_correlation,priority:2"`
	OperationType OperationType     `gorm:"type:text;not null;index"`
	TokensDelta   int64             `gorm:"not null"` // negative = charge, positive = credit
	Source        Source            `gorm:"type:text;not null"`
	BalanceAfter  int64             `gorm:"not null"`
	RefEntryID    *snowflake.ID     `gorm:"index"` // original entry for refunds
	Metadata      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "allowance_ledger_entries" }

// UsageHistory is the write-once archive of a closed period.
type UsageHistory struct {
	ID               snowflake.ID  `gorm:"primaryKey"`
	PrincipalID      snowflake.ID  `gorm:"not null;uniqueIndex:ux_usage_history_period,priority:1"`
	PrincipalType    PrincipalType `gorm:"type:text;not null"`
	PlanTier         string        `gorm:"type:text;not null"`
	BaseAllowance    int64         `gorm:"not null"`
	RolloverCredits  int64         `gorm:"not null"`
	AddonCredits     int64         `gorm:"not null"`
	BonusCredits     int64         `gorm:"not null"`
	CreditsUsed      int64         `gorm:"not null"`
	CreditsRemaining int64         `gorm:"not null"`
	PeriodStart      time.Time     `gorm:"not null;uniqueIndex:ux_usage_history_period,priority:2"`
	PeriodEnd        time.Time     `gorm:"not null"`
	ArchivedAt       time.Time     `gorm:"not null"`
	CreatedAt        time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UsageHistory) TableName() string { return "usage_history" }
