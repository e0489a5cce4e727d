package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// TransitionResult reports what EnsureCurrentPeriod did.
type TransitionResult struct {
	Transitioned bool `json:"transitioned"`
	Archived     bool `json:"archived"`
}

type Service interface {
	// EnsureCurrentPeriod guarantees the principal's live allowance record
	// belongs to the canonical current period, archiving and resetting a
	// stale record inside one exclusive transaction. Creates the record
	// from plan-tier limits when none exists.
	EnsureCurrentPeriod(ctx context.Context, principalID snowflake.ID) (TransitionResult, error)

	// EnsureCurrentPeriodTx is EnsureCurrentPeriod running inside the
	// caller's transaction; the reservation engine calls this under its
	// own row lock.
	EnsureCurrentPeriodTx(ctx context.Context, tx *gorm.DB, principalID snowflake.ID) (TransitionResult, error)

	// ApplyPlanChange reassigns the principal's tier and prorates the base
	// allowance for the remainder of the current period.
	ApplyPlanChange(ctx context.Context, principalID snowflake.ID, newTierCode string) (ProratedLimits, error)
}

var (
	ErrInvalidPrincipal = errors.New("invalid_principal")
)
