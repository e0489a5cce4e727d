package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// DefaultTierCode is assumed for principals without an explicit assignment.
const DefaultTierCode = "free"

type Service interface {
	// GetPrincipalPlan resolves the tier currently assigned to a principal,
	// falling back to the default tier when no assignment exists.
	GetPrincipalPlan(ctx context.Context, principalID snowflake.ID) (*PlanTier, error)
	GetByCode(ctx context.Context, code string) (*PlanTier, error)
	// AssignPlan records a tier change for a principal and returns the new tier.
	AssignPlan(ctx context.Context, principalID snowflake.ID, tierCode string) (*PlanTier, error)
	List(ctx context.Context) ([]PlanTier, error)
}

var (
	ErrInvalidPrincipal = errors.New("invalid_principal")
	ErrInvalidTierCode  = errors.New("invalid_tier_code")
	ErrTierNotFound     = errors.New("tier_not_found")
)
