package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// PurchaseConfirmation is delivered by the payment-provider webhook after a
// successful checkout. Provider and ProviderEventID dedupe retries.
type PurchaseConfirmation struct {
	Provider        string         `json:"provider"`
	ProviderEventID string         `json:"provider_event_id"`
	PrincipalID     snowflake.ID   `json:"principal_id"`
	AddOnType       AddOnType      `json:"addon_type"`
	CreditsGranted  int64          `json:"credits_granted"`
	ExpiryDays      int            `json:"expiry_days"` // 0 = use configured default
	Recurring       bool           `json:"recurring"`
	SubscriptionRef string         `json:"subscription_ref"`
	Metadata        map[string]any `json:"metadata"`
}

type Service interface {
	// OnPurchaseConfirmed applies a confirmed purchase: records the pack and
	// folds its credits into the allowance record atomically. Idempotent
	// under webhook retries.
	OnPurchaseConfirmed(ctx context.Context, confirmation PurchaseConfirmation) (*AddOnPurchase, error)

	// OnSubscriptionCancelled flips a recurring booster to cancelled.
	// Credits already granted are not clawed back.
	OnSubscriptionCancelled(ctx context.Context, subscriptionRef string) error

	// CountActivePacks returns the number of simultaneously active
	// time-boxed packs, checked against the cap before payment.
	CountActivePacks(ctx context.Context, principalID snowflake.ID) (int64, error)

	// ExpireDue flips packs past their expiry and removes their unspent
	// credit from the allowance record. Called by the sweeper.
	ExpireDue(ctx context.Context) (int64, error)
}

// CapExceededError rejects a purchase before any payment is attempted.
type CapExceededError struct {
	Active int
	Cap    int
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("addon_cap_exceeded: %d active packs, cap %d", e.Active, e.Cap)
}

var (
	ErrInvalidPrincipal    = errors.New("invalid_principal")
	ErrInvalidCredits      = errors.New("invalid_credits")
	ErrInvalidProviderRef  = errors.New("invalid_provider_ref")
	ErrSubscriptionUnknown = errors.New("subscription_ref_unknown")
)
