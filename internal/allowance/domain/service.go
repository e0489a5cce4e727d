package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type CheckAllowanceRequest struct {
	PrincipalID snowflake.ID `json:"principal_id"`
	ActionType  string       `json:"action_type"`
	Quantity    int64        `json:"quantity"`
}

// Breakdown details the credit composition behind an allowance check.
type Breakdown struct {
	Base           int64 `json:"base"`
	Rollover       int64 `json:"rollover"`
	Addon          int64 `json:"addon"`
	Bonus          int64 `json:"bonus"`
	Used           int64 `json:"used"`
	Reserved       int64 `json:"reserved"`
	EffectiveLimit int64 `json:"effective_limit"`
}

type CheckAllowanceResponse struct {
	HasAllowance bool      `json:"has_allowance"`
	Available    int64     `json:"available"`
	Required     int64     `json:"required"`
	Breakdown    Breakdown `json:"breakdown"`
}

type DeductRequest struct {
	PrincipalID   snowflake.ID
	Tokens        int64
	CorrelationID string
	WorkRef       string
	Metadata      map[string]any
}

type GrantRequest struct {
	PrincipalID   snowflake.ID
	Credits       int64
	Bonus         bool // recurring booster credit instead of pack credit
	CorrelationID string
	Metadata      map[string]any
}

type ListLedgerRequest struct {
	PrincipalID string `json:"principal_id"`
	PageToken   string `json:"page_token"`
	PageSize    int32  `json:"page_size"`
}

type ListLedgerResponse struct {
	NextPageToken string        `json:"next_page_token"`
	HasMore       bool          `json:"has_more"`
	Entries       []LedgerEntry `json:"entries"`
}

type Service interface {
	// CheckAllowance is a read-only, side-effect-free preview of capacity.
	CheckAllowance(ctx context.Context, req CheckAllowanceRequest) (CheckAllowanceResponse, error)

	// DeductTx charges tokens against the allowance record inside the
	// caller's transaction, consuming credit sources in priority order and
	// writing a single ledger entry. Idempotent per correlation id.
	DeductTx(ctx context.Context, tx *gorm.DB, req DeductRequest) (*LedgerEntry, error)

	// GrantCreditsTx folds purchased or bonus credit into the allowance
	// record inside the caller's transaction, visible to the very next
	// reservation check.
	GrantCreditsTx(ctx context.Context, tx *gorm.DB, req GrantRequest) (*LedgerEntry, error)

	// Refund reverses a prior deduct entry, restoring the exact amount and
	// writing a compensating entry referencing the original.
	Refund(ctx context.Context, ledgerEntryID snowflake.ID, reason string) (*LedgerEntry, error)

	ListLedger(ctx context.Context, req ListLedgerRequest) (ListLedgerResponse, error)

	// Reconcile recomputes the cached credits_remaining of every live record
	// and repairs drift. Returns the number of repaired rows.
	Reconcile(ctx context.Context) (int64, error)
}

var (
	ErrInvalidPrincipal     = errors.New("invalid_principal")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrInvalidCorrelationID = errors.New("invalid_correlation_id")
	ErrRecordNotFound       = errors.New("allowance_record_not_found")
	ErrEntryNotFound        = errors.New("ledger_entry_not_found")
	ErrNotRefundable        = errors.New("ledger_entry_not_refundable")
	ErrAlreadyRefunded      = errors.New("ledger_entry_already_refunded")
)
