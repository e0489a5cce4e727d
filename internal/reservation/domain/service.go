package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

type ReserveRequest struct {
	PrincipalID     snowflake.ID `json:"principal_id"`
	EstimatedTokens int64        `json:"estimated_tokens"`
	Kind            string       `json:"kind"`
}

type CommitRequest struct {
	ReservationID snowflake.ID `json:"reservation_id"`
	ActualTokens  int64        `json:"actual_tokens"`
	WorkRef       string       `json:"work_ref"`
}

// WorkResult is what a wrapped unit of metered work reports on success.
type WorkResult struct {
	ActualTokens int64  `json:"actual_tokens"`
	WorkRef      string `json:"work_ref"`
}

// WorkFunc performs the metered work between reserve and commit. It runs
// outside any database lock.
type WorkFunc func(ctx context.Context) (*WorkResult, error)

type Service interface {
	// Reserve atomically checks available capacity and creates a time-boxed
	// hold, or fails with InsufficientCapacityError. Failed reservations are
	// not charged or recorded.
	Reserve(ctx context.Context, req ReserveRequest) (*TokenReservation, error)

	// Commit converts a held reservation into a ledgered charge of the
	// actual cost. A reservation past its timeout flips to expired and the
	// caller must re-reserve. A second commit of the same reservation does
	// not double-deduct.
	Commit(ctx context.Context, req CommitRequest) (int64, error)

	// Release returns held capacity without charging. Reports false when the
	// reservation is not currently held.
	Release(ctx context.Context, reservationID snowflake.ID) (bool, error)

	// WithReservation reserves, runs fn, commits its actual cost on success
	// and releases on any failure, so no unit of work can both fail and
	// consume quota.
	WithReservation(ctx context.Context, principalID snowflake.ID, estimatedTokens int64, kind string, fn WorkFunc) (*WorkResult, error)

	// ExpireDue flips every reservation past its timeout to expired in one
	// statement. Called by the sweeper; the sole mechanism reclaiming
	// capacity abandoned by crashed callers.
	ExpireDue(ctx context.Context) (int64, error)
}

// InsufficientCapacityError carries the numbers for a precise upgrade prompt.
type InsufficientCapacityError struct {
	Available int64
	Required  int64
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("insufficient_capacity: available %d, required %d", e.Available, e.Required)
}

var (
	ErrInvalidPrincipal    = errors.New("invalid_principal")
	ErrInvalidEstimate     = errors.New("invalid_estimate")
	ErrInvalidActualTokens = errors.New("invalid_actual_tokens")
	ErrReservationNotFound = errors.New("reservation_not_found")
	ErrReservationExpired  = errors.New("reservation_expired")
	ErrAlreadyCommitted    = errors.New("reservation_already_committed")
	ErrNotReserved         = errors.New("reservation_not_reserved")
)

// AsInsufficientCapacity unwraps err as an InsufficientCapacityError.
func AsInsufficientCapacity(err error) (*InsufficientCapacityError, bool) {
	var capErr *InsufficientCapacityError
	if errors.As(err, &capErr) {
		return capErr, true
	}
	return nil, false
}
