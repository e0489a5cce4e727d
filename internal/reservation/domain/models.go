// Package domain contains the token reservation model: a time-boxed hold
// against available capacity that is later committed with the actual cost
// or released.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type ReservationStatus string

const (
	StatusReserved  ReservationStatus = "reserved"
	StatusCommitted ReservationStatus = "committed"
	StatusReleased  ReservationStatus = "released"
	StatusExpired   ReservationStatus = "expired"
)

// Terminal reports whether no further transitions are permitted.
func (s ReservationStatus) Terminal() bool {
	return s == StatusCommitted || s == StatusReleased || s == StatusExpired
}

// TokenReservation holds estimated capacity for one unit of metered work.
type TokenReservation struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	PrincipalID     snowflake.ID      `gorm:"not null;index:idx_reservations_principal_status,priority:1"`
	Kind            string            `gorm:"type:text;not null"`
	EstimatedTokens int64             `gorm:"not null"`
	ActualTokens    *int64            `gorm:""` // set on commit, may differ from estimate
	Status          ReservationStatus `gorm:"type:text;not null;index:idx_reservations_principal_status,priority:2"`
	WorkRef         string            `gorm:"type:text"`
	ExpiresAt       time.Time         `gorm:"not null;index"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TokenReservation) TableName() string { return "token_reservations" }
