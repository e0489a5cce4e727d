// Package domain contains the add-on registry: purchased credit packs and
// recurring boosters stacked on top of the plan-tier allowance.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type AddOnType string

const (
	AddOnTypeCreditPack AddOnType = "credit_pack" // time-boxed pack
	AddOnTypeBooster    AddOnType = "booster"     // recurring bonus credit
	AddOnTypePerk       AddOnType = "perk"        // non-credit entitlement
)

type AddOnStatus string

const (
	AddOnStatusActive    AddOnStatus = "active"
	AddOnStatusCancelled AddOnStatus = "cancelled"
	AddOnStatusExpired   AddOnStatus = "expired"
	AddOnStatusConsumed  AddOnStatus = "consumed"
)

// AddOnPurchase is a confirmed purchase. Rows are never hard-deleted; the
// status flips instead so the purchase trail stays auditable.
type AddOnPurchase struct {
	ID               snowflake.ID      `gorm:"primaryKey"`
	PrincipalID      snowflake.ID      `gorm:"not null;index:idx_addons_principal_status,priority:1"`
	Type             AddOnType         `gorm:"type:text;not null"`
	Status           AddOnStatus       `gorm:"type:text;not null;index:idx_addons_principal_status,priority:2"`
	CreditsGranted   int64             `gorm:"not null"`
	CreditsRemaining int64             `gorm:"not null"`
	Recurring        bool              `gorm:"not null;default:false"`
	ExpiresAt        *time.Time        `gorm:"index"` // null for recurring boosters
	ProviderRef      string            `gorm:"type:text"`
	Metadata         datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AddOnPurchase) TableName() string { return "addon_purchases" }

// ProviderEvent dedupes payment-provider webhook deliveries. A retry with
// the same provider event id is a no-op.
type ProviderEvent struct {
	ID              snowflake.ID      `gorm:"primaryKey"`
	Provider        string            `gorm:"type:text;not null;uniqueIndex:ux_provider_events_event,priority:1"`
	ProviderEventID string            `gorm:"type:text;not null;uniqueIndex:ux_provider_events_event,priority:2"`
	EventType       string            `gorm:"type:text;not null"`
	PrincipalID     snowflake.ID      `gorm:"index"`
	Payload         datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ProviderEvent) TableName() string { return "provider_events" }
