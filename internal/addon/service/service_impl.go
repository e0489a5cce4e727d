package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	addondomain "github.com/taskora/metering/internal/addon/domain"
	allowancedomain "github.com/taskora/metering/internal/allowance/domain"
	billingdomain "github.com/taskora/metering/internal/billingperiod/domain"
	"github.com/taskora/metering/internal/clock"
	"github.com/taskora/metering/internal/config"
	"github.com/taskora/metering/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Cfg          *config.MeteringConfigHolder
	AllowanceSvc allowancedomain.Service
	PeriodSvc    billingdomain.Service
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID        *snowflake.Node
	clock        clock.Clock
	cfg          *config.MeteringConfigHolder
	allowancesvc allowancedomain.Service
	periodsvc    billingdomain.Service
}

func NewService(p ServiceParam) addondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("addon.service"),

		genID:        p.GenID,
		clock:        p.Clock,
		cfg:          p.Cfg,
		allowancesvc: p.AllowanceSvc,
		periodsvc:    p.PeriodSvc,
	}
}

func (s *Service) OnPurchaseConfirmed(ctx context.Context, confirmation addondomain.PurchaseConfirmation) (*addondomain.AddOnPurchase, error) {
	if confirmation.PrincipalID == 0 {
		return nil, addondomain.ErrInvalidPrincipal
	}
	provider := strings.TrimSpace(confirmation.Provider)
	eventID := strings.TrimSpace(confirmation.ProviderEventID)
	if provider == "" || eventID == "" {
		return nil, addondomain.ErrInvalidProviderRef
	}
	confirmation.Provider = provider
	confirmation.ProviderEventID = eventID
	grantsCredits := confirmation.AddOnType != addondomain.AddOnTypePerk
	if grantsCredits && confirmation.CreditsGranted <= 0 {
		return nil, addondomain.ErrInvalidCredits
	}

	// The allowance record must exist and belong to the current period
	// before credits are folded in.
	if _, err := s.periodsvc.EnsureCurrentPeriod(ctx, confirmation.PrincipalID); err != nil {
		return nil, err
	}

	var purchase *addondomain.AddOnPurchase
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		recorded, err := s.recordProviderEvent(ctx, tx, confirmation)
		if err != nil {
			return err
		}
		if !recorded {
			// Webhook retry; the original delivery already applied.
			purchase, err = s.findByProviderEvent(ctx, tx, provider, eventID)
			return err
		}

		if confirmation.AddOnType == addondomain.AddOnTypeCreditPack {
			active, err := s.countActivePacksTx(ctx, tx, confirmation.PrincipalID)
			if err != nil {
				return err
			}
			packCap := s.cfg.Get().ActivePackCap
			if int(active) >= packCap {
				return &addondomain.CapExceededError{Active: int(active), Cap: packCap}
			}
		}

		cfg := s.cfg.Get()
		now := s.clock.Now()
		var expiresAt *time.Time
		if confirmation.AddOnType == addondomain.AddOnTypeCreditPack {
			days := confirmation.ExpiryDays
			if days <= 0 {
				days = cfg.PackExpiryDays
			}
			t := now.AddDate(0, 0, days)
			expiresAt = &t
		}

		providerRef := confirmation.SubscriptionRef
		if providerRef == "" {
			providerRef = fmt.Sprintf("%s:%s", provider, eventID)
		}

		purchase = &addondomain.AddOnPurchase{
			ID:               s.genID.Generate(),
			PrincipalID:      confirmation.PrincipalID,
			Type:             confirmation.AddOnType,
			Status:           addondomain.AddOnStatusActive,
			CreditsGranted:   confirmation.CreditsGranted,
			CreditsRemaining: confirmation.CreditsGranted,
			Recurring:        confirmation.Recurring,
			ExpiresAt:        expiresAt,
			ProviderRef:      providerRef,
			Metadata:         datatypes.JSONMap(confirmation.Metadata),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.WithContext(ctx).Create(purchase).Error; err != nil {
			return err
		}

		if !grantsCredits {
			return nil
		}

		_, err = s.allowancesvc.GrantCreditsTx(ctx, tx, allowancedomain.GrantRequest{
			PrincipalID:   confirmation.PrincipalID,
			Credits:       confirmation.CreditsGranted,
			Bonus:         confirmation.AddOnType == addondomain.AddOnTypeBooster,
			CorrelationID: fmt.Sprintf("addon:%s:%s", provider, eventID),
			Metadata: map[string]any{
				"addon_id":   purchase.ID.String(),
				"addon_type": string(confirmation.AddOnType),
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("addon purchase applied",
		zap.String("principal_id", confirmation.PrincipalID.String()),
		zap.String("addon_type", string(confirmation.AddOnType)),
		zap.Int64("credits_granted", confirmation.CreditsGranted),
	)
	return purchase, nil
}

func (s *Service) OnSubscriptionCancelled(ctx context.Context, subscriptionRef string) error {
	subscriptionRef = strings.TrimSpace(subscriptionRef)
	if subscriptionRef == "" {
		return addondomain.ErrInvalidProviderRef
	}

	result := s.db.WithContext(ctx).Model(&addondomain.AddOnPurchase{}).
		Where("provider_ref = ? AND recurring = ? AND status = ?",
			subscriptionRef, true, addondomain.AddOnStatusActive).
		Updates(map[string]any{
			"status":     addondomain.AddOnStatusCancelled,
			"updated_at": s.clock.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return addondomain.ErrSubscriptionUnknown
	}

	s.log.Info("subscription cancelled", zap.String("subscription_ref", subscriptionRef))
	return nil
}

func (s *Service) CountActivePacks(ctx context.Context, principalID snowflake.ID) (int64, error) {
	if principalID == 0 {
		return 0, addondomain.ErrInvalidPrincipal
	}
	return s.countActivePacksTx(ctx, s.db, principalID)
}

func (s *Service) ExpireDue(ctx context.Context) (int64, error) {
	now := s.clock.Now()

	var due []addondomain.AddOnPurchase
	err := s.db.WithContext(ctx).
		Where("type = ? AND status = ? AND expires_at IS NOT NULL AND expires_at <= ?",
			addondomain.AddOnTypeCreditPack, addondomain.AddOnStatusActive, now).
		Find(&due).Error
	if err != nil {
		return 0, err
	}

	var expired int64
	for i := range due {
		pack := due[i]
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.expirePack(ctx, tx, &pack, now)
		})
		if err != nil {
			s.log.Error("pack expiry failed",
				zap.String("addon_id", pack.ID.String()),
				zap.Error(err),
			)
			continue
		}
		expired++
	}
	return expired, nil
}

// expirePack flips the pack and writes off its unspent credit from the
// allowance record, with a ledger entry so the balance change is auditable.
func (s *Service) expirePack(ctx context.Context, tx *gorm.DB, pack *addondomain.AddOnPurchase, now time.Time) error {
	// Re-check under lock; a concurrent deduct may have consumed the pack.
	query := db.ForUpdate(tx, `SELECT * FROM addon_purchases WHERE id = ?`)
	var current addondomain.AddOnPurchase
	if err := tx.WithContext(ctx).Raw(query, pack.ID).Scan(&current).Error; err != nil {
		return err
	}
	if current.ID == 0 || current.Status != addondomain.AddOnStatusActive {
		return nil
	}

	err := tx.WithContext(ctx).Model(&addondomain.AddOnPurchase{}).
		Where("id = ?", current.ID).
		Updates(map[string]any{
			"status":     addondomain.AddOnStatusExpired,
			"updated_at": now,
		}).Error
	if err != nil {
		return err
	}

	if current.CreditsRemaining <= 0 {
		return nil
	}

	recordQuery := db.ForUpdate(tx, `SELECT * FROM allowance_records WHERE principal_id = ?`)
	var record allowancedomain.AllowanceRecord
	if err := tx.WithContext(ctx).Raw(recordQuery, current.PrincipalID).Scan(&record).Error; err != nil {
		return err
	}
	if record.ID == 0 {
		return nil
	}

	record.AddonCredits -= current.CreditsRemaining
	if record.AddonCredits < 0 {
		record.AddonCredits = 0
	}
	record.Recompute()

	err = tx.WithContext(ctx).Model(&allowancedomain.AllowanceRecord{}).
		Where("id = ?", record.ID).
		Updates(map[string]any{
			"addon_credits":     record.AddonCredits,
			"credits_remaining": record.CreditsRemaining,
			"updated_at":        now,
		}).Error
	if err != nil {
		return err
	}

	entry := allowancedomain.LedgerEntry{
		ID:            s.genID.Generate(),
		PrincipalID:   current.PrincipalID,
		CorrelationID: fmt.Sprintf("addon_expire:%s", current.ID.String()),
		OperationType: allowancedomain.OperationAddonExpire,
		TokensDelta:   -current.CreditsRemaining,
		Source:        allowancedomain.SourceAddon,
		BalanceAfter:  record.CreditsRemaining,
		Metadata: datatypes.JSONMap{
			"addon_id": current.ID.String(),
		},
		CreatedAt: now,
	}
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO allowance_ledger_entries (
			id, principal_id, correlation_id, operation_type, tokens_delta,
			source, balance_after, ref_entry_id, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT (principal_id, correlation_id) DO NOTHING`,
		entry.ID,
		entry.PrincipalID,
		entry.CorrelationID,
		entry.OperationType,
		entry.TokensDelta,
		entry.Source,
		entry.BalanceAfter,
		entry.Metadata,
		entry.CreatedAt,
	)
	return result.Error
}

func (s *Service) countActivePacksTx(ctx context.Context, conn *gorm.DB, principalID snowflake.ID) (int64, error) {
	var count int64
	err := conn.WithContext(ctx).Model(&addondomain.AddOnPurchase{}).
		Where("principal_id = ? AND type = ? AND status = ?",
			principalID, addondomain.AddOnTypeCreditPack, addondomain.AddOnStatusActive).
		Count(&count).Error
	return count, err
}

func (s *Service) recordProviderEvent(ctx context.Context, tx *gorm.DB, confirmation addondomain.PurchaseConfirmation) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO provider_events (
			id, provider, provider_event_id, event_type, principal_id, payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		s.genID.Generate(),
		confirmation.Provider,
		confirmation.ProviderEventID,
		"purchase_confirmed",
		confirmation.PrincipalID,
		datatypes.JSONMap(confirmation.Metadata),
		s.clock.Now(),
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *Service) findByProviderEvent(ctx context.Context, conn *gorm.DB, provider, eventID string) (*addondomain.AddOnPurchase, error) {
	var purchase addondomain.AddOnPurchase
	err := conn.WithContext(ctx).
		Where("provider_ref = ?", fmt.Sprintf("%s:%s", provider, eventID)).
		First(&purchase).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Subscription-ref purchases are not addressable by event id;
			// the retry still succeeds without re-applying.
			return nil, nil
		}
		return nil, err
	}
	return &purchase, nil
}
