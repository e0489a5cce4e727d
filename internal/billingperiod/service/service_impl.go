package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	allowancedomain "github.com/taskora/metering/internal/allowance/domain"
	billingdomain "github.com/taskora/metering/internal/billingperiod/domain"
	"github.com/taskora/metering/internal/clock"
	obsmetrics "github.com/taskora/metering/internal/observability/metrics"
	plandomain "github.com/taskora/metering/internal/plan/domain"
	"github.com/taskora/metering/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	PlanSvc    plandomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	plansvc    plandomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) billingdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("billingperiod.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		plansvc:    p.PlanSvc,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) EnsureCurrentPeriod(ctx context.Context, principalID snowflake.ID) (billingdomain.TransitionResult, error) {
	var result billingdomain.TransitionResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.EnsureCurrentPeriodTx(ctx, tx, principalID)
		return err
	})
	return result, err
}

func (s *Service) EnsureCurrentPeriodTx(ctx context.Context, tx *gorm.DB, principalID snowflake.ID) (billingdomain.TransitionResult, error) {
	if principalID == 0 {
		return billingdomain.TransitionResult{}, billingdomain.ErrInvalidPrincipal
	}

	now := s.clock.Now()
	current := billingdomain.Current(now)

	record, err := s.lockRecord(ctx, tx, principalID)
	if err != nil {
		return billingdomain.TransitionResult{}, err
	}

	if record == nil {
		if err := s.createRecord(ctx, tx, principalID, current); err != nil {
			return billingdomain.TransitionResult{}, err
		}
		return billingdomain.TransitionResult{Transitioned: true}, nil
	}

	if record.PeriodStart.Equal(current.Start) {
		return billingdomain.TransitionResult{}, nil
	}

	// The record belongs to a closed period. Archive it, carry rollover
	// into the new period, and reset the counters, all under the row lock
	// so concurrent reservations see either the old period or the new one.
	if err := s.archive(ctx, tx, record, now); err != nil {
		return billingdomain.TransitionResult{}, err
	}

	oldTier, err := s.plansvc.GetByCode(ctx, record.PlanTier)
	if err != nil {
		return billingdomain.TransitionResult{}, err
	}
	newTier, err := s.plansvc.GetPrincipalPlan(ctx, principalID)
	if err != nil {
		return billingdomain.TransitionResult{}, err
	}

	unusedBase := record.BaseAllowance - record.CreditsUsed
	if unusedBase < 0 {
		unusedBase = 0
	}
	rollover := allowancedomain.RolloverAmount(unusedBase, record.BaseAllowance, oldTier.RolloverPercent)

	// Purchased credit does not regenerate: replay the closed period's usage
	// to find how much booster credit was consumed, and read surviving pack
	// credit from the pack rows, which deduction keeps authoritative.
	portions, _ := allowancedomain.SplitDeduction(
		record.CreditsUsed,
		0,
		record.BaseAllowance,
		record.RolloverCredits,
		record.BonusCredits,
		record.AddonCredits,
	)
	bonusCarried := record.BonusCredits
	for _, portion := range portions {
		if portion.Source == allowancedomain.SourceBonus {
			bonusCarried -= portion.Tokens
		}
	}
	if bonusCarried < 0 {
		bonusCarried = 0
	}
	addonCarried, err := s.sumActivePackCredits(ctx, tx, principalID)
	if err != nil {
		return billingdomain.TransitionResult{}, err
	}

	record.PlanTier = newTier.Code
	record.BaseAllowance = newTier.BaseAllowance
	record.RolloverCredits = rollover
	record.AddonCredits = addonCarried
	record.BonusCredits = bonusCarried
	record.CreditsUsed = 0
	record.PeriodStart = current.Start
	record.PeriodEnd = current.End
	record.GraceUntil = nil
	record.Recompute()

	err = tx.WithContext(ctx).Model(&allowancedomain.AllowanceRecord{}).
		Where("id = ?", record.ID).
		Updates(map[string]any{
			"plan_tier":         record.PlanTier,
			"base_allowance":    record.BaseAllowance,
			"rollover_credits":  record.RolloverCredits,
			"addon_credits":     record.AddonCredits,
			"bonus_credits":     record.BonusCredits,
			"credits_used":      record.CreditsUsed,
			"credits_remaining": record.CreditsRemaining,
			"period_start":      record.PeriodStart,
			"period_end":        record.PeriodEnd,
			"grace_until":       nil,
			"updated_at":        now,
		}).Error
	if err != nil {
		return billingdomain.TransitionResult{}, err
	}

	if rollover > 0 {
		if err := s.recordRollover(ctx, tx, record, rollover, current); err != nil {
			return billingdomain.TransitionResult{}, err
		}
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordPeriodTransition(ctx)
	}
	s.log.Info("billing period transitioned",
		zap.String("principal_id", principalID.String()),
		zap.Time("period_start", current.Start),
		zap.Int64("rollover_credits", rollover),
	)
	return billingdomain.TransitionResult{Transitioned: true, Archived: true}, nil
}

func (s *Service) ApplyPlanChange(ctx context.Context, principalID snowflake.ID, newTierCode string) (billingdomain.ProratedLimits, error) {
	if principalID == 0 {
		return billingdomain.ProratedLimits{}, billingdomain.ErrInvalidPrincipal
	}
	newTierCode = strings.TrimSpace(newTierCode)
	if newTierCode == "" {
		return billingdomain.ProratedLimits{}, plandomain.ErrInvalidTierCode
	}

	var prorated billingdomain.ProratedLimits
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.EnsureCurrentPeriodTx(ctx, tx, principalID); err != nil {
			return err
		}

		record, err := s.lockRecord(ctx, tx, principalID)
		if err != nil {
			return err
		}
		if record == nil {
			return allowancedomain.ErrRecordNotFound
		}

		newTier, err := s.plansvc.GetByCode(ctx, newTierCode)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		period := billingdomain.Period{Start: record.PeriodStart, End: record.PeriodEnd}
		prorated = billingdomain.Prorate(record.CreditsUsed, record.BaseAllowance, newTier.BaseAllowance, now, period)

		// The base column keeps the already-consumed base portion so the
		// source replay stays consistent with the recorded credits_used.
		usedFromBase := record.CreditsUsed
		if usedFromBase > record.BaseAllowance {
			usedFromBase = record.BaseAllowance
		}
		record.PlanTier = newTier.Code
		record.BaseAllowance = usedFromBase + prorated.Total
		record.Recompute()

		err = tx.WithContext(ctx).Model(&allowancedomain.AllowanceRecord{}).
			Where("id = ?", record.ID).
			Updates(map[string]any{
				"plan_tier":         record.PlanTier,
				"base_allowance":    record.BaseAllowance,
				"credits_remaining": record.CreditsRemaining,
				"updated_at":        now,
			}).Error
		if err != nil {
			return err
		}

		_, err = s.plansvc.AssignPlan(ctx, principalID, newTier.Code)
		return err
	})
	if err != nil {
		return billingdomain.ProratedLimits{}, err
	}

	s.log.Info("plan changed",
		zap.String("principal_id", principalID.String()),
		zap.String("tier_code", newTierCode),
		zap.Int64("prorated_total", prorated.Total),
	)
	return prorated, nil
}

func (s *Service) lockRecord(ctx context.Context, tx *gorm.DB, principalID snowflake.ID) (*allowancedomain.AllowanceRecord, error) {
	query := db.ForUpdate(tx, `SELECT * FROM allowance_records WHERE principal_id = ?`)
	var record allowancedomain.AllowanceRecord
	if err := tx.WithContext(ctx).Raw(query, principalID).Scan(&record).Error; err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (s *Service) sumActivePackCredits(ctx context.Context, tx *gorm.DB, principalID snowflake.ID) (int64, error) {
	var total int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(credits_remaining), 0)
		 FROM addon_purchases
		 WHERE principal_id = ? AND status = 'active' AND recurring = ?`,
		principalID, false,
	).Scan(&total).Error
	return total, err
}

func (s *Service) createRecord(ctx context.Context, tx *gorm.DB, principalID snowflake.ID, period billingdomain.Period) error {
	tier, err := s.plansvc.GetPrincipalPlan(ctx, principalID)
	if err != nil {
		return err
	}

	principalType := allowancedomain.PrincipalTypeUser
	if tier.Pooled {
		principalType = allowancedomain.PrincipalTypeOrganization
	}

	record := allowancedomain.AllowanceRecord{
		ID:            s.genID.Generate(),
		PrincipalID:   principalID,
		PrincipalType: principalType,
		PlanTier:      tier.Code,
		BaseAllowance: tier.BaseAllowance,
		PeriodStart:   period.Start,
		PeriodEnd:     period.End,
		CreatedAt:     s.clock.Now(),
		UpdatedAt:     s.clock.Now(),
	}
	record.Recompute()

	// Two racing callers both reach here; the conflict clause lets the
	// loser proceed against the winner's row.
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO allowance_records (
			id, principal_id, principal_type, plan_tier, base_allowance,
			rollover_credits, addon_credits, bonus_credits, credits_used,
			credits_remaining, period_start, period_end, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 0, 0, 0, 0, ?, ?, ?, ?, ?)
		ON CONFLICT (principal_id) DO NOTHING`,
		record.ID,
		record.PrincipalID,
		record.PrincipalType,
		record.PlanTier,
		record.BaseAllowance,
		record.CreditsRemaining,
		record.PeriodStart,
		record.PeriodEnd,
		record.CreatedAt,
		record.UpdatedAt,
	)
	return result.Error
}

func (s *Service) archive(ctx context.Context, tx *gorm.DB, record *allowancedomain.AllowanceRecord, archivedAt time.Time) error {
	// Write-once per (principal, period); a crashed transition retried
	// later lands on the conflict clause instead of duplicating history.
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO usage_history (
			id, principal_id, principal_type, plan_tier, base_allowance,
			rollover_credits, addon_credits, bonus_credits, credits_used,
			credits_remaining, period_start, period_end, archived_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (principal_id, period_start) DO NOTHING`,
		s.genID.Generate(),
		record.PrincipalID,
		record.PrincipalType,
		record.PlanTier,
		record.BaseAllowance,
		record.RolloverCredits,
		record.AddonCredits,
		record.BonusCredits,
		record.CreditsUsed,
		record.CreditsRemaining,
		record.PeriodStart,
		record.PeriodEnd,
		archivedAt,
		archivedAt,
	)
	return result.Error
}

func (s *Service) recordRollover(ctx context.Context, tx *gorm.DB, record *allowancedomain.AllowanceRecord, rollover int64, period billingdomain.Period) error {
	entry := allowancedomain.LedgerEntry{
		ID:            s.genID.Generate(),
		PrincipalID:   record.PrincipalID,
		CorrelationID: fmt.Sprintf("rollover:%s", period.Start.Format("2006-01")),
		OperationType: allowancedomain.OperationRollover,
		TokensDelta:   rollover,
		Source:        allowancedomain.SourceRollover,
		BalanceAfter:  record.CreditsRemaining,
		Metadata: datatypes.JSONMap{
			"period_start": period.Start.Format("2006-01-02"),
		},
		CreatedAt: s.clock.Now(),
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
