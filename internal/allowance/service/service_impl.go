package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	allowancedomain "github.com/taskora/metering/internal/allowance/domain"
	"github.com/taskora/metering/internal/clock"
	"github.com/taskora/metering/internal/config"
	obsmetrics "github.com/taskora/metering/internal/observability/metrics"
	plandomain "github.com/taskora/metering/internal/plan/domain"
	"github.com/taskora/metering/pkg/db"
	"github.com/taskora/metering/pkg/db/option"
	"github.com/taskora/metering/pkg/db/pagination"
	"github.com/taskora/metering/pkg/repository"
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
	Cfg        *config.MeteringConfigHolder
	PlanSvc    plandomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	cfg        *config.MeteringConfigHolder
	plansvc    plandomain.Service
	ledgerrepo repository.Repository[allowancedomain.LedgerEntry]
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) allowancedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("allowance.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Cfg,
		plansvc:    p.PlanSvc,
		ledgerrepo: repository.ProvideStore[allowancedomain.LedgerEntry](p.DB),
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CheckAllowance(ctx context.Context, req allowancedomain.CheckAllowanceRequest) (allowancedomain.CheckAllowanceResponse, error) {
	if req.PrincipalID == 0 {
		return allowancedomain.CheckAllowanceResponse{}, allowancedomain.ErrInvalidPrincipal
	}
	if req.Quantity < 0 {
		return allowancedomain.CheckAllowanceResponse{}, allowancedomain.ErrInvalidAmount
	}

	record, err := s.findRecord(ctx, s.db, req.PrincipalID)
	if err != nil {
		return allowancedomain.CheckAllowanceResponse{}, err
	}

	// A principal without a live record has never consumed anything; preview
	// against the plan-tier base allowance.
	if record == nil {
		tier, err := s.plansvc.GetPrincipalPlan(ctx, req.PrincipalID)
		if err != nil {
			return allowancedomain.CheckAllowanceResponse{}, err
		}
		return allowancedomain.CheckAllowanceResponse{
			HasAllowance: tier.BaseAllowance >= req.Quantity,
			Available:    tier.BaseAllowance,
			Required:     req.Quantity,
			Breakdown: allowancedomain.Breakdown{
				Base:           tier.BaseAllowance,
				EffectiveLimit: tier.BaseAllowance,
			},
		}, nil
	}

	reserved, err := s.sumReserved(ctx, s.db, req.PrincipalID)
	if err != nil {
		return allowancedomain.CheckAllowanceResponse{}, err
	}

	effectiveLimit := EffectiveLimit(record, s.clock.Now(), s.cfg.Get().GraceMultiplier)
	available := effectiveLimit - record.CreditsUsed - reserved
	if available < 0 {
		available = 0
	}

	return allowancedomain.CheckAllowanceResponse{
		HasAllowance: available >= req.Quantity,
		Available:    available,
		Required:     req.Quantity,
		Breakdown: allowancedomain.Breakdown{
			Base:           record.BaseAllowance,
			Rollover:       record.RolloverCredits,
			Addon:          record.AddonCredits,
			Bonus:          record.BonusCredits,
			Used:           record.CreditsUsed,
			Reserved:       reserved,
			EffectiveLimit: effectiveLimit,
		},
	}, nil
}

// EffectiveLimit is the period limit the reservation engine enforces,
// reduced by the grace multiplier while the principal is in a fair-use
// grace period.
func EffectiveLimit(record *allowancedomain.AllowanceRecord, now time.Time, graceMultiplier float64) int64 {
	limit := record.TotalLimit()
	if record.InGrace(now) {
		limit = int64(float64(limit) * graceMultiplier)
	}
	return limit
}

func (s *Service) DeductTx(ctx context.Context, tx *gorm.DB, req allowancedomain.DeductRequest) (*allowancedomain.LedgerEntry, error) {
	if req.PrincipalID == 0 {
		return nil, allowancedomain.ErrInvalidPrincipal
	}
	if req.Tokens <= 0 {
		return nil, allowancedomain.ErrInvalidAmount
	}
	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		return nil, allowancedomain.ErrInvalidCorrelationID
	}

	// Idempotency: a retry with the same correlation id returns the original
	// entry without touching balances.
	existing, err := s.findEntryByCorrelation(ctx, tx, req.PrincipalID, correlationID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	record, err := s.lockRecord(ctx, tx, req.PrincipalID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, allowancedomain.ErrRecordNotFound
	}

	portions, uncovered := allowancedomain.SplitDeduction(
		req.Tokens,
		record.CreditsUsed,
		record.BaseAllowance,
		record.RolloverCredits,
		record.BonusCredits,
		record.AddonCredits,
	)

	record.CreditsUsed += req.Tokens
	record.Recompute()

	if addonTokens := portionFor(portions, allowancedomain.SourceAddon); addonTokens > 0 {
		if err := s.consumePacks(ctx, tx, req.PrincipalID, addonTokens); err != nil {
			return nil, err
		}
	}

	if err := s.saveRecordBalances(ctx, tx, record); err != nil {
		return nil, err
	}

	metadata := map[string]any{
		"sources": portionsToMetadata(portions),
	}
	if req.WorkRef != "" {
		metadata["work_ref"] = req.WorkRef
	}
	if uncovered > 0 {
		// Actual cost exceeded the remaining limit; the charge is recorded
		// in full so the audit trail matches real consumption.
		metadata["uncovered"] = uncovered
	}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	entry := &allowancedomain.LedgerEntry{
		ID:            s.genID.Generate(),
		PrincipalID:   req.PrincipalID,
		CorrelationID: correlationID,
		OperationType: allowancedomain.OperationDeduct,
		TokensDelta:   -req.Tokens,
		Source:        primarySource(portions),
		BalanceAfter:  record.CreditsRemaining,
		Metadata:      datatypes.JSONMap(metadata),
		CreatedAt:     s.clock.Now(),
	}

	inserted, err := s.appendEntry(ctx, tx, entry)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return s.findEntryByCorrelation(ctx, tx, req.PrincipalID, correlationID)
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(allowancedomain.OperationDeduct))
	}
	return entry, nil
}

func (s *Service) GrantCreditsTx(ctx context.Context, tx *gorm.DB, req allowancedomain.GrantRequest) (*allowancedomain.LedgerEntry, error) {
	if req.PrincipalID == 0 {
		return nil, allowancedomain.ErrInvalidPrincipal
	}
	if req.Credits <= 0 {
		return nil, allowancedomain.ErrInvalidAmount
	}
	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		return nil, allowancedomain.ErrInvalidCorrelationID
	}

	existing, err := s.findEntryByCorrelation(ctx, tx, req.PrincipalID, correlationID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	record, err := s.lockRecord(ctx, tx, req.PrincipalID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, allowancedomain.ErrRecordNotFound
	}

	source := allowancedomain.SourceAddon
	if req.Bonus {
		source = allowancedomain.SourceBonus
		record.BonusCredits += req.Credits
	} else {
		record.AddonCredits += req.Credits
	}
	record.Recompute()

	if err := s.saveRecordBalances(ctx, tx, record); err != nil {
		return nil, err
	}

	entry := &allowancedomain.LedgerEntry{
		ID:            s.genID.Generate(),
		PrincipalID:   req.PrincipalID,
		CorrelationID: correlationID,
		OperationType: allowancedomain.OperationAddonGrant,
		TokensDelta:   req.Credits,
		Source:        source,
		BalanceAfter:  record.CreditsRemaining,
		Metadata:      datatypes.JSONMap(req.Metadata),
		CreatedAt:     s.clock.Now(),
	}

	inserted, err := s.appendEntry(ctx, tx, entry)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return s.findEntryByCorrelation(ctx, tx, req.PrincipalID, correlationID)
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(allowancedomain.OperationAddonGrant))
	}
	return entry, nil
}

func (s *Service) Refund(ctx context.Context, ledgerEntryID snowflake.ID, reason string) (*allowancedomain.LedgerEntry, error) {
	if ledgerEntryID == 0 {
		return nil, allowancedomain.ErrEntryNotFound
	}

	var compensating *allowancedomain.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var original allowancedomain.LedgerEntry
		err := tx.WithContext(ctx).Where("id = ?", ledgerEntryID).First(&original).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return allowancedomain.ErrEntryNotFound
			}
			return err
		}
		if original.OperationType != allowancedomain.OperationDeduct || original.TokensDelta >= 0 {
			return allowancedomain.ErrNotRefundable
		}

		var refunds int64
		err = tx.WithContext(ctx).Model(&allowancedomain.LedgerEntry{}).
			Where("ref_entry_id = ? AND operation_type = ?", ledgerEntryID, allowancedomain.OperationRefund).
			Count(&refunds).Error
		if err != nil {
			return err
		}
		if refunds > 0 {
			return allowancedomain.ErrAlreadyRefunded
		}

		record, err := s.lockRecord(ctx, tx, original.PrincipalID)
		if err != nil {
			return err
		}
		if record == nil {
			return allowancedomain.ErrRecordNotFound
		}

		amount := -original.TokensDelta
		record.CreditsUsed -= amount
		if record.CreditsUsed < 0 {
			record.CreditsUsed = 0
		}
		record.Recompute()

		if err := s.saveRecordBalances(ctx, tx, record); err != nil {
			return err
		}

		refEntryID := original.ID
		compensating = &allowancedomain.LedgerEntry{
			ID:            s.genID.Generate(),
			PrincipalID:   original.PrincipalID,
			CorrelationID: "refund:" + original.CorrelationID,
			OperationType: allowancedomain.OperationRefund,
			TokensDelta:   amount,
			Source:        allowancedomain.SourceRefund,
			BalanceAfter:  record.CreditsRemaining,
			RefEntryID:    &refEntryID,
			Metadata:      datatypes.JSONMap{"reason": reason},
			CreatedAt:     s.clock.Now(),
		}
		inserted, err := s.appendEntry(ctx, tx, compensating)
		if err != nil {
			return err
		}
		if !inserted {
			return allowancedomain.ErrAlreadyRefunded
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLedgerEntry(ctx, string(allowancedomain.OperationRefund))
	}
	s.log.Info("ledger entry refunded",
		zap.String("entry_id", ledgerEntryID.String()),
		zap.String("reason", reason),
	)
	return compensating, nil
}

func (s *Service) ListLedger(ctx context.Context, req allowancedomain.ListLedgerRequest) (allowancedomain.ListLedgerResponse, error) {
	principalID, err := snowflake.ParseString(strings.TrimSpace(req.PrincipalID))
	if err != nil || principalID == 0 {
		return allowancedomain.ListLedgerResponse{}, allowancedomain.ErrInvalidPrincipal
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	items, err := s.ledgerrepo.Find(ctx,
		&allowancedomain.LedgerEntry{PrincipalID: principalID},
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  int(pageSize),
		}),
		option.WithDescOrder(),
	)
	if err != nil {
		return allowancedomain.ListLedgerResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(entry *allowancedomain.LedgerEntry) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        entry.ID.String(),
			CreatedAt: entry.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	entries := make([]allowancedomain.LedgerEntry, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		entries = append(entries, *item)
	}

	return allowancedomain.ListLedgerResponse{
		NextPageToken: pageInfo.NextPageToken,
		HasMore:       pageInfo.HasMore,
		Entries:       entries,
	}, nil
}

func (s *Service) Reconcile(ctx context.Context) (int64, error) {
	var records []allowancedomain.AllowanceRecord
	if err := s.db.WithContext(ctx).Find(&records).Error; err != nil {
		return 0, err
	}

	var repaired int64
	for i := range records {
		record := records[i]
		expected := record.TotalLimit() - record.CreditsUsed
		if expected < 0 {
			expected = 0
		}
		if record.CreditsRemaining == expected {
			continue
		}
		s.log.Warn("allowance cache drift",
			zap.String("principal_id", record.PrincipalID.String()),
			zap.Int64("cached", record.CreditsRemaining),
			zap.Int64("expected", expected),
		)
		err := s.db.WithContext(ctx).Model(&allowancedomain.AllowanceRecord{}).
			Where("id = ? AND credits_remaining = ?", record.ID, record.CreditsRemaining).
			Updates(map[string]any{
				"credits_remaining": expected,
				"updated_at":        s.clock.Now(),
			}).Error
		if err != nil {
			return repaired, err
		}
		repaired++
	}
	return repaired, nil
}

func (s *Service) findRecord(ctx context.Context, conn *gorm.DB, principalID snowflake.ID) (*allowancedomain.AllowanceRecord, error) {
	var record allowancedomain.AllowanceRecord
	err := conn.WithContext(ctx).
		Where("principal_id = ?", principalID).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
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

func (s *Service) saveRecordBalances(ctx context.Context, tx *gorm.DB, record *allowancedomain.AllowanceRecord) error {
	return tx.WithContext(ctx).Model(&allowancedomain.AllowanceRecord{}).
		Where("id = ?", record.ID).
		Updates(map[string]any{
			"rollover_credits":  record.RolloverCredits,
			"addon_credits":     record.AddonCredits,
			"bonus_credits":     record.BonusCredits,
			"credits_used":      record.CreditsUsed,
			"credits_remaining": record.CreditsRemaining,
			"updated_at":        s.clock.Now(),
		}).Error
}

func (s *Service) sumReserved(ctx context.Context, conn *gorm.DB, principalID snowflake.ID) (int64, error) {
	var reserved int64
	err := conn.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(estimated_tokens), 0)
		 FROM token_reservations
		 WHERE principal_id = ? AND status = 'reserved'`,
		principalID,
	).Scan(&reserved).Error
	return reserved, err
}

// consumePacks spends addon credit from active packs, oldest expiry first,
// so soon-to-expire credit is burned before credit with more runway.
func (s *Service) consumePacks(ctx context.Context, tx *gorm.DB, principalID snowflake.ID, tokens int64) error {
	type packRow struct {
		ID               snowflake.ID
		CreditsRemaining int64
	}
	query := db.ForUpdate(tx,
		`SELECT id, credits_remaining
		 FROM addon_purchases
		 WHERE principal_id = ? AND status = 'active' AND credits_remaining > 0 AND recurring = ?
		 ORDER BY expires_at ASC, id ASC`)
	var packs []packRow
	if err := tx.WithContext(ctx).Raw(query, principalID, false).Scan(&packs).Error; err != nil {
		return err
	}

	remaining := tokens
	now := s.clock.Now()
	for _, pack := range packs {
		if remaining <= 0 {
			break
		}
		take := pack.CreditsRemaining
		if take > remaining {
			take = remaining
		}
		newBalance := pack.CreditsRemaining - take
		updates := map[string]any{
			"credits_remaining": newBalance,
			"updated_at":        now,
		}
		if newBalance == 0 {
			updates["status"] = "consumed"
		}
		err := tx.WithContext(ctx).
			Table("addon_purchases").
			Where("id = ?", pack.ID).
			Updates(updates).Error
		if err != nil {
			return err
		}
		remaining -= take
	}
	return nil
}

func (s *Service) findEntryByCorrelation(ctx context.Context, conn *gorm.DB, principalID snowflake.ID, correlationID string) (*allowancedomain.LedgerEntry, error) {
	var entry allowancedomain.LedgerEntry
	err := conn.WithContext(ctx).
		Where("principal_id = ? AND correlation_id = ?", principalID, correlationID).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (s *Service) appendEntry(ctx context.Context, tx *gorm.DB, entry *allowancedomain.LedgerEntry) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO allowance_ledger_entries (
			id, principal_id, correlation_id, operation_type, tokens_delta,
			source, balance_after, ref_entry_id, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (principal_id, correlation_id) DO NOTHING`,
		entry.ID,
		entry.PrincipalID,
		entry.CorrelationID,
		entry.OperationType,
		entry.TokensDelta,
		entry.Source,
		entry.BalanceAfter,
		entry.RefEntryID,
		entry.Metadata,
		entry.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func primarySource(portions []allowancedomain.SourcePortion) allowancedomain.Source {
	if len(portions) == 0 {
		return allowancedomain.SourceBase
	}
	return portions[0].Source
}

func portionFor(portions []allowancedomain.SourcePortion, source allowancedomain.Source) int64 {
	for _, portion := range portions {
		if portion.Source == source {
			return portion.Tokens
		}
	}
	return 0
}

func portionsToMetadata(portions []allowancedomain.SourcePortion) []map[string]any {
	out := make([]map[string]any, 0, len(portions))
	for _, portion := range portions {
		out = append(out, map[string]any{
			"source": string(portion.Source),
			"tokens": portion.Tokens,
		})
	}
	return out
}
