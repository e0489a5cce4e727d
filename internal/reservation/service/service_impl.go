package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	allowancedomain "github.com/taskora/metering/internal/allowance/domain"
	allowancesvc "github.com/taskora/metering/internal/allowance/service"
	billingdomain "github.com/taskora/metering/internal/billingperiod/domain"
	"github.com/taskora/metering/internal/clock"
	"github.com/taskora/metering/internal/config"
	obsmetrics "github.com/taskora/metering/internal/observability/metrics"
	reservationdomain "github.com/taskora/metering/internal/reservation/domain"
	"github.com/taskora/metering/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
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
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID        *snowflake.Node
	clock        clock.Clock
	cfg          *config.MeteringConfigHolder
	allowancesvc allowancedomain.Service
	periodsvc    billingdomain.Service
	obsMetrics   *obsmetrics.Metrics
}

func NewService(p ServiceParam) reservationdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("reservation.service"),

		genID:        p.GenID,
		clock:        p.Clock,
		cfg:          p.Cfg,
		allowancesvc: p.AllowanceSvc,
		periodsvc:    p.PeriodSvc,
		obsMetrics:   p.ObsMetrics,
	}
}

func (s *Service) Reserve(ctx context.Context, req reservationdomain.ReserveRequest) (*reservationdomain.TokenReservation, error) {
	if req.PrincipalID == 0 {
		return nil, reservationdomain.ErrInvalidPrincipal
	}
	if req.EstimatedTokens <= 0 {
		return nil, reservationdomain.ErrInvalidEstimate
	}
	kind := strings.TrimSpace(req.Kind)
	if kind == "" {
		kind = "default"
	}

	var reservation *reservationdomain.TokenReservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Lazy period transition: the first reservation after month end
		// rolls the record over before capacity is checked.
		if _, err := s.periodsvc.EnsureCurrentPeriodTx(ctx, tx, req.PrincipalID); err != nil {
			return err
		}

		record, err := s.lockRecord(ctx, tx, req.PrincipalID)
		if err != nil {
			return err
		}
		if record == nil {
			return allowancedomain.ErrRecordNotFound
		}

		reserved, err := s.sumReserved(ctx, tx, req.PrincipalID)
		if err != nil {
			return err
		}

		cfg := s.cfg.Get()
		now := s.clock.Now()
		limit := allowancesvc.EffectiveLimit(record, now, cfg.GraceMultiplier)
		available := limit - record.CreditsUsed - reserved
		if available < 0 {
			available = 0
		}
		if available < req.EstimatedTokens {
			return &reservationdomain.InsufficientCapacityError{
				Available: available,
				Required:  req.EstimatedTokens,
			}
		}

		reservation = &reservationdomain.TokenReservation{
			ID:              s.genID.Generate(),
			PrincipalID:     req.PrincipalID,
			Kind:            kind,
			EstimatedTokens: req.EstimatedTokens,
			Status:          reservationdomain.StatusReserved,
			ExpiresAt:       now.Add(cfg.ReservationTimeout),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		return tx.WithContext(ctx).Create(reservation).Error
	})
	if err != nil {
		if _, denied := reservationdomain.AsInsufficientCapacity(err); denied && s.obsMetrics != nil {
			s.obsMetrics.RecordReservationDenied(ctx, kind)
		}
		return nil, err
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordReservation(ctx, kind)
	}
	return reservation, nil
}

func (s *Service) Commit(ctx context.Context, req reservationdomain.CommitRequest) (int64, error) {
	if req.ReservationID == 0 {
		return 0, reservationdomain.ErrReservationNotFound
	}
	if req.ActualTokens < 0 {
		return 0, reservationdomain.ErrInvalidActualTokens
	}

	var charged int64
	var expiredNow bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := s.lockReservation(ctx, tx, req.ReservationID)
		if err != nil {
			return err
		}
		if reservation == nil {
			return reservationdomain.ErrReservationNotFound
		}

		now := s.clock.Now()
		switch reservation.Status {
		case reservationdomain.StatusCommitted:
			// Retried commit of the same outcome is a no-op; the ledger
			// entry was written by the first commit.
			if reservation.ActualTokens != nil && *reservation.ActualTokens == req.ActualTokens {
				charged = req.ActualTokens
				return nil
			}
			return reservationdomain.ErrAlreadyCommitted
		case reservationdomain.StatusReleased:
			return reservationdomain.ErrNotReserved
		case reservationdomain.StatusExpired:
			return reservationdomain.ErrReservationExpired
		}

		if !now.Before(reservation.ExpiresAt) {
			// Flip before reporting so the sweep and the caller agree on the
			// terminal state; the error is returned after the flip commits.
			expiredNow = true
			return tx.WithContext(ctx).Model(&reservationdomain.TokenReservation{}).
				Where("id = ?", reservation.ID).
				Updates(map[string]any{
					"status":     reservationdomain.StatusExpired,
					"updated_at": now,
				}).Error
		}

		if req.ActualTokens > 0 {
			_, err = s.allowancesvc.DeductTx(ctx, tx, allowancedomain.DeductRequest{
				PrincipalID:   reservation.PrincipalID,
				Tokens:        req.ActualTokens,
				CorrelationID: fmt.Sprintf("reservation:%s", reservation.ID.String()),
				WorkRef:       req.WorkRef,
				Metadata: map[string]any{
					"kind":             reservation.Kind,
					"estimated_tokens": reservation.EstimatedTokens,
				},
			})
			if err != nil {
				return err
			}
		}

		charged = req.ActualTokens
		return tx.WithContext(ctx).Model(&reservationdomain.TokenReservation{}).
			Where("id = ?", reservation.ID).
			Updates(map[string]any{
				"status":        reservationdomain.StatusCommitted,
				"actual_tokens": req.ActualTokens,
				"work_ref":      req.WorkRef,
				"updated_at":    now,
			}).Error
	})
	if err != nil {
		return 0, err
	}
	if expiredNow {
		return 0, reservationdomain.ErrReservationExpired
	}
	return charged, nil
}

func (s *Service) Release(ctx context.Context, reservationID snowflake.ID) (bool, error) {
	if reservationID == 0 {
		return false, reservationdomain.ErrReservationNotFound
	}

	var released bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reservation, err := s.lockReservation(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		if reservation == nil {
			return reservationdomain.ErrReservationNotFound
		}
		if reservation.Status != reservationdomain.StatusReserved {
			return nil
		}

		released = true
		return tx.WithContext(ctx).Model(&reservationdomain.TokenReservation{}).
			Where("id = ?", reservation.ID).
			Updates(map[string]any{
				"status":     reservationdomain.StatusReleased,
				"updated_at": s.clock.Now(),
			}).Error
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

func (s *Service) WithReservation(ctx context.Context, principalID snowflake.ID, estimatedTokens int64, kind string, fn reservationdomain.WorkFunc) (*reservationdomain.WorkResult, error) {
	reservation, err := s.Reserve(ctx, reservationdomain.ReserveRequest{
		PrincipalID:     principalID,
		EstimatedTokens: estimatedTokens,
		Kind:            kind,
	})
	if err != nil {
		return nil, err
	}

	var result *reservationdomain.WorkResult
	var workErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				workErr = fmt.Errorf("metered work panicked: %v", r)
			}
		}()
		result, workErr = fn(ctx)
	}()

	if workErr != nil || result == nil {
		if _, releaseErr := s.Release(ctx, reservation.ID); releaseErr != nil {
			s.log.Error("release after failed work",
				zap.String("reservation_id", reservation.ID.String()),
				zap.Error(releaseErr),
			)
		}
		if workErr == nil {
			workErr = fmt.Errorf("metered work returned no result")
		}
		return nil, workErr
	}

	if _, err := s.Commit(ctx, reservationdomain.CommitRequest{
		ReservationID: reservation.ID,
		ActualTokens:  result.ActualTokens,
		WorkRef:       result.WorkRef,
	}); err != nil {
		// A hold that failed to commit on a transient error still blocks
		// capacity; release it now instead of waiting for the sweeper.
		// State errors mean the hold is already settled.
		if !errors.Is(err, reservationdomain.ErrReservationExpired) &&
			!errors.Is(err, reservationdomain.ErrAlreadyCommitted) &&
			!errors.Is(err, reservationdomain.ErrNotReserved) {
			if _, releaseErr := s.Release(ctx, reservation.ID); releaseErr != nil {
				s.log.Error("release after failed commit",
					zap.String("reservation_id", reservation.ID.String()),
					zap.Error(releaseErr),
				)
			}
		}
		return nil, err
	}
	return result, nil
}

func (s *Service) ExpireDue(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Model(&reservationdomain.TokenReservation{}).
		Where("status = ? AND expires_at <= ?", reservationdomain.StatusReserved, s.clock.Now()).
		Updates(map[string]any{
			"status":     reservationdomain.StatusExpired,
			"updated_at": s.clock.Now(),
		})
	if result.Error != nil {
		return 0, result.Error
	}

	if result.RowsAffected > 0 {
		if s.obsMetrics != nil {
			s.obsMetrics.RecordReservationsSwept(ctx, result.RowsAffected)
		}
		s.log.Info("stale reservations expired", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
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

func (s *Service) lockReservation(ctx context.Context, tx *gorm.DB, reservationID snowflake.ID) (*reservationdomain.TokenReservation, error) {
	query := db.ForUpdate(tx, `SELECT * FROM token_reservations WHERE id = ?`)
	var reservation reservationdomain.TokenReservation
	if err := tx.WithContext(ctx).Raw(query, reservationID).Scan(&reservation).Error; err != nil {
		return nil, err
	}
	if reservation.ID == 0 {
		return nil, nil
	}
	return &reservation, nil
}

func (s *Service) sumReserved(ctx context.Context, tx *gorm.DB, principalID snowflake.ID) (int64, error) {
	var reserved int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(estimated_tokens), 0)
		 FROM token_reservations
		 WHERE principal_id = ? AND status = 'reserved'`,
		principalID,
	).Scan(&reserved).Error
	return reserved, err
}
