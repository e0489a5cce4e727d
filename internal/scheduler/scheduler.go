// Package scheduler runs the background sweeps that keep the metering core
// honest: expiring abandoned reservations, writing off expired credit
// packs, pruning aged history, and repairing cached balances.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	addondomain "github.com/taskora/metering/internal/addon/domain"
	allowancedomain "github.com/taskora/metering/internal/allowance/domain"
	"github.com/taskora/metering/internal/clock"
	"github.com/taskora/metering/internal/config"
	obsmetrics "github.com/taskora/metering/internal/observability/metrics"
	reservationdomain "github.com/taskora/metering/internal/reservation/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	Clock          clock.Clock
	Cfg            *config.MeteringConfigHolder
	ReservationSvc reservationdomain.Service
	AddonSvc       addondomain.Service
	AllowanceSvc   allowancedomain.Service
	Locker         *Locker             `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics `optional:"true"`
	Config         Config              `optional:"true"`
}

type Scheduler struct {
	db             *gorm.DB
	log            *zap.Logger
	cfg            Config
	clock          clock.Clock
	meteringCfg    *config.MeteringConfigHolder
	reservationSvc reservationdomain.Service
	addonSvc       addondomain.Service
	allowanceSvc   allowancedomain.Service
	locker         *Locker
	obsMetrics     *obsmetrics.Metrics

	tick uint64
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Cfg == nil || p.ReservationSvc == nil || p.AddonSvc == nil || p.AllowanceSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:             p.DB,
		log:            p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:            p.Config.withDefaults(),
		clock:          p.Clock,
		meteringCfg:    p.Cfg,
		reservationSvc: p.ReservationSvc,
		addonSvc:       p.AddonSvc,
		allowanceSvc:   p.AllowanceSvc,
		locker:         p.Locker,
		obsMetrics:     p.ObsMetrics,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) (int64, error)) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	count, err := fn(ctx)
	if s.obsMetrics != nil {
		s.obsMetrics.ObserveSweepDuration(ctx, name, time.Since(start))
	}

	if err == nil {
		if count > 0 {
			s.log.Info("sweep finished",
				zap.String("job", name),
				zap.Int64("affected", count),
			)
		}
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("sweep timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes one sweep pass. With a locker configured, only one
// replica sweeps per interval.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, "metering:sweep", s.cfg.LockTTL)
		if err != nil {
			s.log.Warn("sweep lock unavailable", zap.Error(err))
			return nil
		}
		if !ok {
			return nil
		}
		defer func() {
			if err := s.locker.Release(ctx, "metering:sweep", token); err != nil {
				s.log.Warn("sweep lock release failed", zap.Error(err))
			}
		}()
	}

	s.tick++

	var errs []error
	if err := s.runJob(ctx, "expire_reservations", s.reservationSvc.ExpireDue); err != nil {
		errs = append(errs, err)
	}
	if err := s.runJob(ctx, "expire_addons", s.addonSvc.ExpireDue); err != nil {
		errs = append(errs, err)
	}
	if err := s.runJob(ctx, "prune_history", s.pruneHistory); err != nil {
		errs = append(errs, err)
	}
	if s.tick%uint64(s.cfg.ReconcileEvery) == 1 {
		if err := s.runJob(ctx, "reconcile_allowances", s.allowanceSvc.Reconcile); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.log.Error("sweep pass failed", zap.Error(err))
			}
		}
	}
}

// pruneHistory deletes archived periods past the retention window in small
// batches so the delete never holds a long lock.
func (s *Scheduler) pruneHistory(ctx context.Context) (int64, error) {
	retention := s.meteringCfg.Get().HistoryRetentionDays
	cutoff := s.clock.Now().AddDate(0, 0, -retention)

	var total int64
	for {
		var ids []int64
		err := s.db.WithContext(ctx).Model(&allowancedomain.UsageHistory{}).
			Where("period_end < ?", cutoff).
			Limit(s.cfg.PruneBatchLimit).
			Pluck("id", &ids).Error
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			return total, nil
		}

		result := s.db.WithContext(ctx).
			Where("id IN ?", ids).
			Delete(&allowancedomain.UsageHistory{})
		if result.Error != nil {
			return total, result.Error
		}
		total += result.RowsAffected
		if len(ids) < s.cfg.PruneBatchLimit {
			return total, nil
		}
	}
}
