package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/taskora/metering/internal/plan/domain"
	"github.com/taskora/metering/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID    *snowflake.Node
	tierrepo repository.Repository[plandomain.PlanTier]
}

func NewService(p ServiceParam) plandomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("plan.service"),

		genID:    p.GenID,
		tierrepo: repository.ProvideStore[plandomain.PlanTier](p.DB),
	}
}

func (s *Service) GetPrincipalPlan(ctx context.Context, principalID snowflake.ID) (*plandomain.PlanTier, error) {
	if principalID == 0 {
		return nil, plandomain.ErrInvalidPrincipal
	}

	var assignment plandomain.PlanAssignment
	err := s.db.WithContext(ctx).
		Where("principal_id = ?", principalID).
		First(&assignment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.GetByCode(ctx, plandomain.DefaultTierCode)
		}
		return nil, err
	}

	return s.GetByCode(ctx, assignment.TierCode)
}

func (s *Service) GetByCode(ctx context.Context, code string) (*plandomain.PlanTier, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, plandomain.ErrInvalidTierCode
	}

	tier, err := s.tierrepo.FindOne(ctx, &plandomain.PlanTier{Code: code})
	if err != nil {
		return nil, err
	}
	if tier == nil {
		return nil, plandomain.ErrTierNotFound
	}
	return tier, nil
}

func (s *Service) AssignPlan(ctx context.Context, principalID snowflake.ID, tierCode string) (*plandomain.PlanTier, error) {
	if principalID == 0 {
		return nil, plandomain.ErrInvalidPrincipal
	}

	tier, err := s.GetByCode(ctx, tierCode)
	if err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Exec(
		`INSERT INTO plan_assignments (principal_id, tier_code, changed_at)
		 VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (principal_id) DO UPDATE
		 SET tier_code = excluded.tier_code, changed_at = excluded.changed_at`,
		principalID,
		tier.Code,
	).Error
	if err != nil {
		return nil, err
	}

	s.log.Info("plan assigned",
		zap.String("principal_id", principalID.String()),
		zap.String("tier", tier.Code),
	)
	return tier, nil
}

func (s *Service) List(ctx context.Context) ([]plandomain.PlanTier, error) {
	rows, err := s.tierrepo.Find(ctx, &plandomain.PlanTier{})
	if err != nil {
		return nil, err
	}
	tiers := make([]plandomain.PlanTier, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		tiers = append(tiers, *row)
	}
	return tiers, nil
}
