package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/platewise/billing/internal/plan/domain"
	"github.com/platewise/billing/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

// Service is a read-only view over the published plan catalog. Plans are never
// mutated at runtime; new versions arrive through seeding or migrations.
type Service struct {
	db  *gorm.DB
	log *zap.Logger

	planrepo repository.Repository[plandomain.Plan]
}

func NewService(p ServiceParam) plandomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("plan.service"),

		planrepo: repository.ProvideStore[plandomain.Plan](p.DB),
	}
}

func (s *Service) GetByID(ctx context.Context, id string) (*plandomain.Plan, error) {
	planID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || planID == 0 {
		return nil, plandomain.ErrInvalidPlan
	}

	item, err := s.planrepo.FindOne(ctx, &plandomain.Plan{ID: planID})
	if err != nil {
		return nil, err
	}
	if item == nil || !item.Active {
		return nil, plandomain.ErrPlanNotFound
	}

	return item, nil
}

func (s *Service) GetByCode(ctx context.Context, code string) (*plandomain.Plan, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, plandomain.ErrInvalidPlan
	}

	item, err := s.planrepo.FindOne(ctx, &plandomain.Plan{Code: code, Active: true},
		repository.WithOrder("version DESC"),
	)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, plandomain.ErrPlanNotFound
	}

	return item, nil
}

func (s *Service) List(ctx context.Context) ([]plandomain.Plan, error) {
	items, err := s.planrepo.Find(ctx, &plandomain.Plan{Active: true},
		repository.WithOrder("monthly_price_cents ASC"),
	)
	if err != nil {
		return nil, err
	}

	plans := make([]plandomain.Plan, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		plans = append(plans, *item)
	}
	return plans, nil
}
