package domain

import (
	"context"
	"errors"
)

type Service interface {
	GetByID(ctx context.Context, id string) (*Plan, error)
	GetByCode(ctx context.Context, code string) (*Plan, error)
	List(ctx context.Context) ([]Plan, error)
}

var (
	ErrPlanNotFound = errors.New("plan_not_found")
	ErrInvalidPlan  = errors.New("invalid_plan")
)
