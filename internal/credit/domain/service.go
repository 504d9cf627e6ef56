package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

var (
	ErrInvalidRestaurant   = errors.New("invalid_restaurant")
	ErrInvalidCreditType   = errors.New("invalid_credit_type")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrBatchConflict       = errors.New("credit_batch_conflict")
)

type PurchaseRequest struct {
	RestaurantID   string
	CreditType     string
	Amount         int64
	UnitPriceCents int64
	ExpiresAt      *time.Time
}

type ConsumeRequest struct {
	RestaurantID string
	CreditType   string
	Amount       int64
}

// ConsumeResult reports how the drained amount was spread across batches.
type ConsumeResult struct {
	Consumed int64
	Batches  int
}

type GrantRequest struct {
	RestaurantID string
	CreditType   string
	Amount       int64
	ExpiresAt    *time.Time
}

type Service interface {
	Purchase(ctx context.Context, req PurchaseRequest) (*Batch, error)
	Consume(ctx context.Context, req ConsumeRequest) (ConsumeResult, error)
	Balance(ctx context.Context, restaurantID, creditType string) (int64, error)
	ListBatches(ctx context.Context, restaurantID, creditType string) ([]Batch, error)

	// Grant inserts a plan-included batch inside the caller's transaction, so
	// subscription activation and its credit grants commit together.
	Grant(ctx context.Context, tx *gorm.DB, req GrantRequest) error
}
