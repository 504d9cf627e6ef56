package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidSubscription = errors.New("invalid_subscription")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrUsageNotPermitted   = errors.New("usage_not_permitted")
)

type RecordRequest struct {
	SubscriptionID string
	Feature        string
	Amount         int64
}

// Result reports how a recorded amount was billed. Amounts never bounce off
// the quota boundary: units beyond the free allowance are accepted and priced
// at the overage rate.
type Result struct {
	Allowed        bool
	Overage        bool
	OverageUnits   int64
	OverageCents   int64
	RemainingQuota int64
}

type Service interface {
	Record(ctx context.Context, req RecordRequest) (Result, error)
	// Rollover closes the period if its end has passed; reports whether the
	// subscription advanced.
	Rollover(ctx context.Context, subscriptionID string) (bool, error)
	PeriodUsageFor(ctx context.Context, subscriptionID string, periodStart time.Time) (*PeriodUsage, error)
}
