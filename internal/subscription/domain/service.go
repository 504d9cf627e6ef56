package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type CreateSubscriptionRequest struct {
	RestaurantID   string
	PlanID         string
	RestaurantName string
	BillingEmail   string
	// TrialDays overrides the plan's trial length when set.
	TrialDays *int
}

type CancelRequest struct {
	SubscriptionID string
	// Immediate cancels now; otherwise the subscription runs out its paid
	// period and closes on rollover.
	Immediate bool
}

type ChangePlanRequest struct {
	SubscriptionID string
	NewPlanID      string
}

type Service interface {
	Create(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error)
	GetByID(ctx context.Context, id string) (*Subscription, error)
	GetByRestaurantID(ctx context.Context, restaurantID string) (*Subscription, error)
	Transition(ctx context.Context, subscriptionID string, target Status, reason TransitionReason) error
	Cancel(ctx context.Context, req CancelRequest) (*Subscription, error)
	ChangePlan(ctx context.Context, req ChangePlanRequest) (*Subscription, error)
	ExpireStaleCheckouts(ctx context.Context, limit int) (int, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindNonTerminalByRestaurantID(ctx context.Context, db *gorm.DB, restaurantID snowflake.ID) (*Subscription, error)
	ListDueForRollover(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]Subscription, error)
	ListGraceExpired(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]Subscription, error)
	ListStaleIncomplete(ctx context.Context, db *gorm.DB, olderThan time.Time, limit int) ([]Subscription, error)
	UpdateLifecycle(ctx context.Context, tx *gorm.DB, subscription *Subscription) error
}
