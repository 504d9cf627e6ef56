// Package repository persists subscriptions with raw SQL so lifecycle writes
// stay explicit about the columns and locks involved.
package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/platewise/billing/internal/subscription/domain"
	"github.com/platewise/billing/pkg/db"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, restaurant_id, plan_id, status,
	 current_period_start, current_period_end, trial_end, activated_at,
	 cancel_at_period_end, canceled_at, grace_expires_at,
	 units_consumed, overage_cents, quota_override, last_reset_at,
	 gateway_customer_id, gateway_subscription_id, gateway_idempotency_key,
	 created_at, updated_at`

type repo struct{}

func NewRepository() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, database *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return database.WithContext(ctx).Create(subscription).Error
}

func (r *repo) FindByID(ctx context.Context, database *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := database.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := tx.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`+db.LockSuffix(tx),
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindNonTerminalByRestaurantID(ctx context.Context, database *gorm.DB, restaurantID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := database.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE restaurant_id = ? AND status NOT IN (?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		restaurantID,
		subscriptiondomain.StatusCanceled,
		subscriptiondomain.StatusIncompleteExpired,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) ListDueForRollover(ctx context.Context, database *gorm.DB, asOf time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := database.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE current_period_end <= ? AND status IN (?, ?, ?)
		 ORDER BY current_period_end ASC LIMIT ?`,
		asOf,
		subscriptiondomain.StatusActive,
		subscriptiondomain.StatusTrialing,
		subscriptiondomain.StatusPastDue,
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) ListGraceExpired(ctx context.Context, database *gorm.DB, asOf time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := database.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE status = ? AND grace_expires_at IS NOT NULL AND grace_expires_at <= ?
		 ORDER BY grace_expires_at ASC LIMIT ?`,
		subscriptiondomain.StatusPastDue,
		asOf,
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) ListStaleIncomplete(ctx context.Context, database *gorm.DB, olderThan time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := database.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE status = ? AND created_at <= ?
		 ORDER BY created_at ASC LIMIT ?`,
		subscriptiondomain.StatusIncomplete,
		olderThan,
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) UpdateLifecycle(ctx context.Context, tx *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET plan_id = ?, status = ?, current_period_start = ?, current_period_end = ?,
		     trial_end = ?, activated_at = ?, cancel_at_period_end = ?, canceled_at = ?,
		     grace_expires_at = ?, units_consumed = ?, overage_cents = ?, quota_override = ?,
		     last_reset_at = ?, gateway_customer_id = ?, gateway_subscription_id = ?,
		     gateway_idempotency_key = ?, updated_at = ?
		 WHERE id = ?`,
		subscription.PlanID,
		subscription.Status,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.TrialEnd,
		subscription.ActivatedAt,
		subscription.CancelAtPeriodEnd,
		subscription.CanceledAt,
		subscription.GraceExpiresAt,
		subscription.UnitsConsumed,
		subscription.OverageCents,
		subscription.QuotaOverride,
		subscription.LastResetAt,
		subscription.GatewayCustomerID,
		subscription.GatewaySubscriptionID,
		subscription.GatewayIdempotencyKey,
		subscription.UpdatedAt,
		subscription.ID,
	).Error
}
