package service

import (
	"context"
	"time"

	"github.com/platewise/billing/internal/gateway"
	subscriptiondomain "github.com/platewise/billing/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ChangePlan switches an ACTIVE or TRIALING subscription to a new plan
// mid-period. Usage already consumed is preserved; the quota for the rest of
// the period is prorated across both plans and pinned as an override that
// clears on the next rollover. The gateway is modified before local state so a
// declined change leaves the subscription untouched.
func (s *Service) ChangePlan(ctx context.Context, req subscriptiondomain.ChangePlanRequest) (*subscriptiondomain.Subscription, error) {
	subscription, err := s.GetByID(ctx, req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if subscription.Status != subscriptiondomain.StatusActive && subscription.Status != subscriptiondomain.StatusTrialing {
		return nil, subscriptiondomain.ErrChangePlanNotAllowed
	}

	newPlan, err := s.plansvc.GetByID(ctx, req.NewPlanID)
	if err != nil {
		return nil, err
	}
	if newPlan.ID == subscription.PlanID {
		return subscription, nil
	}

	oldPlan, err := s.plansvc.GetByID(ctx, subscription.PlanID.String())
	if err != nil {
		return nil, err
	}

	if subscription.GatewaySubscriptionID != "" {
		outcome, err := s.gateway.ModifySubscription(ctx, gateway.ModifySubscriptionRequest{
			SubscriptionRef: subscription.GatewaySubscriptionID,
			PriceRef:        newPlan.GatewayPriceID,
			IdempotencyKey:  subscription.GatewayIdempotencyKey + ":change:" + newPlan.ID.String(),
		})
		if err != nil {
			return nil, err
		}
		if outcome.Status == gateway.OutcomeFailed {
			return nil, subscriptiondomain.ErrGatewayDeclined
		}
	}

	var updated *subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.FindByIDForUpdate(ctx, tx, subscription.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if locked.Status != subscriptiondomain.StatusActive && locked.Status != subscriptiondomain.StatusTrialing {
			return subscriptiondomain.ErrChangePlanNotAllowed
		}
		if locked.PlanID != subscription.PlanID {
			return subscriptiondomain.ErrConcurrentModification
		}

		now := s.clock.Now().UTC()
		override := prorateQuota(
			locked.EffectiveQuota(oldPlan.MonthlyQuota),
			newPlan.MonthlyQuota,
			locked.CurrentPeriodStart,
			locked.CurrentPeriodEnd,
			now,
		)
		locked.PlanID = newPlan.ID
		locked.QuotaOverride = &override
		locked.UpdatedAt = now

		if err := s.repo.UpdateLifecycle(ctx, tx, locked); err != nil {
			return err
		}
		updated = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("plan changed",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("from_plan", oldPlan.ID.String()),
		zap.String("to_plan", newPlan.ID.String()),
		zap.Int64p("quota_override", updated.QuotaOverride),
	)
	return updated, nil
}

// prorateQuota blends the old and new quotas by the fraction of the period
// each plan covers, rounded to the nearest unit.
func prorateQuota(oldQuota, newQuota int64, periodStart, periodEnd, now time.Time) int64 {
	total := periodEnd.Sub(periodStart)
	if total <= 0 {
		return newQuota
	}
	elapsed := now.Sub(periodStart)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > total {
		elapsed = total
	}
	totalSec := int64(total / time.Second)
	elapsedSec := int64(elapsed / time.Second)
	if totalSec == 0 {
		return newQuota
	}
	blended := oldQuota*elapsedSec + newQuota*(totalSec-elapsedSec)
	return (blended + totalSec/2) / totalSec
}
