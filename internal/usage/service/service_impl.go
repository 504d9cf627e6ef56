package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/platewise/billing/internal/clock"
	"github.com/platewise/billing/internal/config"
	"github.com/platewise/billing/internal/events"
	obsmetrics "github.com/platewise/billing/internal/observability/metrics"
	plandomain "github.com/platewise/billing/internal/plan/domain"
	subscriptiondomain "github.com/platewise/billing/internal/subscription/domain"
	usagedomain "github.com/platewise/billing/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID  *snowflake.Node
	clock  clock.Clock
	holder *config.BillingConfigHolder

	subrepo subscriptiondomain.Repository
	plansvc plandomain.Service
	outbox  *events.Outbox
	metrics *obsmetrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Holder *config.BillingConfigHolder

	Subrepo subscriptiondomain.Repository
	Plansvc plandomain.Service
	Outbox  *events.Outbox      `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:  p.GenID,
		clock:  p.Clock,
		holder: p.Holder,

		subrepo: p.Subrepo,
		plansvc: p.Plansvc,
		outbox:  p.Outbox,
		metrics: p.Metrics,
	}
}

// Record meters usage against the subscription's current period. The whole
// decision runs under a row lock in one transaction: any overdue rollover is
// applied first, then the amount is split between the free allowance and
// overage. Two concurrent calls serialize on the lock, so the free allowance
// is never handed out twice.
func (s *Service) Record(ctx context.Context, req usagedomain.RecordRequest) (usagedomain.Result, error) {
	id, err := s.parseID(req.SubscriptionID)
	if err != nil {
		return usagedomain.Result{}, err
	}
	if req.Amount <= 0 {
		return usagedomain.Result{}, usagedomain.ErrInvalidAmount
	}
	feature := strings.TrimSpace(req.Feature)
	if feature == "" {
		feature = usagedomain.DefaultFeature
	}

	var result usagedomain.Result
	var restaurantID snowflake.ID
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.subrepo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		restaurantID = subscription.RestaurantID

		plan, err := s.plansvc.GetByID(ctx, subscription.PlanID.String())
		if err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		if _, err := s.rolloverLocked(ctx, tx, subscription, plan, now); err != nil {
			return err
		}

		if !usagePermitted(subscription, now) {
			return usagedomain.ErrUsageNotPermitted
		}

		quota := subscription.EffectiveQuota(plan.MonthlyQuota)
		free := quota - subscription.UnitsConsumed
		if free < 0 {
			free = 0
		}
		overageUnits := req.Amount - free
		if overageUnits < 0 {
			overageUnits = 0
		}
		overageCents := overageUnits * s.holder.Get().OverageRateFor(feature)

		err = tx.WithContext(ctx).Exec(
			`UPDATE subscriptions
			 SET units_consumed = units_consumed + ?, overage_cents = overage_cents + ?, updated_at = ?
			 WHERE id = ?`,
			req.Amount,
			overageCents,
			now,
			subscription.ID,
		).Error
		if err != nil {
			return err
		}

		remaining := quota - (subscription.UnitsConsumed + req.Amount)
		if remaining < 0 {
			remaining = 0
		}
		result = usagedomain.Result{
			Allowed:        true,
			Overage:        overageUnits > 0,
			OverageUnits:   overageUnits,
			OverageCents:   overageCents,
			RemainingQuota: remaining,
		}
		return nil
	})
	if err != nil {
		return usagedomain.Result{}, err
	}

	if s.metrics != nil {
		s.metrics.UsageRecorded.WithLabelValues(feature).Add(float64(req.Amount))
		if result.OverageUnits > 0 {
			s.metrics.OverageUnits.WithLabelValues(feature).Add(float64(result.OverageUnits))
		}
	}
	if s.outbox != nil {
		s.outbox.Publish(events.NewEvent(events.TypeUsageRecorded, restaurantID, map[string]any{
			"subscription_id": id.String(),
			"feature":         feature,
			"amount":          req.Amount,
			"overage_units":   result.OverageUnits,
			"overage_cents":   result.OverageCents,
		}, s.clock.Now()))
	}
	return result, nil
}

// Rollover closes the current period if it has ended, independent of any
// usage arriving. The scheduler sweep calls this for every due subscription.
func (s *Service) Rollover(ctx context.Context, subscriptionID string) (bool, error) {
	id, err := s.parseID(subscriptionID)
	if err != nil {
		return false, err
	}

	var rolled bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.subrepo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		plan, err := s.plansvc.GetByID(ctx, subscription.PlanID.String())
		if err != nil {
			return err
		}
		rolled, err = s.rolloverLocked(ctx, tx, subscription, plan, s.clock.Now().UTC())
		return err
	})
	return rolled, err
}

func (s *Service) PeriodUsageFor(ctx context.Context, subscriptionID string, periodStart time.Time) (*usagedomain.PeriodUsage, error) {
	id, err := s.parseID(subscriptionID)
	if err != nil {
		return nil, err
	}
	var usage usagedomain.PeriodUsage
	err = s.db.WithContext(ctx).Raw(
		`SELECT id, subscription_id, restaurant_id, period_start, period_end,
		 units_consumed, overage_cents, quota_at_close, created_at
		 FROM period_usage WHERE subscription_id = ? AND period_start = ?`,
		id,
		periodStart.UTC(),
	).Scan(&usage).Error
	if err != nil {
		return nil, err
	}
	if usage.ID == 0 {
		return nil, nil
	}
	return &usage, nil
}

// rolloverLocked advances the subscription past every period boundary that
// now has crossed. The caller holds the row lock. Each closed period is
// archived exactly once; the conflict on (subscription_id, period_start)
// makes a racing archive a no-op.
func (s *Service) rolloverLocked(ctx context.Context, tx *gorm.DB, subscription *subscriptiondomain.Subscription, plan *plandomain.Plan, now time.Time) (bool, error) {
	if subscription.Status.Terminal() || subscription.Status == subscriptiondomain.StatusIncomplete {
		return false, nil
	}

	rolled := false
	for now.After(subscription.CurrentPeriodEnd) || now.Equal(subscription.CurrentPeriodEnd) {
		snapshot := usagedomain.PeriodUsage{
			ID:             s.genID.Generate(),
			SubscriptionID: subscription.ID,
			RestaurantID:   subscription.RestaurantID,
			PeriodStart:    subscription.CurrentPeriodStart,
			PeriodEnd:      subscription.CurrentPeriodEnd,
			UnitsConsumed:  subscription.UnitsConsumed,
			OverageCents:   subscription.OverageCents,
			QuotaAtClose:   subscription.EffectiveQuota(plan.MonthlyQuota),
			CreatedAt:      now,
		}
		if err := s.insertSnapshot(ctx, tx, snapshot); err != nil {
			return rolled, err
		}

		if subscription.CancelAtPeriodEnd {
			periodEnd := subscription.CurrentPeriodEnd
			subscription.Status = subscriptiondomain.StatusCanceled
			subscription.CanceledAt = &periodEnd
			subscription.UpdatedAt = now
			rolled = true
			break
		}

		subscription.CurrentPeriodStart = subscription.CurrentPeriodEnd
		subscription.CurrentPeriodEnd = subscriptiondomain.AddBillingMonth(subscription.CurrentPeriodStart)
		subscription.UnitsConsumed = 0
		subscription.OverageCents = 0
		subscription.QuotaOverride = nil
		subscription.LastResetAt = now
		subscription.UpdatedAt = now
		rolled = true
	}

	if !rolled {
		return false, nil
	}
	return true, s.subrepo.UpdateLifecycle(ctx, tx, subscription)
}

func (s *Service) insertSnapshot(ctx context.Context, tx *gorm.DB, snapshot usagedomain.PeriodUsage) error {
	const columns = `(id, subscription_id, restaurant_id, period_start, period_end,
		 units_consumed, overage_cents, quota_at_close, created_at)`

	var stmt string
	switch tx.Dialector.Name() {
	case "mysql":
		stmt = `INSERT IGNORE INTO period_usage ` + columns + ` VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	default:
		stmt = `INSERT INTO period_usage ` + columns + ` VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (subscription_id, period_start) DO NOTHING`
	}
	return tx.WithContext(ctx).Exec(stmt,
		snapshot.ID,
		snapshot.SubscriptionID,
		snapshot.RestaurantID,
		snapshot.PeriodStart,
		snapshot.PeriodEnd,
		snapshot.UnitsConsumed,
		snapshot.OverageCents,
		snapshot.QuotaAtClose,
		snapshot.CreatedAt,
	).Error
}

func usagePermitted(subscription *subscriptiondomain.Subscription, now time.Time) bool {
	switch subscription.Status {
	case subscriptiondomain.StatusActive, subscriptiondomain.StatusTrialing:
		return true
	case subscriptiondomain.StatusPastDue:
		return subscription.InGrace(now)
	default:
		return false
	}
}

func (s *Service) parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, usagedomain.ErrInvalidSubscription
	}
	return id, nil
}
