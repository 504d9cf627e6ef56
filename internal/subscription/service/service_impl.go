package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/platewise/billing/internal/clock"
	"github.com/platewise/billing/internal/config"
	creditdomain "github.com/platewise/billing/internal/credit/domain"
	"github.com/platewise/billing/internal/events"
	"github.com/platewise/billing/internal/gateway"
	obsmetrics "github.com/platewise/billing/internal/observability/metrics"
	plandomain "github.com/platewise/billing/internal/plan/domain"
	subscriptiondomain "github.com/platewise/billing/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const incompleteTTL = 24 * time.Hour

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID  *snowflake.Node
	clock  clock.Clock
	holder *config.BillingConfigHolder
	repo   subscriptiondomain.Repository

	plansvc   plandomain.Service
	creditsvc creditdomain.Service
	gateway   gateway.PaymentGateway
	outbox    *events.Outbox
	metrics   *obsmetrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Holder *config.BillingConfigHolder
	Repo   subscriptiondomain.Repository

	Plansvc   plandomain.Service
	Creditsvc creditdomain.Service
	Gateway   gateway.PaymentGateway
	Outbox    *events.Outbox         `optional:"true"`
	Metrics   *obsmetrics.Metrics    `optional:"true"`
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:  p.GenID,
		clock:  p.Clock,
		holder: p.Holder,
		repo:   p.Repo,

		plansvc:   p.Plansvc,
		creditsvc: p.Creditsvc,
		gateway:   p.Gateway,
		outbox:    p.Outbox,
		metrics:   p.Metrics,
	}
}

// Create opens a subscription in INCOMPLETE, registers the restaurant with the
// payment gateway and only then advances the local status to what the gateway
// confirmed. A declined first payment leaves the row INCOMPLETE; the stale
// checkout sweep expires it later.
func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateSubscriptionRequest) (*subscriptiondomain.Subscription, error) {
	restaurantID, err := s.parseID(req.RestaurantID, subscriptiondomain.ErrInvalidRestaurant)
	if err != nil {
		return nil, err
	}

	plan, err := s.plansvc.GetByID(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.FindNonTerminalByRestaurantID(ctx, s.db, restaurantID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, subscriptiondomain.ErrSubscriptionExists
	}

	trialDays := plan.TrialDays
	if req.TrialDays != nil {
		trialDays = *req.TrialDays
	}

	now := s.clock.Now().UTC()
	subscription := &subscriptiondomain.Subscription{
		ID:                    s.genID.Generate(),
		RestaurantID:          restaurantID,
		PlanID:                plan.ID,
		Status:                subscriptiondomain.StatusIncomplete,
		CurrentPeriodStart:    now,
		CurrentPeriodEnd:      subscriptiondomain.AddBillingMonth(now),
		LastResetAt:           now,
		GatewayIdempotencyKey: gateway.NewIdempotencyKey(),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if trialDays > 0 {
		trialEnd := now.Add(time.Duration(trialDays) * 24 * time.Hour)
		subscription.TrialEnd = &trialEnd
	}

	if err := s.repo.Insert(ctx, s.db, subscription); err != nil {
		return nil, err
	}

	// Gateway calls happen outside any transaction; replays reuse the stored
	// idempotency key so a crash between insert and confirmation is safe.
	customer, err := s.gateway.CreateCustomer(ctx, gateway.CreateCustomerRequest{
		RestaurantID:   restaurantID.String(),
		Name:           req.RestaurantName,
		Email:          req.BillingEmail,
		IdempotencyKey: subscription.GatewayIdempotencyKey + ":customer",
	})
	if err != nil {
		return subscription, err
	}

	outcome, err := s.gateway.CreateSubscription(ctx, gateway.CreateSubscriptionRequest{
		CustomerRef:    customer.ProviderRef,
		PriceRef:       plan.GatewayPriceID,
		TrialDays:      trialDays,
		IdempotencyKey: subscription.GatewayIdempotencyKey + ":subscription",
	})
	if err != nil {
		return subscription, err
	}

	subscription.GatewayCustomerID = customer.ProviderRef
	subscription.GatewaySubscriptionID = outcome.ProviderRef
	subscription.UpdatedAt = s.clock.Now().UTC()
	if err := s.repo.UpdateLifecycle(ctx, s.db, subscription); err != nil {
		return nil, err
	}

	if outcome.Status == gateway.OutcomeSucceeded {
		target := subscriptiondomain.StatusActive
		reason := subscriptiondomain.ReasonPaymentSucceeded
		if trialDays > 0 {
			target = subscriptiondomain.StatusTrialing
			reason = subscriptiondomain.ReasonTrialStarted
		}
		if err := s.Transition(ctx, subscription.ID.String(), target, reason); err != nil {
			return nil, err
		}
		subscription.Status = target
	}

	s.log.Info("subscription created",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("restaurant_id", restaurantID.String()),
		zap.String("status", string(subscription.Status)),
	)
	return subscription, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*subscriptiondomain.Subscription, error) {
	subscriptionID, err := s.parseID(id, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return nil, err
	}
	subscription, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

func (s *Service) GetByRestaurantID(ctx context.Context, restaurantID string) (*subscriptiondomain.Subscription, error) {
	id, err := s.parseID(restaurantID, subscriptiondomain.ErrInvalidRestaurant)
	if err != nil {
		return nil, err
	}
	subscription, err := s.repo.FindNonTerminalByRestaurantID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

// Transition moves the subscription to target under a row lock, re-checking
// the lifecycle table against the status actually in the database. Reaching
// the target again is a no-op, which makes webhook replays harmless.
func (s *Service) Transition(ctx context.Context, subscriptionID string, target subscriptiondomain.Status, reason subscriptiondomain.TransitionReason) error {
	id, err := s.parseID(subscriptionID, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return err
	}

	if !isValidStatus(target) {
		return subscriptiondomain.ErrInvalidTargetStatus
	}

	var transitioned bool
	var restaurantID snowflake.ID
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		restaurantID = subscription.RestaurantID

		if subscription.Status == target {
			return nil
		}
		if !isTransitionAllowed(subscription.Status, target) {
			return subscriptiondomain.ErrInvalidTransition
		}

		now := s.clock.Now().UTC()
		switch target {
		case subscriptiondomain.StatusTrialing:
			// nothing beyond the status flip; trial end was set on create

		case subscriptiondomain.StatusActive:
			subscription.GraceExpiresAt = nil
			if subscription.ActivatedAt == nil {
				subscription.ActivatedAt = &now
				if err := s.grantPlanCredits(ctx, tx, subscription); err != nil {
					return err
				}
			}

		case subscriptiondomain.StatusPastDue:
			grace := now.Add(time.Duration(s.holder.Get().GracePeriodDays) * 24 * time.Hour)
			subscription.GraceExpiresAt = &grace

		case subscriptiondomain.StatusCanceled:
			if reason == subscriptiondomain.ReasonGraceExpired {
				if subscription.GraceExpiresAt == nil || now.Before(*subscription.GraceExpiresAt) {
					return nil
				}
			}
			subscription.CanceledAt = &now

		case subscriptiondomain.StatusIncompleteExpired:
			// stale checkout, nothing to unwind

		default:
			return subscriptiondomain.ErrInvalidTargetStatus
		}

		subscription.Status = target
		subscription.UpdatedAt = now
		transitioned = true

		return s.repo.UpdateLifecycle(ctx, tx, subscription)
	})
	if err != nil {
		return err
	}

	if transitioned {
		if s.metrics != nil {
			s.metrics.Transitions.WithLabelValues(string(target)).Inc()
		}
		if s.outbox != nil {
			s.outbox.Publish(events.NewEvent(events.TypeSubscriptionTransitioned, restaurantID, map[string]any{
				"subscription_id": id.String(),
				"target":          string(target),
				"reason":          string(reason),
			}, s.clock.Now()))
		}
	}
	return nil
}

// Cancel either ends the subscription now or flags it to close when the paid
// period runs out.
func (s *Service) Cancel(ctx context.Context, req subscriptiondomain.CancelRequest) (*subscriptiondomain.Subscription, error) {
	subscription, err := s.GetByID(ctx, req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if subscription.Status.Terminal() {
		return nil, subscriptiondomain.ErrTerminalSubscription
	}

	if subscription.GatewaySubscriptionID != "" {
		_, err = s.gateway.CancelSubscription(ctx, gateway.CancelSubscriptionRequest{
			SubscriptionRef: subscription.GatewaySubscriptionID,
			AtPeriodEnd:     !req.Immediate,
			IdempotencyKey:  subscription.GatewayIdempotencyKey + ":cancel",
		})
		if err != nil {
			return nil, err
		}
	}

	if req.Immediate {
		if err := s.Transition(ctx, req.SubscriptionID, subscriptiondomain.StatusCanceled, subscriptiondomain.ReasonCustomerRequest); err != nil {
			return nil, err
		}
		return s.GetByID(ctx, req.SubscriptionID)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.repo.FindByIDForUpdate(ctx, tx, subscription.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if locked.Status.Terminal() {
			return subscriptiondomain.ErrTerminalSubscription
		}
		locked.CancelAtPeriodEnd = true
		locked.UpdatedAt = s.clock.Now().UTC()
		return s.repo.UpdateLifecycle(ctx, tx, locked)
	})
	if err != nil {
		return nil, err
	}
	return s.GetByID(ctx, req.SubscriptionID)
}

// ExpireStaleCheckouts closes INCOMPLETE subscriptions whose first payment
// never arrived. Called from the scheduler sweep.
func (s *Service) ExpireStaleCheckouts(ctx context.Context, limit int) (int, error) {
	cutoff := s.clock.Now().UTC().Add(-incompleteTTL)
	stale, err := s.repo.ListStaleIncomplete(ctx, s.db, cutoff, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range stale {
		err := s.Transition(ctx, stale[i].ID.String(), subscriptiondomain.StatusIncompleteExpired, subscriptiondomain.ReasonCheckoutAbandon)
		if err != nil {
			s.log.Warn("expire stale checkout failed",
				zap.String("subscription_id", stale[i].ID.String()),
				zap.Error(err),
			)
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *Service) grantPlanCredits(ctx context.Context, tx *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	plan, err := s.plansvc.GetByID(ctx, subscription.PlanID.String())
	if err != nil {
		return err
	}
	expiry := subscription.CurrentPeriodEnd
	for creditType, amount := range plan.CreditGrants() {
		if amount <= 0 {
			continue
		}
		err := s.creditsvc.Grant(ctx, tx, creditdomain.GrantRequest{
			RestaurantID: subscription.RestaurantID.String(),
			CreditType:   creditType,
			Amount:       amount,
			ExpiresAt:    &expiry,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalidErr
	}
	return id, nil
}

func isValidStatus(status subscriptiondomain.Status) bool {
	switch status {
	case subscriptiondomain.StatusIncomplete,
		subscriptiondomain.StatusTrialing,
		subscriptiondomain.StatusActive,
		subscriptiondomain.StatusPastDue,
		subscriptiondomain.StatusCanceled,
		subscriptiondomain.StatusIncompleteExpired:
		return true
	default:
		return false
	}
}

func isTransitionAllowed(current, target subscriptiondomain.Status) bool {
	switch current {
	case subscriptiondomain.StatusIncomplete:
		return target == subscriptiondomain.StatusTrialing ||
			target == subscriptiondomain.StatusActive ||
			target == subscriptiondomain.StatusCanceled ||
			target == subscriptiondomain.StatusIncompleteExpired
	case subscriptiondomain.StatusTrialing:
		return target == subscriptiondomain.StatusActive ||
			target == subscriptiondomain.StatusPastDue ||
			target == subscriptiondomain.StatusCanceled
	case subscriptiondomain.StatusActive:
		return target == subscriptiondomain.StatusPastDue ||
			target == subscriptiondomain.StatusCanceled
	case subscriptiondomain.StatusPastDue:
		return target == subscriptiondomain.StatusActive ||
			target == subscriptiondomain.StatusCanceled
	default:
		return false
	}
}
