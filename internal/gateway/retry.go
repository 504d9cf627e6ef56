package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/platewise/billing/internal/config"
	obsmetrics "github.com/platewise/billing/internal/observability/metrics"
	"go.uber.org/zap"
)

// Retrying wraps a PaymentGateway with bounded retries on ErrUnavailable.
// Requests carry their idempotency key, so every attempt is the same operation
// from the provider's point of view. ErrRejected is never retried.
type Retrying struct {
	inner   PaymentGateway
	holder  *config.BillingConfigHolder
	log     *zap.Logger
	metrics *obsmetrics.Metrics
	wait    func(ctx context.Context, d time.Duration) error
}

func NewRetrying(inner PaymentGateway, holder *config.BillingConfigHolder, log *zap.Logger, metrics *obsmetrics.Metrics) *Retrying {
	return &Retrying{
		inner:   inner,
		holder:  holder,
		log:     log.Named("gateway.retry"),
		metrics: metrics,
		wait:    waitBackoff,
	}
}

func (r *Retrying) CreateCustomer(ctx context.Context, req CreateCustomerRequest) (Outcome, error) {
	return r.do(ctx, "create_customer", func() (Outcome, error) {
		return r.inner.CreateCustomer(ctx, req)
	})
}

func (r *Retrying) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (Outcome, error) {
	return r.do(ctx, "create_subscription", func() (Outcome, error) {
		return r.inner.CreateSubscription(ctx, req)
	})
}

func (r *Retrying) ModifySubscription(ctx context.Context, req ModifySubscriptionRequest) (Outcome, error) {
	return r.do(ctx, "modify_subscription", func() (Outcome, error) {
		return r.inner.ModifySubscription(ctx, req)
	})
}

func (r *Retrying) CancelSubscription(ctx context.Context, req CancelSubscriptionRequest) (Outcome, error) {
	return r.do(ctx, "cancel_subscription", func() (Outcome, error) {
		return r.inner.CancelSubscription(ctx, req)
	})
}

func (r *Retrying) Charge(ctx context.Context, req ChargeRequest) (Outcome, error) {
	return r.do(ctx, "charge", func() (Outcome, error) {
		return r.inner.Charge(ctx, req)
	})
}

func (r *Retrying) do(ctx context.Context, op string, call func() (Outcome, error)) (Outcome, error) {
	attempts := r.holder.Get().GatewayMaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var outcome Outcome
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		outcome, err = call()
		if err == nil || !errors.Is(err, ErrUnavailable) {
			return outcome, err
		}
		if attempt == attempts {
			break
		}
		if r.metrics != nil {
			r.metrics.GatewayRetries.Inc()
		}
		r.log.Warn("gateway call retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if err := r.wait(ctx, backoff(attempt)); err != nil {
			return Outcome{Status: OutcomeFailed}, err
		}
	}
	return outcome, err
}

// waitBackoff sleeps for the backoff interval but gives up as soon as the
// context is canceled.
func waitBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func backoff(attempt int) time.Duration {
	d := 200 * time.Millisecond << (attempt - 1)
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
