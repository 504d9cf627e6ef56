package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/platewise/billing/internal/config"
	"go.uber.org/zap"
)

type scriptedGateway struct {
	calls int
	errs  []error
}

func (g *scriptedGateway) next() (Outcome, error) {
	g.calls++
	if g.calls <= len(g.errs) && g.errs[g.calls-1] != nil {
		return Outcome{Status: OutcomeFailed}, g.errs[g.calls-1]
	}
	return Outcome{Status: OutcomeSucceeded, ProviderRef: "ref_ok"}, nil
}

func (g *scriptedGateway) CreateCustomer(ctx context.Context, req CreateCustomerRequest) (Outcome, error) {
	return g.next()
}

func (g *scriptedGateway) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (Outcome, error) {
	return g.next()
}

func (g *scriptedGateway) ModifySubscription(ctx context.Context, req ModifySubscriptionRequest) (Outcome, error) {
	return g.next()
}

func (g *scriptedGateway) CancelSubscription(ctx context.Context, req CancelSubscriptionRequest) (Outcome, error) {
	return g.next()
}

func (g *scriptedGateway) Charge(ctx context.Context, req ChargeRequest) (Outcome, error) {
	return g.next()
}

func newTestRetrying(inner PaymentGateway, maxAttempts int) (*Retrying, *[]time.Duration) {
	billing := config.DefaultBillingConfig()
	billing.GatewayMaxAttempts = maxAttempts
	r := NewRetrying(inner, config.NewStaticBillingConfigHolder(billing), zap.NewNop(), nil)
	var slept []time.Duration
	r.wait = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		slept = append(slept, d)
		return nil
	}
	return r, &slept
}

func TestRetriesTransientFailures(t *testing.T) {
	inner := &scriptedGateway{errs: []error{ErrUnavailable, ErrUnavailable}}
	r, slept := newTestRetrying(inner, 3)

	outcome, err := r.Charge(context.Background(), ChargeRequest{AmountCents: 100})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if outcome.Status != OutcomeSucceeded {
		t.Fatalf("outcome %+v, want succeeded", outcome)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
	if len(*slept) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(*slept))
	}
	if (*slept)[0] != 200*time.Millisecond || (*slept)[1] != 400*time.Millisecond {
		t.Fatalf("backoff schedule %v, want [200ms 400ms]", *slept)
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	inner := &scriptedGateway{errs: []error{ErrUnavailable, ErrUnavailable, ErrUnavailable}}
	r, _ := newTestRetrying(inner, 3)

	_, err := r.CreateCustomer(context.Background(), CreateCustomerRequest{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
}

func TestNeverRetriesRejections(t *testing.T) {
	inner := &scriptedGateway{errs: []error{ErrRejected}}
	r, slept := newTestRetrying(inner, 3)

	_, err := r.CreateSubscription(context.Background(), CreateSubscriptionRequest{})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("rejection was retried: %d attempts", inner.calls)
	}
	if len(*slept) != 0 {
		t.Fatalf("slept %v after a rejection", *slept)
	}
}

func TestCanceledContextStopsRetrying(t *testing.T) {
	inner := &scriptedGateway{errs: []error{ErrUnavailable, ErrUnavailable}}
	r, _ := newTestRetrying(inner, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Charge(ctx, ChargeRequest{AmountCents: 100})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", inner.calls)
	}
}

func TestCancellationInterruptsBackoff(t *testing.T) {
	inner := &scriptedGateway{errs: []error{ErrUnavailable, ErrUnavailable}}
	billing := config.DefaultBillingConfig()
	billing.GatewayMaxAttempts = 3
	r := NewRetrying(inner, config.NewStaticBillingConfigHolder(billing), zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := r.Charge(ctx, ChargeRequest{AmountCents: 100})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// The cancel lands inside the first 200ms backoff; a second attempt
	// means the backoff ran to completion.
	if inner.calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", inner.calls)
	}
}

func TestBackoffCapsAtFiveSeconds(t *testing.T) {
	if got := backoff(1); got != 200*time.Millisecond {
		t.Fatalf("backoff(1) = %v", got)
	}
	if got := backoff(5); got != 3200*time.Millisecond {
		t.Fatalf("backoff(5) = %v", got)
	}
	if got := backoff(10); got != 5*time.Second {
		t.Fatalf("backoff(10) = %v", got)
	}
}
