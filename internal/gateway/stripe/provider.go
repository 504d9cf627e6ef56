// Package stripe adapts the payment gateway contract onto the Stripe API.
package stripe

import (
	"context"
	"errors"
	"strings"

	"github.com/platewise/billing/internal/config"
	"github.com/platewise/billing/internal/gateway"
	"github.com/stripe/stripe-go/v83"
	"go.uber.org/zap"
)

type Provider struct {
	client *stripe.Client
	log    *zap.Logger
}

func NewProvider(cfg config.Config, log *zap.Logger) (*Provider, error) {
	apiKey := strings.TrimSpace(cfg.StripeAPIKey)
	if apiKey == "" {
		return nil, errors.New("stripe api key not configured")
	}
	return &Provider{
		client: stripe.NewClient(apiKey),
		log:    log.Named("gateway.stripe"),
	}, nil
}

func (p *Provider) CreateCustomer(ctx context.Context, req gateway.CreateCustomerRequest) (gateway.Outcome, error) {
	params := &stripe.CustomerCreateParams{
		Name:  stripe.String(req.Name),
		Email: stripe.String(req.Email),
		Metadata: map[string]string{
			"restaurant_id": req.RestaurantID,
		},
	}
	params.IdempotencyKey = stripe.String(req.IdempotencyKey)

	customer, err := p.client.V1Customers.Create(ctx, params)
	if err != nil {
		return gateway.Outcome{Status: gateway.OutcomeFailed}, p.mapErr("customers.create", err)
	}
	return gateway.Outcome{Status: gateway.OutcomeSucceeded, ProviderRef: customer.ID}, nil
}

func (p *Provider) CreateSubscription(ctx context.Context, req gateway.CreateSubscriptionRequest) (gateway.Outcome, error) {
	params := &stripe.SubscriptionCreateParams{
		Customer: stripe.String(req.CustomerRef),
		Items: []*stripe.SubscriptionCreateItemParams{
			{Price: stripe.String(req.PriceRef)},
		},
	}
	if req.TrialDays > 0 {
		params.TrialPeriodDays = stripe.Int64(int64(req.TrialDays))
	}
	params.IdempotencyKey = stripe.String(req.IdempotencyKey)

	sub, err := p.client.V1Subscriptions.Create(ctx, params)
	if err != nil {
		return gateway.Outcome{Status: gateway.OutcomeFailed}, p.mapErr("subscriptions.create", err)
	}
	return gateway.Outcome{
		Status:      subscriptionOutcome(sub.Status),
		ProviderRef: sub.ID,
	}, nil
}

func (p *Provider) ModifySubscription(ctx context.Context, req gateway.ModifySubscriptionRequest) (gateway.Outcome, error) {
	params := &stripe.SubscriptionUpdateParams{
		Items: []*stripe.SubscriptionUpdateItemParams{
			{Price: stripe.String(req.PriceRef)},
		},
		ProrationBehavior: stripe.String("none"),
	}
	params.IdempotencyKey = stripe.String(req.IdempotencyKey)

	sub, err := p.client.V1Subscriptions.Update(ctx, req.SubscriptionRef, params)
	if err != nil {
		return gateway.Outcome{Status: gateway.OutcomeFailed}, p.mapErr("subscriptions.update", err)
	}
	return gateway.Outcome{
		Status:      subscriptionOutcome(sub.Status),
		ProviderRef: sub.ID,
	}, nil
}

func (p *Provider) CancelSubscription(ctx context.Context, req gateway.CancelSubscriptionRequest) (gateway.Outcome, error) {
	if req.AtPeriodEnd {
		params := &stripe.SubscriptionUpdateParams{
			CancelAtPeriodEnd: stripe.Bool(true),
		}
		params.IdempotencyKey = stripe.String(req.IdempotencyKey)
		sub, err := p.client.V1Subscriptions.Update(ctx, req.SubscriptionRef, params)
		if err != nil {
			return gateway.Outcome{Status: gateway.OutcomeFailed}, p.mapErr("subscriptions.update", err)
		}
		return gateway.Outcome{Status: gateway.OutcomeSucceeded, ProviderRef: sub.ID}, nil
	}

	params := &stripe.SubscriptionCancelParams{}
	params.IdempotencyKey = stripe.String(req.IdempotencyKey)
	sub, err := p.client.V1Subscriptions.Cancel(ctx, req.SubscriptionRef, params)
	if err != nil {
		return gateway.Outcome{Status: gateway.OutcomeFailed}, p.mapErr("subscriptions.cancel", err)
	}
	return gateway.Outcome{Status: gateway.OutcomeSucceeded, ProviderRef: sub.ID}, nil
}

func (p *Provider) Charge(ctx context.Context, req gateway.ChargeRequest) (gateway.Outcome, error) {
	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}
	params := &stripe.PaymentIntentCreateParams{
		Amount:      stripe.Int64(req.AmountCents),
		Currency:    stripe.String(currency),
		Customer:    stripe.String(req.CustomerRef),
		Description: stripe.String(req.Description),
		Confirm:     stripe.Bool(true),
		OffSession:  stripe.Bool(true),
	}
	params.IdempotencyKey = stripe.String(req.IdempotencyKey)

	intent, err := p.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return gateway.Outcome{Status: gateway.OutcomeFailed}, p.mapErr("payment_intents.create", err)
	}

	outcome := gateway.Outcome{ProviderRef: intent.ID}
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		outcome.Status = gateway.OutcomeSucceeded
	case stripe.PaymentIntentStatusProcessing:
		outcome.Status = gateway.OutcomePending
	default:
		outcome.Status = gateway.OutcomeFailed
	}
	return outcome, nil
}

func subscriptionOutcome(status stripe.SubscriptionStatus) gateway.OutcomeStatus {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return gateway.OutcomeSucceeded
	case stripe.SubscriptionStatusIncomplete:
		return gateway.OutcomePending
	default:
		return gateway.OutcomeFailed
	}
}

// mapErr folds Stripe's error taxonomy into the two cases callers act on:
// retry (unavailable) or surface (rejected).
func (p *Provider) mapErr(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		p.log.Warn("stripe call failed",
			zap.String("op", op),
			zap.String("code", string(stripeErr.Code)),
			zap.Int("http_status", stripeErr.HTTPStatusCode),
		)
		if stripeErr.HTTPStatusCode >= 500 || stripeErr.HTTPStatusCode == 429 {
			return errors.Join(gateway.ErrUnavailable, err)
		}
		return errors.Join(gateway.ErrRejected, err)
	}
	p.log.Warn("stripe transport error", zap.String("op", op), zap.Error(err))
	return errors.Join(gateway.ErrUnavailable, err)
}
