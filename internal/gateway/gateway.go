// Package gateway abstracts the external payment provider. The ledger never
// advances a subscription on hope: every lifecycle change that costs money is
// confirmed by the provider before local state moves.
package gateway

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrUnavailable marks transient provider failures (timeouts, 5xx, rate
	// limits). Callers may retry with the same idempotency key.
	ErrUnavailable = errors.New("gateway_unavailable")
	// ErrRejected marks definitive refusals (declined card, invalid request).
	// Retrying without operator action will not help.
	ErrRejected = errors.New("gateway_rejected")
)

type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomePending   OutcomeStatus = "pending"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Outcome reports what the provider actually did. ProviderRef is the remote
// object ID (customer, subscription or payment intent).
type Outcome struct {
	Status      OutcomeStatus
	ProviderRef string
}

type CreateCustomerRequest struct {
	RestaurantID   string
	Name           string
	Email          string
	IdempotencyKey string
}

type CreateSubscriptionRequest struct {
	CustomerRef    string
	PriceRef       string
	TrialDays      int
	IdempotencyKey string
}

type ModifySubscriptionRequest struct {
	SubscriptionRef string
	PriceRef        string
	IdempotencyKey  string
}

type CancelSubscriptionRequest struct {
	SubscriptionRef string
	AtPeriodEnd     bool
	IdempotencyKey  string
}

type ChargeRequest struct {
	CustomerRef    string
	AmountCents    int64
	Currency       string
	Description    string
	IdempotencyKey string
}

type PaymentGateway interface {
	CreateCustomer(ctx context.Context, req CreateCustomerRequest) (Outcome, error)
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (Outcome, error)
	ModifySubscription(ctx context.Context, req ModifySubscriptionRequest) (Outcome, error)
	CancelSubscription(ctx context.Context, req CancelSubscriptionRequest) (Outcome, error)
	Charge(ctx context.Context, req ChargeRequest) (Outcome, error)
}

// NewIdempotencyKey mints the key a caller stores before its first gateway
// attempt. Replays of the same logical operation must reuse the stored key.
func NewIdempotencyKey() string {
	return uuid.NewString()
}
