// Package domain contains the dunning models and contracts: how the ledger
// reacts to payment failure and recovery signals from the gateway.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	EventPaymentFailed    = "invoice.payment_failed"
	EventPaymentSucceeded = "invoice.payment_succeeded"
)

// WebhookEvent records every gateway notification the ledger has seen. The
// unique provider event ID is the dedup key; ProcessedAt is stamped only once
// the reaction has been applied, so a delivery whose reaction failed is
// retried instead of being swallowed as a replay.
type WebhookEvent struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	EventID      string       `gorm:"type:text;not null;uniqueIndex"`
	EventType    string       `gorm:"type:text;not null"`
	RestaurantID snowflake.ID `gorm:"not null;index"`
	InvoiceID    string       `gorm:"type:text"`
	ReceivedAt   time.Time    `gorm:"not null"`
	ProcessedAt  *time.Time
}

func (WebhookEvent) TableName() string { return "webhook_events" }

var (
	ErrInvalidEvent     = errors.New("invalid_webhook_event")
	ErrUnknownEventType = errors.New("unknown_webhook_event_type")
)

// GatewayEvent is the parsed form of a gateway webhook delivery.
type GatewayEvent struct {
	EventID      string
	EventType    string
	RestaurantID string
	InvoiceID    string
}

type Service interface {
	HandleEvent(ctx context.Context, event GatewayEvent) error
	OnPaymentFailed(ctx context.Context, restaurantID, invoiceID string) error
	OnPaymentRecovered(ctx context.Context, restaurantID, invoiceID string) error
	OnGracePeriodExpired(ctx context.Context, subscriptionID string) error
}
