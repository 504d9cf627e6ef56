// Package events carries the ledger's domain events to a persisting consumer
// through a bounded channel. Emission never blocks a billing operation; the
// drop policy under backpressure is configuration, not accident.
package events

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"
)

type Type string

const (
	TypeUsageRecorded            Type = "usage.recorded"
	TypeSubscriptionTransitioned Type = "subscription.transitioned"
	TypeInvoiceGenerated         Type = "invoice.generated"
	TypeCreditsPurchased         Type = "credits.purchased"
	TypeCreditsConsumed          Type = "credits.consumed"
	TypePaymentFailed            Type = "payment.failed"
	TypePaymentRecovered         Type = "payment.recovered"
)

type Event struct {
	ID           string
	Type         Type
	RestaurantID snowflake.ID
	Payload      map[string]any
	OccurredAt   time.Time
}

// NewEvent stamps a fresh ULID so replayed emissions stay distinguishable.
func NewEvent(eventType Type, restaurantID snowflake.ID, payload map[string]any, at time.Time) Event {
	return Event{
		ID:           ulid.Make().String(),
		Type:         eventType,
		RestaurantID: restaurantID,
		Payload:      payload,
		OccurredAt:   at.UTC(),
	}
}

// Record is the persisted form of an Event.
type Record struct {
	ID           string            `gorm:"primaryKey;type:text"`
	Type         string            `gorm:"type:text;not null;index"`
	RestaurantID snowflake.ID      `gorm:"not null;index"`
	Payload      datatypes.JSONMap `gorm:"type:jsonb"`
	OccurredAt   time.Time         `gorm:"not null"`
	PersistedAt  time.Time         `gorm:"not null"`
}

func (Record) TableName() string { return "billing_events" }
