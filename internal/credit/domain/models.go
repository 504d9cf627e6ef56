// Package domain contains the prepaid credit ledger models and contracts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	SourcePurchase  = "purchase"
	SourcePlanGrant = "plan_grant"
)

// Batch is one prepaid credit purchase or grant. Consumption drains batches
// oldest purchase first and never splits an operation across a failure: either
// the full amount is covered or nothing is deducted.
type Batch struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	RestaurantID   snowflake.ID `gorm:"not null;index:idx_credit_restaurant_type"`
	CreditType     string       `gorm:"type:text;not null;index:idx_credit_restaurant_type"`
	Purchased      int64        `gorm:"not null"`
	Used           int64        `gorm:"not null;default:0"`
	Remaining      int64        `gorm:"not null"`
	UnitPriceCents int64        `gorm:"not null;default:0"`
	Source         string       `gorm:"type:text;not null;default:purchase"`
	PurchasedAt    time.Time    `gorm:"not null;index"`
	ExpiresAt      *time.Time   `gorm:"index"`
	CreatedAt      time.Time    `gorm:"not null"`
	UpdatedAt      time.Time    `gorm:"not null"`
}

func (Batch) TableName() string { return "credit_batches" }

// Expired reports whether the batch can no longer be drawn from.
func (b *Batch) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !now.Before(*b.ExpiresAt)
}
