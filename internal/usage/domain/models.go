// Package domain contains the usage meter models and contracts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// DefaultFeature is the metered feature assumed when a caller does not name
// one.
const DefaultFeature = "content_generation"

// PeriodUsage archives the usage snapshot of a closed billing period. The
// unique (subscription_id, period_start) pair makes rollover idempotent: the
// first writer archives the period, later writers hit the conflict and move
// on.
type PeriodUsage struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;uniqueIndex:uidx_period_usage"`
	RestaurantID   snowflake.ID `gorm:"not null;index"`
	PeriodStart    time.Time    `gorm:"not null;uniqueIndex:uidx_period_usage"`
	PeriodEnd      time.Time    `gorm:"not null"`
	UnitsConsumed  int64        `gorm:"not null"`
	OverageCents   int64        `gorm:"not null"`
	QuotaAtClose   int64        `gorm:"not null"`
	CreatedAt      time.Time    `gorm:"not null"`
}

func (PeriodUsage) TableName() string { return "period_usage" }
