// Package domain contains the subscription models, lifecycle vocabulary and
// service contracts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusIncomplete        Status = "INCOMPLETE"
	StatusTrialing          Status = "TRIALING"
	StatusActive            Status = "ACTIVE"
	StatusPastDue           Status = "PAST_DUE"
	StatusCanceled          Status = "CANCELED"
	StatusIncompleteExpired Status = "INCOMPLETE_EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusIncompleteExpired
}

type TransitionReason string

const (
	ReasonPaymentSucceeded TransitionReason = "payment_succeeded"
	ReasonPaymentFailed    TransitionReason = "payment_failed"
	ReasonPaymentRecovered TransitionReason = "payment_recovered"
	ReasonGraceExpired     TransitionReason = "grace_expired"
	ReasonTrialStarted     TransitionReason = "trial_started"
	ReasonCustomerRequest  TransitionReason = "requested_by_customer"
	ReasonPeriodEnd        TransitionReason = "cancel_at_period_end"
	ReasonCheckoutAbandon  TransitionReason = "checkout_abandoned"
)

// Subscription is one restaurant's paid relationship with the platform. The
// row carries the live usage snapshot for the current billing period; closed
// periods are archived into period_usage on rollover.
type Subscription struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	RestaurantID snowflake.ID `gorm:"not null;index"`
	PlanID       snowflake.ID `gorm:"not null;index"`
	Status       Status       `gorm:"type:text;not null;index"`

	CurrentPeriodStart time.Time  `gorm:"not null"`
	CurrentPeriodEnd   time.Time  `gorm:"not null;index"`
	TrialEnd           *time.Time
	ActivatedAt        *time.Time
	CancelAtPeriodEnd  bool       `gorm:"not null;default:false"`
	CanceledAt         *time.Time
	GraceExpiresAt     *time.Time `gorm:"index"`

	// Usage snapshot for the current period. Mutated only under row lock.
	UnitsConsumed int64     `gorm:"not null;default:0"`
	OverageCents  int64     `gorm:"not null;default:0"`
	QuotaOverride *int64
	LastResetAt   time.Time `gorm:"not null"`

	GatewayCustomerID     string `gorm:"type:text"`
	GatewaySubscriptionID string `gorm:"type:text"`
	GatewayIdempotencyKey string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

// EffectiveQuota resolves the quota in force for the current period: the
// prorated override when a mid-period plan change set one, the plan quota
// otherwise.
func (s *Subscription) EffectiveQuota(planQuota int64) int64 {
	if s.QuotaOverride != nil {
		return *s.QuotaOverride
	}
	return planQuota
}

// InGrace reports whether a past-due subscription may still record usage.
func (s *Subscription) InGrace(now time.Time) bool {
	if s.Status != StatusPastDue {
		return false
	}
	return s.GraceExpiresAt != nil && now.Before(*s.GraceExpiresAt)
}

// AddBillingMonth advances one calendar month, clamping the anchor day so a
// Jan 31 anchor lands on Feb 28/29 instead of spilling into March.
func AddBillingMonth(t time.Time) time.Time {
	year, month, day := t.Date()
	first := time.Date(year, month+1, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
