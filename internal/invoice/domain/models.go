// Package domain contains the invoice models and contracts.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusPaid    Status = "PAID"
	StatusFailed  Status = "FAILED"
	StatusVoid    Status = "VOID"
)

const (
	SourceSubscriptionFee = "subscription_fee"
	SourceOverage         = "overage"
	SourceCreditPurchase  = "credit_purchase"
)

// Invoice is the compiled bill for one subscription period. The unique
// (subscription_id, period_start) pair guarantees at most one invoice per
// period no matter how many compilers race.
type Invoice struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	Number         int64        `gorm:"not null"`
	RestaurantID   snowflake.ID `gorm:"not null;index"`
	SubscriptionID snowflake.ID `gorm:"not null;uniqueIndex:uidx_invoice_period"`
	PlanID         snowflake.ID `gorm:"not null"`
	PeriodStart    time.Time    `gorm:"not null;uniqueIndex:uidx_invoice_period"`
	PeriodEnd      time.Time    `gorm:"not null"`
	Currency       string       `gorm:"type:text;not null;default:usd"`
	SubtotalCents  int64        `gorm:"not null"`
	TaxCents       int64        `gorm:"not null;default:0"`
	DiscountCents  int64        `gorm:"not null;default:0"`
	TotalCents     int64        `gorm:"not null"`
	Status         Status       `gorm:"type:text;not null;index"`
	IssuedAt       time.Time    `gorm:"not null"`
	DueAt          time.Time    `gorm:"not null"`
	PaidAt         *time.Time
	FailedAt       *time.Time
	VoidedAt       *time.Time
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (Invoice) TableName() string { return "invoices" }

// LineItem is one billed component of an invoice.
type LineItem struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	InvoiceID      snowflake.ID `gorm:"not null;index"`
	Source         string       `gorm:"type:text;not null"`
	Description    string       `gorm:"type:text;not null"`
	Quantity       int64        `gorm:"not null"`
	UnitPriceCents int64        `gorm:"not null"`
	AmountCents    int64        `gorm:"not null"`
	CreatedAt      time.Time    `gorm:"not null"`
}

func (LineItem) TableName() string { return "invoice_items" }

var (
	ErrInvalidInvoice      = errors.New("invalid_invoice")
	ErrInvoiceNotFound     = errors.New("invoice_not_found")
	ErrNoSubscription      = errors.New("no_subscription_for_period")
	ErrInvalidStatusChange = errors.New("invalid_invoice_status_change")
)

type GenerateRequest struct {
	RestaurantID string
	PeriodStart  time.Time
}

type Service interface {
	Generate(ctx context.Context, req GenerateRequest) (*Invoice, error)
	GetByID(ctx context.Context, id string) (*Invoice, error)
	ListLineItems(ctx context.Context, invoiceID string) ([]LineItem, error)
	MarkPaid(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	Void(ctx context.Context, id string) error
}
