package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/platewise/billing/internal/clock"
	"github.com/platewise/billing/internal/config"
	creditdomain "github.com/platewise/billing/internal/credit/domain"
	dunningdomain "github.com/platewise/billing/internal/dunning/domain"
	"github.com/platewise/billing/internal/gateway"
	invoicedomain "github.com/platewise/billing/internal/invoice/domain"
	invoiceservice "github.com/platewise/billing/internal/invoice/service"
	plandomain "github.com/platewise/billing/internal/plan/domain"
	subscriptiondomain "github.com/platewise/billing/internal/subscription/domain"
	"github.com/platewise/billing/internal/subscription/repository"
	subscriptionservice "github.com/platewise/billing/internal/subscription/service"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type planStub struct {
	plans map[string]*plandomain.Plan
}

func (p *planStub) GetByID(ctx context.Context, id string) (*plandomain.Plan, error) {
	if plan, ok := p.plans[id]; ok {
		return plan, nil
	}
	return nil, plandomain.ErrPlanNotFound
}

func (p *planStub) GetByCode(ctx context.Context, code string) (*plandomain.Plan, error) {
	return nil, plandomain.ErrPlanNotFound
}

func (p *planStub) List(ctx context.Context) ([]plandomain.Plan, error) {
	return nil, nil
}

type creditStub struct{}

func (creditStub) Purchase(ctx context.Context, req creditdomain.PurchaseRequest) (*creditdomain.Batch, error) {
	return nil, nil
}

func (creditStub) Consume(ctx context.Context, req creditdomain.ConsumeRequest) (creditdomain.ConsumeResult, error) {
	return creditdomain.ConsumeResult{}, nil
}

func (creditStub) Balance(ctx context.Context, restaurantID, creditType string) (int64, error) {
	return 0, nil
}

func (creditStub) ListBatches(ctx context.Context, restaurantID, creditType string) ([]creditdomain.Batch, error) {
	return nil, nil
}

func (creditStub) Grant(ctx context.Context, tx *gorm.DB, req creditdomain.GrantRequest) error {
	return nil
}

type gatewayStub struct{}

func (gatewayStub) CreateCustomer(ctx context.Context, req gateway.CreateCustomerRequest) (gateway.Outcome, error) {
	return gateway.Outcome{Status: gateway.OutcomeSucceeded, ProviderRef: "cus_test"}, nil
}

func (gatewayStub) CreateSubscription(ctx context.Context, req gateway.CreateSubscriptionRequest) (gateway.Outcome, error) {
	return gateway.Outcome{Status: gateway.OutcomeSucceeded, ProviderRef: "sub_test"}, nil
}

func (gatewayStub) ModifySubscription(ctx context.Context, req gateway.ModifySubscriptionRequest) (gateway.Outcome, error) {
	return gateway.Outcome{Status: gateway.OutcomeSucceeded}, nil
}

func (gatewayStub) CancelSubscription(ctx context.Context, req gateway.CancelSubscriptionRequest) (gateway.Outcome, error) {
	return gateway.Outcome{Status: gateway.OutcomeSucceeded}, nil
}

func (gatewayStub) Charge(ctx context.Context, req gateway.ChargeRequest) (gateway.Outcome, error) {
	return gateway.Outcome{Status: gateway.OutcomeSucceeded}, nil
}

type dunningFixture struct {
	service    dunningdomain.Service
	subsvc     subscriptiondomain.Service
	invoicesvc invoicedomain.Service
	repo       subscriptiondomain.Repository
	db         *gorm.DB
	node       *snowflake.Node
	clock      *clock.FakeClock
	plans      *planStub
}

func setupDunningService(t *testing.T) *dunningFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error

	for _, stmt := range []string{
		`CREATE TABLE subscriptions (
			id INTEGER PRIMARY KEY,
			restaurant_id INTEGER NOT NULL,
			plan_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			current_period_start DATETIME NOT NULL,
			current_period_end DATETIME NOT NULL,
			trial_end DATETIME,
			activated_at DATETIME,
			cancel_at_period_end BOOLEAN NOT NULL DEFAULT 0,
			canceled_at DATETIME,
			grace_expires_at DATETIME,
			units_consumed INTEGER NOT NULL DEFAULT 0,
			overage_cents INTEGER NOT NULL DEFAULT 0,
			quota_override INTEGER,
			last_reset_at DATETIME NOT NULL,
			gateway_customer_id TEXT,
			gateway_subscription_id TEXT,
			gateway_idempotency_key TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE invoices (
			id INTEGER PRIMARY KEY,
			number INTEGER NOT NULL,
			restaurant_id INTEGER NOT NULL,
			subscription_id INTEGER NOT NULL,
			plan_id INTEGER NOT NULL,
			period_start DATETIME NOT NULL,
			period_end DATETIME NOT NULL,
			currency TEXT NOT NULL DEFAULT 'usd',
			subtotal_cents INTEGER NOT NULL,
			tax_cents INTEGER NOT NULL DEFAULT 0,
			discount_cents INTEGER NOT NULL DEFAULT 0,
			total_cents INTEGER NOT NULL,
			status TEXT NOT NULL,
			issued_at DATETIME NOT NULL,
			due_at DATETIME NOT NULL,
			paid_at DATETIME,
			failed_at DATETIME,
			voided_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			CONSTRAINT uidx_invoice_period UNIQUE (subscription_id, period_start)
		)`,
		`CREATE TABLE webhook_events (
			id INTEGER PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			restaurant_id INTEGER NOT NULL,
			invoice_id TEXT,
			received_at DATETIME NOT NULL,
			processed_at DATETIME
		)`,
	} {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	fakeClock := clock.NewFakeClock(time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC))
	holder := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())
	plans := &planStub{plans: map[string]*plandomain.Plan{}}
	repo := repository.NewRepository()

	subsvc := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     fakeClock,
		Holder:    holder,
		Repo:      repo,
		Plansvc:   plans,
		Creditsvc: creditStub{},
		Gateway:   gatewayStub{},
	})

	invoicesvc := invoiceservice.NewService(invoiceservice.ServiceParam{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fakeClock,
		Holder:  holder,
		Subrepo: repo,
		Plansvc: plans,
	})

	service := NewService(ServiceParam{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      fakeClock,
		Subsvc:     subsvc,
		Invoicesvc: invoicesvc,
	})

	return &dunningFixture{
		service:    service,
		subsvc:     subsvc,
		invoicesvc: invoicesvc,
		repo:       repo,
		db:         db,
		node:       node,
		clock:      fakeClock,
		plans:      plans,
	}
}

func (f *dunningFixture) insertActiveSubscription(t *testing.T) *subscriptiondomain.Subscription {
	t.Helper()
	plan := &plandomain.Plan{
		ID:                f.node.Generate(),
		Code:              "growth",
		Name:              "Growth",
		MonthlyPriceCents: 14900,
		Currency:          "usd",
		MonthlyQuota:      500,
		Active:            true,
	}
	f.plans.plans[plan.ID.String()] = plan

	now := f.clock.Now().UTC()
	activated := now
	sub := &subscriptiondomain.Subscription{
		ID:                 f.node.Generate(),
		RestaurantID:       f.node.Generate(),
		PlanID:             plan.ID,
		Status:             subscriptiondomain.StatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   subscriptiondomain.AddBillingMonth(now),
		ActivatedAt:        &activated,
		LastResetAt:        now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := f.repo.Insert(context.Background(), f.db, sub); err != nil {
		t.Fatalf("insert subscription: %v", err)
	}
	return sub
}

func (f *dunningFixture) insertPendingInvoice(t *testing.T, sub *subscriptiondomain.Subscription) *invoicedomain.Invoice {
	t.Helper()
	return f.insertPendingInvoiceWithID(t, sub, f.node.Generate())
}

func (f *dunningFixture) insertPendingInvoiceWithID(t *testing.T, sub *subscriptiondomain.Subscription, id snowflake.ID) *invoicedomain.Invoice {
	t.Helper()
	now := f.clock.Now().UTC()
	invoice := &invoicedomain.Invoice{
		ID:             id,
		Number:         1,
		RestaurantID:   sub.RestaurantID,
		SubscriptionID: sub.ID,
		PlanID:         sub.PlanID,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		Currency:       "usd",
		SubtotalCents:  14900,
		TotalCents:     14900,
		Status:         invoicedomain.StatusPending,
		IssuedAt:       now,
		DueAt:          now.Add(14 * 24 * time.Hour),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := f.db.Exec(
		`INSERT INTO invoices (id, number, restaurant_id, subscription_id, plan_id, period_start, period_end,
		 currency, subtotal_cents, tax_cents, discount_cents, total_cents, status, issued_at, due_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?, ?, ?)`,
		invoice.ID,
		invoice.Number,
		invoice.RestaurantID,
		invoice.SubscriptionID,
		invoice.PlanID,
		invoice.PeriodStart,
		invoice.PeriodEnd,
		invoice.Currency,
		invoice.SubtotalCents,
		invoice.TotalCents,
		invoice.Status,
		invoice.IssuedAt,
		invoice.DueAt,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	).Error
	if err != nil {
		t.Fatalf("insert invoice: %v", err)
	}
	return invoice
}

func (f *dunningFixture) subscriptionState(t *testing.T, id snowflake.ID) *subscriptiondomain.Subscription {
	t.Helper()
	sub, err := f.repo.FindByID(context.Background(), f.db, id)
	if err != nil {
		t.Fatalf("find subscription: %v", err)
	}
	if sub == nil {
		t.Fatalf("subscription %s disappeared", id)
	}
	return sub
}

func TestPaymentFailedOpensGraceWindow(t *testing.T) {
	f := setupDunningService(t)
	sub := f.insertActiveSubscription(t)
	invoice := f.insertPendingInvoice(t, sub)

	err := f.service.HandleEvent(context.Background(), dunningdomain.GatewayEvent{
		EventID:      "evt_001",
		EventType:    dunningdomain.EventPaymentFailed,
		RestaurantID: sub.RestaurantID.String(),
		InvoiceID:    invoice.ID.String(),
	})
	if err != nil {
		t.Fatalf("handle event: %v", err)
	}

	after := f.subscriptionState(t, sub.ID)
	if after.Status != subscriptiondomain.StatusPastDue {
		t.Fatalf("status %s, want PAST_DUE", after.Status)
	}
	wantGrace := f.clock.Now().UTC().Add(7 * 24 * time.Hour)
	if after.GraceExpiresAt == nil || !after.GraceExpiresAt.Equal(wantGrace) {
		t.Fatalf("grace window %v, want %v", after.GraceExpiresAt, wantGrace)
	}

	updated, err := f.invoicesvc.GetByID(context.Background(), invoice.ID.String())
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if updated.Status != invoicedomain.StatusFailed || updated.FailedAt == nil {
		t.Fatalf("invoice %+v, want FAILED with timestamp", updated)
	}
}

func TestReplayedDeliveryIsIgnored(t *testing.T) {
	f := setupDunningService(t)
	sub := f.insertActiveSubscription(t)

	event := dunningdomain.GatewayEvent{
		EventID:      "evt_dup",
		EventType:    dunningdomain.EventPaymentFailed,
		RestaurantID: sub.RestaurantID.String(),
	}
	if err := f.service.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	firstGrace := f.subscriptionState(t, sub.ID).GraceExpiresAt

	// A replay a day later must not push the grace deadline out.
	f.clock.Advance(24 * time.Hour)
	if err := f.service.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("replayed delivery: %v", err)
	}

	after := f.subscriptionState(t, sub.ID)
	if after.Status != subscriptiondomain.StatusPastDue {
		t.Fatalf("status %s, want PAST_DUE", after.Status)
	}
	if after.GraceExpiresAt == nil || !after.GraceExpiresAt.Equal(*firstGrace) {
		t.Fatalf("grace window moved from %v to %v", firstGrace, after.GraceExpiresAt)
	}

	var count int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM webhook_events`).Scan(&count).Error; err != nil {
		t.Fatalf("count deliveries: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 recorded delivery, got %d", count)
	}
}

func TestFailedReactionRetriesOnRedelivery(t *testing.T) {
	f := setupDunningService(t)
	sub := f.insertActiveSubscription(t)

	invoiceID := f.node.Generate()
	event := dunningdomain.GatewayEvent{
		EventID:      "evt_hiccup",
		EventType:    dunningdomain.EventPaymentFailed,
		RestaurantID: sub.RestaurantID.String(),
		InvoiceID:    invoiceID.String(),
	}

	// The invoice row is not there yet, so the reaction fails after the
	// delivery was recorded.
	err := f.service.HandleEvent(context.Background(), event)
	if !errors.Is(err, invoicedomain.ErrInvoiceNotFound) {
		t.Fatalf("first delivery: got %v, want ErrInvoiceNotFound", err)
	}
	if status := f.subscriptionState(t, sub.ID).Status; status != subscriptiondomain.StatusActive {
		t.Fatalf("status %s moved before the reaction succeeded", status)
	}

	// The provider redelivers the same event; this time it must apply.
	f.insertPendingInvoiceWithID(t, sub, invoiceID)
	if err := f.service.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	after := f.subscriptionState(t, sub.ID)
	if after.Status != subscriptiondomain.StatusPastDue {
		t.Fatalf("status %s, want PAST_DUE", after.Status)
	}
	firstGrace := after.GraceExpiresAt

	// A third delivery is now a pure replay.
	f.clock.Advance(24 * time.Hour)
	if err := f.service.HandleEvent(context.Background(), event); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got := f.subscriptionState(t, sub.ID).GraceExpiresAt; got == nil || !got.Equal(*firstGrace) {
		t.Fatalf("grace window moved from %v to %v", firstGrace, got)
	}

	var count int64
	if err := f.db.Raw(`SELECT COUNT(*) FROM webhook_events`).Scan(&count).Error; err != nil {
		t.Fatalf("count deliveries: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 recorded delivery, got %d", count)
	}
}

func TestRejectsMalformedEvents(t *testing.T) {
	f := setupDunningService(t)
	sub := f.insertActiveSubscription(t)

	err := f.service.HandleEvent(context.Background(), dunningdomain.GatewayEvent{
		EventType:    dunningdomain.EventPaymentFailed,
		RestaurantID: sub.RestaurantID.String(),
	})
	if err != dunningdomain.ErrInvalidEvent {
		t.Fatalf("missing event ID: got %v", err)
	}

	err = f.service.HandleEvent(context.Background(), dunningdomain.GatewayEvent{
		EventID:      "evt_weird",
		EventType:    "customer.updated",
		RestaurantID: sub.RestaurantID.String(),
	})
	if err != dunningdomain.ErrUnknownEventType {
		t.Fatalf("unknown type: got %v", err)
	}
}

func TestRecoveryRestoresActive(t *testing.T) {
	f := setupDunningService(t)
	sub := f.insertActiveSubscription(t)
	invoice := f.insertPendingInvoice(t, sub)

	err := f.service.HandleEvent(context.Background(), dunningdomain.GatewayEvent{
		EventID:      "evt_fail",
		EventType:    dunningdomain.EventPaymentFailed,
		RestaurantID: sub.RestaurantID.String(),
		InvoiceID:    invoice.ID.String(),
	})
	if err != nil {
		t.Fatalf("failure event: %v", err)
	}

	f.clock.Advance(3 * 24 * time.Hour)
	err = f.service.HandleEvent(context.Background(), dunningdomain.GatewayEvent{
		EventID:      "evt_recover",
		EventType:    dunningdomain.EventPaymentSucceeded,
		RestaurantID: sub.RestaurantID.String(),
		InvoiceID:    invoice.ID.String(),
	})
	if err != nil {
		t.Fatalf("recovery event: %v", err)
	}

	after := f.subscriptionState(t, sub.ID)
	if after.Status != subscriptiondomain.StatusActive {
		t.Fatalf("status %s, want ACTIVE", after.Status)
	}
	if after.GraceExpiresAt != nil {
		t.Fatalf("grace window not cleared: %v", after.GraceExpiresAt)
	}

	updated, err := f.invoicesvc.GetByID(context.Background(), invoice.ID.String())
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if updated.Status != invoicedomain.StatusPaid || updated.PaidAt == nil {
		t.Fatalf("invoice %+v, want PAID with timestamp", updated)
	}
}

func TestGraceExpiryCancelsOnlyAfterDeadline(t *testing.T) {
	f := setupDunningService(t)
	sub := f.insertActiveSubscription(t)

	err := f.service.HandleEvent(context.Background(), dunningdomain.GatewayEvent{
		EventID:      "evt_fail",
		EventType:    dunningdomain.EventPaymentFailed,
		RestaurantID: sub.RestaurantID.String(),
	})
	if err != nil {
		t.Fatalf("failure event: %v", err)
	}

	// The sweep can fire early; the deadline check must hold the line.
	f.clock.Advance(3 * 24 * time.Hour)
	if err := f.service.OnGracePeriodExpired(context.Background(), sub.ID.String()); err != nil {
		t.Fatalf("early expiry: %v", err)
	}
	if status := f.subscriptionState(t, sub.ID).Status; status != subscriptiondomain.StatusPastDue {
		t.Fatalf("canceled before the deadline: %s", status)
	}

	f.clock.Advance(5 * 24 * time.Hour)
	if err := f.service.OnGracePeriodExpired(context.Background(), sub.ID.String()); err != nil {
		t.Fatalf("expiry: %v", err)
	}
	after := f.subscriptionState(t, sub.ID)
	if after.Status != subscriptiondomain.StatusCanceled {
		t.Fatalf("status %s, want CANCELED", after.Status)
	}
	if after.CanceledAt == nil {
		t.Fatalf("canceled_at not stamped")
	}
}

func TestLateGraceExpiryLosesToRecovery(t *testing.T) {
	f := setupDunningService(t)
	sub := f.insertActiveSubscription(t)

	err := f.service.HandleEvent(context.Background(), dunningdomain.GatewayEvent{
		EventID:      "evt_fail",
		EventType:    dunningdomain.EventPaymentFailed,
		RestaurantID: sub.RestaurantID.String(),
	})
	if err != nil {
		t.Fatalf("failure event: %v", err)
	}

	err = f.service.HandleEvent(context.Background(), dunningdomain.GatewayEvent{
		EventID:      "evt_recover",
		EventType:    dunningdomain.EventPaymentSucceeded,
		RestaurantID: sub.RestaurantID.String(),
	})
	if err != nil {
		t.Fatalf("recovery event: %v", err)
	}

	// A queued expiry job firing after recovery must not cancel.
	f.clock.Advance(10 * 24 * time.Hour)
	if err := f.service.OnGracePeriodExpired(context.Background(), sub.ID.String()); err != nil {
		t.Fatalf("late expiry: %v", err)
	}
	if status := f.subscriptionState(t, sub.ID).Status; status != subscriptiondomain.StatusActive {
		t.Fatalf("status %s, want ACTIVE", status)
	}
}
