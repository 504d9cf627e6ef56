package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/platewise/billing/internal/clock"
	"github.com/platewise/billing/internal/config"
	creditdomain "github.com/platewise/billing/internal/credit/domain"
	"github.com/platewise/billing/internal/events"
	invoicedomain "github.com/platewise/billing/internal/invoice/domain"
	obsmetrics "github.com/platewise/billing/internal/observability/metrics"
	plandomain "github.com/platewise/billing/internal/plan/domain"
	subscriptiondomain "github.com/platewise/billing/internal/subscription/domain"
	usagedomain "github.com/platewise/billing/internal/usage/domain"
	"github.com/platewise/billing/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID  *snowflake.Node
	clock  clock.Clock
	holder *config.BillingConfigHolder

	subrepo subscriptiondomain.Repository
	plansvc plandomain.Service
	outbox  *events.Outbox
	metrics *obsmetrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Holder *config.BillingConfigHolder

	Subrepo subscriptiondomain.Repository
	Plansvc plandomain.Service
	Outbox  *events.Outbox      `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("invoice.service"),

		genID:  p.GenID,
		clock:  p.Clock,
		holder: p.Holder,

		subrepo: p.Subrepo,
		plansvc: p.Plansvc,
		outbox:  p.Outbox,
		metrics: p.Metrics,
	}
}

// Generate compiles the invoice for one restaurant and period. Repeat calls
// with the same inputs return the already-compiled invoice unchanged: the
// insert races on the (subscription_id, period_start) unique index and the
// loser reads back the winner's row.
func (s *Service) Generate(ctx context.Context, req invoicedomain.GenerateRequest) (*invoicedomain.Invoice, error) {
	restaurantID, err := s.parseID(req.RestaurantID, subscriptiondomain.ErrInvalidRestaurant)
	if err != nil {
		return nil, err
	}
	periodStart := req.PeriodStart.UTC()

	var invoice *invoicedomain.Invoice
	var created bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.findSubscription(ctx, tx, restaurantID)
		if err != nil {
			return err
		}
		if subscription == nil {
			return invoicedomain.ErrNoSubscription
		}

		// Lock the subscription row so two compilers for the same period
		// serialize before the insert race.
		locked, err := s.subrepo.FindByIDForUpdate(ctx, tx, subscription.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return invoicedomain.ErrNoSubscription
		}

		existing, err := s.findByPeriod(ctx, tx, locked.ID, periodStart)
		if err != nil {
			return err
		}
		if existing != nil {
			invoice = existing
			return nil
		}

		plan, err := s.plansvc.GetByID(ctx, locked.PlanID.String())
		if err != nil {
			return err
		}

		usage, err := s.periodUsage(ctx, tx, locked, periodStart, plan)
		if err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		items, err := s.buildLineItems(ctx, tx, locked, plan, periodStart, usage, now)
		if err != nil {
			return err
		}

		var subtotal int64
		for i := range items {
			subtotal += items[i].AmountCents
		}
		cfg := s.holder.Get()
		tax := subtotal * int64(cfg.TaxBasisPoints) / 10000

		number, err := s.nextInvoiceNumber(ctx, tx, restaurantID)
		if err != nil {
			return err
		}

		candidate := &invoicedomain.Invoice{
			ID:             s.genID.Generate(),
			Number:         number,
			RestaurantID:   restaurantID,
			SubscriptionID: locked.ID,
			PlanID:         plan.ID,
			PeriodStart:    periodStart,
			PeriodEnd:      usage.PeriodEnd,
			Currency:       plan.Currency,
			SubtotalCents:  subtotal,
			TaxCents:       tax,
			TotalCents:     subtotal + tax,
			Status:         invoicedomain.StatusPending,
			IssuedAt:       now,
			DueAt:          now.Add(time.Duration(cfg.PaymentTermDays) * 24 * time.Hour),
			CreatedAt:      now,
			UpdatedAt:      now,
		}

		inserted, err := s.insertInvoice(ctx, tx, candidate)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := s.findByPeriod(ctx, tx, locked.ID, periodStart)
			if err != nil {
				return err
			}
			if existing == nil {
				return invoicedomain.ErrInvoiceNotFound
			}
			invoice = existing
			return nil
		}

		for i := range items {
			items[i].InvoiceID = candidate.ID
			if err := tx.WithContext(ctx).Create(&items[i]).Error; err != nil {
				return err
			}
		}
		invoice = candidate
		created = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created {
		if s.metrics != nil {
			s.metrics.InvoicesGenerated.Inc()
		}
		if s.outbox != nil {
			s.outbox.Publish(events.NewEvent(events.TypeInvoiceGenerated, restaurantID, map[string]any{
				"invoice_id":  invoice.ID.String(),
				"number":      invoice.Number,
				"total_cents": invoice.TotalCents,
			}, s.clock.Now()))
		}
		s.log.Info("invoice generated",
			zap.String("invoice_id", invoice.ID.String()),
			zap.Int64("number", invoice.Number),
			zap.Int64("total_cents", invoice.TotalCents),
		)
	}
	return invoice, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (*invoicedomain.Invoice, error) {
	invoiceID, err := s.parseID(id, invoicedomain.ErrInvalidInvoice)
	if err != nil {
		return nil, err
	}
	invoice, err := s.findByID(ctx, s.db, invoiceID, false)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return invoice, nil
}

func (s *Service) ListLineItems(ctx context.Context, invoiceID string) ([]invoicedomain.LineItem, error) {
	id, err := s.parseID(invoiceID, invoicedomain.ErrInvalidInvoice)
	if err != nil {
		return nil, err
	}
	var items []invoicedomain.LineItem
	err = s.db.WithContext(ctx).Raw(
		`SELECT id, invoice_id, source, description, quantity, unit_price_cents, amount_cents, created_at
		 FROM invoice_items WHERE invoice_id = ? ORDER BY id ASC`,
		id,
	).Scan(&items).Error
	return items, err
}

// MarkPaid settles a pending or failed invoice. Already paid is a no-op so
// webhook replays stay harmless.
func (s *Service) MarkPaid(ctx context.Context, id string) error {
	return s.updateStatus(ctx, id, invoicedomain.StatusPaid,
		invoicedomain.StatusPending, invoicedomain.StatusFailed)
}

func (s *Service) MarkFailed(ctx context.Context, id string) error {
	return s.updateStatus(ctx, id, invoicedomain.StatusFailed,
		invoicedomain.StatusPending)
}

func (s *Service) Void(ctx context.Context, id string) error {
	return s.updateStatus(ctx, id, invoicedomain.StatusVoid,
		invoicedomain.StatusPending, invoicedomain.StatusFailed)
}

func (s *Service) updateStatus(ctx context.Context, id string, target invoicedomain.Status, allowedFrom ...invoicedomain.Status) error {
	invoiceID, err := s.parseID(id, invoicedomain.ErrInvalidInvoice)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.findByID(ctx, tx, invoiceID, true)
		if err != nil {
			return err
		}
		if invoice == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		if invoice.Status == target {
			return nil
		}

		allowed := false
		for _, from := range allowedFrom {
			if invoice.Status == from {
				allowed = true
				break
			}
		}
		if !allowed {
			return invoicedomain.ErrInvalidStatusChange
		}

		now := s.clock.Now().UTC()
		var paidAt, failedAt, voidedAt *time.Time
		paidAt, failedAt, voidedAt = invoice.PaidAt, invoice.FailedAt, invoice.VoidedAt
		switch target {
		case invoicedomain.StatusPaid:
			paidAt = &now
		case invoicedomain.StatusFailed:
			failedAt = &now
		case invoicedomain.StatusVoid:
			voidedAt = &now
		}

		return tx.WithContext(ctx).Exec(
			`UPDATE invoices
			 SET status = ?, paid_at = ?, failed_at = ?, voided_at = ?, updated_at = ?
			 WHERE id = ?`,
			target, paidAt, failedAt, voidedAt, now, invoiceID,
		).Error
	})
}

// periodUsage resolves the usage figures for the billed period: the archived
// snapshot when the period has rolled over, the live counters when the period
// is still open.
type periodFigures struct {
	PeriodEnd    time.Time
	Units        int64
	Quota        int64
	OverageCents int64
}

func (s *Service) periodUsage(ctx context.Context, tx *gorm.DB, subscription *subscriptiondomain.Subscription, periodStart time.Time, plan *plandomain.Plan) (periodFigures, error) {
	var snapshot usagedomain.PeriodUsage
	err := tx.WithContext(ctx).Raw(
		`SELECT id, subscription_id, restaurant_id, period_start, period_end,
		 units_consumed, overage_cents, quota_at_close, created_at
		 FROM period_usage WHERE subscription_id = ? AND period_start = ?`,
		subscription.ID,
		periodStart,
	).Scan(&snapshot).Error
	if err != nil {
		return periodFigures{}, err
	}
	if snapshot.ID != 0 {
		return periodFigures{
			PeriodEnd:    snapshot.PeriodEnd,
			Units:        snapshot.UnitsConsumed,
			Quota:        snapshot.QuotaAtClose,
			OverageCents: snapshot.OverageCents,
		}, nil
	}
	if subscription.CurrentPeriodStart.Equal(periodStart) {
		return periodFigures{
			PeriodEnd:    subscription.CurrentPeriodEnd,
			Units:        subscription.UnitsConsumed,
			Quota:        subscription.EffectiveQuota(plan.MonthlyQuota),
			OverageCents: subscription.OverageCents,
		}, nil
	}
	return periodFigures{
		PeriodEnd: subscriptiondomain.AddBillingMonth(periodStart),
		Quota:     plan.MonthlyQuota,
	}, nil
}

func (s *Service) buildLineItems(ctx context.Context, tx *gorm.DB, subscription *subscriptiondomain.Subscription, plan *plandomain.Plan, periodStart time.Time, usage periodFigures, now time.Time) ([]invoicedomain.LineItem, error) {
	items := []invoicedomain.LineItem{{
		ID:             s.genID.Generate(),
		Source:         invoicedomain.SourceSubscriptionFee,
		Description:    plan.Name,
		Quantity:       1,
		UnitPriceCents: plan.MonthlyPriceCents,
		AmountCents:    plan.MonthlyPriceCents,
		CreatedAt:      now,
	}}

	if overageUnits := usage.Units - usage.Quota; overageUnits > 0 && usage.OverageCents > 0 {
		items = append(items, invoicedomain.LineItem{
			ID:             s.genID.Generate(),
			Source:         invoicedomain.SourceOverage,
			Description:    fmt.Sprintf("Usage beyond %d included units", usage.Quota),
			Quantity:       overageUnits,
			UnitPriceCents: usage.OverageCents / overageUnits,
			AmountCents:    usage.OverageCents,
			CreatedAt:      now,
		})
	}

	var purchases []creditdomain.Batch
	err := tx.WithContext(ctx).Raw(
		`SELECT id, restaurant_id, credit_type, purchased, used, remaining,
		 unit_price_cents, source, purchased_at, expires_at, created_at, updated_at
		 FROM credit_batches
		 WHERE restaurant_id = ? AND source = ? AND purchased_at >= ? AND purchased_at < ?
		 ORDER BY purchased_at ASC`,
		subscription.RestaurantID,
		creditdomain.SourcePurchase,
		periodStart,
		usage.PeriodEnd,
	).Scan(&purchases).Error
	if err != nil {
		return nil, err
	}
	for i := range purchases {
		items = append(items, invoicedomain.LineItem{
			ID:             s.genID.Generate(),
			Source:         invoicedomain.SourceCreditPurchase,
			Description:    fmt.Sprintf("%d %s credits", purchases[i].Purchased, purchases[i].CreditType),
			Quantity:       purchases[i].Purchased,
			UnitPriceCents: purchases[i].UnitPriceCents,
			AmountCents:    purchases[i].Purchased * purchases[i].UnitPriceCents,
			CreatedAt:      now,
		})
	}
	return items, nil
}

func (s *Service) nextInvoiceNumber(ctx context.Context, tx *gorm.DB, restaurantID snowflake.ID) (int64, error) {
	var current int64
	err := tx.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(number), 0) FROM invoices WHERE restaurant_id = ?`,
		restaurantID,
	).Scan(&current).Error
	if err != nil {
		return 0, err
	}
	return current + 1, nil
}

func (s *Service) insertInvoice(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice) (bool, error) {
	const columns = `(id, number, restaurant_id, subscription_id, plan_id, period_start, period_end,
		 currency, subtotal_cents, tax_cents, discount_cents, total_cents, status,
		 issued_at, due_at, created_at, updated_at)`

	var stmt string
	switch tx.Dialector.Name() {
	case "mysql":
		stmt = `INSERT IGNORE INTO invoices ` + columns + ` VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	default:
		stmt = `INSERT INTO invoices ` + columns + ` VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (subscription_id, period_start) DO NOTHING`
	}
	res := tx.WithContext(ctx).Exec(stmt,
		invoice.ID,
		invoice.Number,
		invoice.RestaurantID,
		invoice.SubscriptionID,
		invoice.PlanID,
		invoice.PeriodStart,
		invoice.PeriodEnd,
		invoice.Currency,
		invoice.SubtotalCents,
		invoice.TaxCents,
		invoice.DiscountCents,
		invoice.TotalCents,
		invoice.Status,
		invoice.IssuedAt,
		invoice.DueAt,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

const invoiceColumns = `id, number, restaurant_id, subscription_id, plan_id, period_start, period_end,
	 currency, subtotal_cents, tax_cents, discount_cents, total_cents, status,
	 issued_at, due_at, paid_at, failed_at, voided_at, created_at, updated_at`

func (s *Service) findByID(ctx context.Context, database *gorm.DB, id snowflake.ID, forUpdate bool) (*invoicedomain.Invoice, error) {
	suffix := ""
	if forUpdate {
		suffix = db.LockSuffix(database)
	}
	var invoice invoicedomain.Invoice
	err := database.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`+suffix,
		id,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (s *Service) findByPeriod(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := tx.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+` FROM invoices WHERE subscription_id = ? AND period_start = ?`,
		subscriptionID,
		periodStart,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (s *Service) findSubscription(ctx context.Context, tx *gorm.DB, restaurantID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	subscription, err := s.subrepo.FindNonTerminalByRestaurantID(ctx, tx, restaurantID)
	if err != nil {
		return nil, err
	}
	if subscription != nil {
		return subscription, nil
	}
	// Canceled subscriptions still get their final invoice.
	var latest subscriptiondomain.Subscription
	err = tx.WithContext(ctx).Raw(
		`SELECT id FROM subscriptions WHERE restaurant_id = ? ORDER BY created_at DESC LIMIT 1`,
		restaurantID,
	).Scan(&latest).Error
	if err != nil {
		return nil, err
	}
	if latest.ID == 0 {
		return nil, nil
	}
	return s.subrepo.FindByID(ctx, tx, latest.ID)
}

func (s *Service) parseID(value string, invalidErr error) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, invalidErr
	}
	return id, nil
}
