package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/platewise/billing/internal/clock"
	dunningdomain "github.com/platewise/billing/internal/dunning/domain"
	"github.com/platewise/billing/internal/events"
	invoicedomain "github.com/platewise/billing/internal/invoice/domain"
	subscriptiondomain "github.com/platewise/billing/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clock clock.Clock

	subsvc     subscriptiondomain.Service
	invoicesvc invoicedomain.Service
	outbox     *events.Outbox
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock

	Subsvc     subscriptiondomain.Service
	Invoicesvc invoicedomain.Service
	Outbox     *events.Outbox `optional:"true"`
}

func NewService(p ServiceParam) dunningdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("dunning.service"),

		genID: p.GenID,
		clock: p.Clock,

		subsvc:     p.Subsvc,
		invoicesvc: p.Invoicesvc,
		outbox:     p.Outbox,
	}
}

// HandleEvent deduplicates the delivery on the provider event ID, then runs
// the matching reaction. The delivery row is marked processed only after the
// reaction succeeds: a reaction that fails leaves the row unprocessed, and the
// provider's next redelivery of the same event runs it again. Only a delivery
// that was already processed is ignored as a replay.
func (s *Service) HandleEvent(ctx context.Context, event dunningdomain.GatewayEvent) error {
	eventID := strings.TrimSpace(event.EventID)
	if eventID == "" {
		return dunningdomain.ErrInvalidEvent
	}
	restaurantID, err := snowflake.ParseString(strings.TrimSpace(event.RestaurantID))
	if err != nil || restaurantID == 0 {
		return dunningdomain.ErrInvalidEvent
	}

	switch event.EventType {
	case dunningdomain.EventPaymentFailed, dunningdomain.EventPaymentSucceeded:
	default:
		return dunningdomain.ErrUnknownEventType
	}

	inserted, err := s.recordDelivery(ctx, eventID, event.EventType, restaurantID, event.InvoiceID)
	if err != nil {
		return err
	}
	if !inserted {
		processed, err := s.deliveryProcessed(ctx, eventID)
		if err != nil {
			return err
		}
		if processed {
			s.log.Debug("webhook replay ignored", zap.String("event_id", eventID))
			return nil
		}
	}

	switch event.EventType {
	case dunningdomain.EventPaymentFailed:
		err = s.OnPaymentFailed(ctx, event.RestaurantID, event.InvoiceID)
	default:
		err = s.OnPaymentRecovered(ctx, event.RestaurantID, event.InvoiceID)
	}
	if err != nil {
		return err
	}
	return s.markDeliveryProcessed(ctx, eventID)
}

// OnPaymentFailed marks the invoice FAILED and moves the subscription to
// PAST_DUE, which opens its grace window. Repeats settle into no-ops.
func (s *Service) OnPaymentFailed(ctx context.Context, restaurantID, invoiceID string) error {
	if invoiceID != "" {
		err := s.invoicesvc.MarkFailed(ctx, invoiceID)
		if err != nil && !errors.Is(err, invoicedomain.ErrInvalidStatusChange) {
			return err
		}
	}

	subscription, err := s.subsvc.GetByRestaurantID(ctx, restaurantID)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
			return nil
		}
		return err
	}
	if subscription.Status.Terminal() || subscription.Status == subscriptiondomain.StatusIncomplete {
		return nil
	}

	if subscription.Status != subscriptiondomain.StatusPastDue {
		err = s.subsvc.Transition(ctx, subscription.ID.String(), subscriptiondomain.StatusPastDue, subscriptiondomain.ReasonPaymentFailed)
		if err != nil {
			return err
		}
	}

	if s.outbox != nil {
		s.outbox.Publish(events.NewEvent(events.TypePaymentFailed, subscription.RestaurantID, map[string]any{
			"subscription_id": subscription.ID.String(),
			"invoice_id":      invoiceID,
		}, s.clock.Now()))
	}
	return nil
}

// OnPaymentRecovered settles the invoice and restores a past-due
// subscription to ACTIVE, clearing its grace window.
func (s *Service) OnPaymentRecovered(ctx context.Context, restaurantID, invoiceID string) error {
	if invoiceID != "" {
		err := s.invoicesvc.MarkPaid(ctx, invoiceID)
		if err != nil && !errors.Is(err, invoicedomain.ErrInvalidStatusChange) {
			return err
		}
	}

	subscription, err := s.subsvc.GetByRestaurantID(ctx, restaurantID)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
			return nil
		}
		return err
	}
	if subscription.Status != subscriptiondomain.StatusPastDue {
		return nil
	}

	err = s.subsvc.Transition(ctx, subscription.ID.String(), subscriptiondomain.StatusActive, subscriptiondomain.ReasonPaymentRecovered)
	if err != nil {
		return err
	}

	if s.outbox != nil {
		s.outbox.Publish(events.NewEvent(events.TypePaymentRecovered, subscription.RestaurantID, map[string]any{
			"subscription_id": subscription.ID.String(),
			"invoice_id":      invoiceID,
		}, s.clock.Now()))
	}
	return nil
}

// OnGracePeriodExpired cancels a past-due subscription whose grace window has
// closed. The transition re-checks both conditions under the row lock, so a
// payment that recovered the subscription in the meantime wins.
func (s *Service) OnGracePeriodExpired(ctx context.Context, subscriptionID string) error {
	err := s.subsvc.Transition(ctx, subscriptionID, subscriptiondomain.StatusCanceled, subscriptiondomain.ReasonGraceExpired)
	if err != nil && !errors.Is(err, subscriptiondomain.ErrInvalidTransition) {
		return err
	}
	return nil
}

func (s *Service) recordDelivery(ctx context.Context, eventID, eventType string, restaurantID snowflake.ID, invoiceID string) (bool, error) {
	record := dunningdomain.WebhookEvent{
		ID:           s.genID.Generate(),
		EventID:      eventID,
		EventType:    eventType,
		RestaurantID: restaurantID,
		InvoiceID:    invoiceID,
		ReceivedAt:   s.clock.Now().UTC(),
	}

	var stmt string
	switch s.db.Dialector.Name() {
	case "mysql":
		stmt = `INSERT IGNORE INTO webhook_events
			 (id, event_id, event_type, restaurant_id, invoice_id, received_at)
			 VALUES (?, ?, ?, ?, ?, ?)`
	default:
		stmt = `INSERT INTO webhook_events
			 (id, event_id, event_type, restaurant_id, invoice_id, received_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (event_id) DO NOTHING`
	}
	res := s.db.WithContext(ctx).Exec(stmt,
		record.ID,
		record.EventID,
		record.EventType,
		record.RestaurantID,
		record.InvoiceID,
		record.ReceivedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Service) deliveryProcessed(ctx context.Context, eventID string) (bool, error) {
	var row struct {
		ID          snowflake.ID
		ProcessedAt *time.Time
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, processed_at FROM webhook_events WHERE event_id = ?`,
		eventID,
	).Scan(&row).Error
	if err != nil {
		return false, err
	}
	return row.ProcessedAt != nil, nil
}

func (s *Service) markDeliveryProcessed(ctx context.Context, eventID string) error {
	return s.db.WithContext(ctx).Exec(
		`UPDATE webhook_events SET processed_at = ? WHERE event_id = ? AND processed_at IS NULL`,
		s.clock.Now().UTC(),
		eventID,
	).Error
}
