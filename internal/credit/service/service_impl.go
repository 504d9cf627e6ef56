package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/platewise/billing/internal/clock"
	creditdomain "github.com/platewise/billing/internal/credit/domain"
	"github.com/platewise/billing/internal/events"
	obsmetrics "github.com/platewise/billing/internal/observability/metrics"
	"github.com/platewise/billing/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID   *snowflake.Node
	clock   clock.Clock
	outbox  *events.Outbox
	metrics *obsmetrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock

	Outbox  *events.Outbox      `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) creditdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("credit.service"),

		genID:   p.GenID,
		clock:   p.Clock,
		outbox:  p.Outbox,
		metrics: p.Metrics,
	}
}

// Purchase appends a new batch to the restaurant's ledger. Batches are never
// mutated except through consumption; the purchase itself shows up on the next
// invoice as a credit_purchase line.
func (s *Service) Purchase(ctx context.Context, req creditdomain.PurchaseRequest) (*creditdomain.Batch, error) {
	restaurantID, err := s.parseID(req.RestaurantID)
	if err != nil {
		return nil, err
	}
	creditType := strings.TrimSpace(req.CreditType)
	if creditType == "" {
		return nil, creditdomain.ErrInvalidCreditType
	}
	if req.Amount <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}

	now := s.clock.Now().UTC()
	batch := &creditdomain.Batch{
		ID:             s.genID.Generate(),
		RestaurantID:   restaurantID,
		CreditType:     creditType,
		Purchased:      req.Amount,
		Remaining:      req.Amount,
		UnitPriceCents: req.UnitPriceCents,
		Source:         creditdomain.SourcePurchase,
		PurchasedAt:    now,
		ExpiresAt:      req.ExpiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.WithContext(ctx).Create(batch).Error; err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.CreditsPurchased.WithLabelValues(creditType).Add(float64(req.Amount))
	}
	if s.outbox != nil {
		s.outbox.Publish(events.NewEvent(events.TypeCreditsPurchased, restaurantID, map[string]any{
			"batch_id":    batch.ID.String(),
			"credit_type": creditType,
			"amount":      req.Amount,
		}, now))
	}
	return batch, nil
}

// Grant inserts a plan-included batch inside the caller's transaction.
func (s *Service) Grant(ctx context.Context, tx *gorm.DB, req creditdomain.GrantRequest) error {
	restaurantID, err := s.parseID(req.RestaurantID)
	if err != nil {
		return err
	}
	creditType := strings.TrimSpace(req.CreditType)
	if creditType == "" {
		return creditdomain.ErrInvalidCreditType
	}
	if req.Amount <= 0 {
		return creditdomain.ErrInvalidAmount
	}

	now := s.clock.Now().UTC()
	batch := &creditdomain.Batch{
		ID:           s.genID.Generate(),
		RestaurantID: restaurantID,
		CreditType:   creditType,
		Purchased:    req.Amount,
		Remaining:    req.Amount,
		Source:       creditdomain.SourcePlanGrant,
		PurchasedAt:  now,
		ExpiresAt:    req.ExpiresAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return tx.WithContext(ctx).Create(batch).Error
}

// Consume drains the requested amount oldest purchase first. The whole
// operation runs in one transaction against locked batches: when the
// non-expired balance cannot cover the amount, nothing is deducted.
func (s *Service) Consume(ctx context.Context, req creditdomain.ConsumeRequest) (creditdomain.ConsumeResult, error) {
	restaurantID, err := s.parseID(req.RestaurantID)
	if err != nil {
		return creditdomain.ConsumeResult{}, err
	}
	creditType := strings.TrimSpace(req.CreditType)
	if creditType == "" {
		return creditdomain.ConsumeResult{}, creditdomain.ErrInvalidCreditType
	}
	if req.Amount <= 0 {
		return creditdomain.ConsumeResult{}, creditdomain.ErrInvalidAmount
	}

	var result creditdomain.ConsumeResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now().UTC()

		var batches []creditdomain.Batch
		err := tx.WithContext(ctx).Raw(
			`SELECT id, restaurant_id, credit_type, purchased, used, remaining,
			 unit_price_cents, source, purchased_at, expires_at, created_at, updated_at
			 FROM credit_batches
			 WHERE restaurant_id = ? AND credit_type = ? AND remaining > 0
			   AND (expires_at IS NULL OR expires_at > ?)
			 ORDER BY purchased_at ASC, id ASC`+db.LockSuffix(tx),
			restaurantID,
			creditType,
			now,
		).Scan(&batches).Error
		if err != nil {
			return err
		}

		var available int64
		for i := range batches {
			available += batches[i].Remaining
		}
		if available < req.Amount {
			return creditdomain.ErrInsufficientCredits
		}

		left := req.Amount
		for i := range batches {
			if left == 0 {
				break
			}
			take := batches[i].Remaining
			if take > left {
				take = left
			}

			// The used + take <= purchased guard backstops the row lock: a
			// racing writer that slipped past it zeroes RowsAffected and the
			// whole consume rolls back untouched.
			res := tx.WithContext(ctx).Exec(
				`UPDATE credit_batches
				 SET used = used + ?, remaining = remaining - ?, updated_at = ?
				 WHERE id = ? AND used + ? <= purchased`,
				take,
				take,
				now,
				batches[i].ID,
				take,
			)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return creditdomain.ErrBatchConflict
			}
			left -= take
			result.Batches++
		}
		result.Consumed = req.Amount
		return nil
	})
	if err != nil {
		return creditdomain.ConsumeResult{}, err
	}

	if s.metrics != nil {
		s.metrics.CreditsConsumed.WithLabelValues(creditType).Add(float64(req.Amount))
	}
	if s.outbox != nil {
		s.outbox.Publish(events.NewEvent(events.TypeCreditsConsumed, restaurantID, map[string]any{
			"credit_type": creditType,
			"amount":      req.Amount,
			"batches":     result.Batches,
		}, s.clock.Now()))
	}
	return result, nil
}

// Balance sums the non-expired remaining credits of one type.
func (s *Service) Balance(ctx context.Context, restaurantID, creditType string) (int64, error) {
	id, err := s.parseID(restaurantID)
	if err != nil {
		return 0, err
	}
	creditType = strings.TrimSpace(creditType)
	if creditType == "" {
		return 0, creditdomain.ErrInvalidCreditType
	}

	var balance int64
	err = s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(remaining), 0) FROM credit_batches
		 WHERE restaurant_id = ? AND credit_type = ?
		   AND (expires_at IS NULL OR expires_at > ?)`,
		id,
		creditType,
		s.clock.Now().UTC(),
	).Scan(&balance).Error
	return balance, err
}

func (s *Service) ListBatches(ctx context.Context, restaurantID, creditType string) ([]creditdomain.Batch, error) {
	id, err := s.parseID(restaurantID)
	if err != nil {
		return nil, err
	}
	creditType = strings.TrimSpace(creditType)
	if creditType == "" {
		return nil, creditdomain.ErrInvalidCreditType
	}

	var batches []creditdomain.Batch
	err = s.db.WithContext(ctx).Raw(
		`SELECT id, restaurant_id, credit_type, purchased, used, remaining,
		 unit_price_cents, source, purchased_at, expires_at, created_at, updated_at
		 FROM credit_batches
		 WHERE restaurant_id = ? AND credit_type = ?
		 ORDER BY purchased_at ASC, id ASC`,
		id,
		creditType,
	).Scan(&batches).Error
	return batches, err
}

func (s *Service) parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, creditdomain.ErrInvalidRestaurant
	}
	return id, nil
}
