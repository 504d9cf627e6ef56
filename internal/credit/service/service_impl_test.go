package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/platewise/billing/internal/clock"
	creditdomain "github.com/platewise/billing/internal/credit/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type creditFixture struct {
	service creditdomain.Service
	db      *gorm.DB
	node    *snowflake.Node
	clock   *clock.FakeClock
}

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

func setupCreditService(t *testing.T) *creditFixture {
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

	err = db.Exec(`CREATE TABLE credit_batches (
		id INTEGER PRIMARY KEY,
		restaurant_id INTEGER NOT NULL,
		credit_type TEXT NOT NULL,
		purchased INTEGER NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		remaining INTEGER NOT NULL,
		unit_price_cents INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT 'purchase',
		purchased_at DATETIME NOT NULL,
		expires_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`).Error
	if err != nil {
		t.Fatalf("create schema: %v", err)
	}

	node := mustNode(t)
	fakeClock := clock.NewFakeClock(time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC))

	service := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: fakeClock,
	})

	return &creditFixture{service: service, db: db, node: node, clock: fakeClock}
}

func (f *creditFixture) purchase(t *testing.T, restaurantID snowflake.ID, amount int64) *creditdomain.Batch {
	t.Helper()
	batch, err := f.service.Purchase(context.Background(), creditdomain.PurchaseRequest{
		RestaurantID:   restaurantID.String(),
		CreditType:     "content_generation",
		Amount:         amount,
		UnitPriceCents: 10,
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	return batch
}

func (f *creditFixture) batchState(t *testing.T, id snowflake.ID) (used, remaining int64) {
	t.Helper()
	row := struct {
		Used      int64
		Remaining int64
	}{}
	err := f.db.Raw(`SELECT used, remaining FROM credit_batches WHERE id = ?`, id).Scan(&row).Error
	if err != nil {
		t.Fatalf("batch state: %v", err)
	}
	return row.Used, row.Remaining
}

func TestConsumeDrainsOldestFirst(t *testing.T) {
	f := setupCreditService(t)
	restaurantID := f.node.Generate()

	first := f.purchase(t, restaurantID, 50)
	f.clock.Advance(time.Hour)
	second := f.purchase(t, restaurantID, 30)

	result, err := f.service.Consume(context.Background(), creditdomain.ConsumeRequest{
		RestaurantID: restaurantID.String(),
		CreditType:   "content_generation",
		Amount:       60,
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if result.Consumed != 60 || result.Batches != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}

	used, remaining := f.batchState(t, first.ID)
	if used != 50 || remaining != 0 {
		t.Fatalf("oldest batch %d/%d, want 50/0", used, remaining)
	}
	used, remaining = f.batchState(t, second.ID)
	if used != 10 || remaining != 20 {
		t.Fatalf("newest batch %d/%d, want 10/20", used, remaining)
	}
}

func TestConsumeInsufficientIsAllOrNothing(t *testing.T) {
	f := setupCreditService(t)
	restaurantID := f.node.Generate()

	first := f.purchase(t, restaurantID, 50)
	second := f.purchase(t, restaurantID, 30)

	_, err := f.service.Consume(context.Background(), creditdomain.ConsumeRequest{
		RestaurantID: restaurantID.String(),
		CreditType:   "content_generation",
		Amount:       100,
	})
	if err != creditdomain.ErrInsufficientCredits {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	if used, remaining := f.batchState(t, first.ID); used != 0 || remaining != 50 {
		t.Fatalf("first batch touched: %d/%d", used, remaining)
	}
	if used, remaining := f.batchState(t, second.ID); used != 0 || remaining != 30 {
		t.Fatalf("second batch touched: %d/%d", used, remaining)
	}

	balance, err := f.service.Balance(context.Background(), restaurantID.String(), "content_generation")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 80 {
		t.Fatalf("balance %d, want 80", balance)
	}
}

func TestConsumeSkipsExpiredBatches(t *testing.T) {
	f := setupCreditService(t)
	restaurantID := f.node.Generate()

	expiry := f.clock.Now().Add(time.Hour)
	_, err := f.service.Purchase(context.Background(), creditdomain.PurchaseRequest{
		RestaurantID: restaurantID.String(),
		CreditType:   "content_generation",
		Amount:       100,
		ExpiresAt:    &expiry,
	})
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	fresh := f.purchase(t, restaurantID, 40)

	f.clock.Advance(2 * time.Hour)

	result, err := f.service.Consume(context.Background(), creditdomain.ConsumeRequest{
		RestaurantID: restaurantID.String(),
		CreditType:   "content_generation",
		Amount:       30,
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if result.Batches != 1 {
		t.Fatalf("expired batch was drained: %+v", result)
	}
	if used, remaining := f.batchState(t, fresh.ID); used != 30 || remaining != 10 {
		t.Fatalf("fresh batch %d/%d, want 30/10", used, remaining)
	}

	balance, err := f.service.Balance(context.Background(), restaurantID.String(), "content_generation")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 10 {
		t.Fatalf("balance %d, want 10 (expired batch excluded)", balance)
	}
}

func TestConsumeConcurrentOnlyOneWins(t *testing.T) {
	f := setupCreditService(t)
	restaurantID := f.node.Generate()
	f.purchase(t, restaurantID, 50)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.Consume(context.Background(), creditdomain.ConsumeRequest{
				RestaurantID: restaurantID.String(),
				CreditType:   "content_generation",
				Amount:       30,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var failures int
	for err := range errs {
		if err != nil {
			if err != creditdomain.ErrInsufficientCredits {
				t.Fatalf("unexpected error: %v", err)
			}
			failures++
		}
	}
	if failures != 1 {
		t.Fatalf("expected exactly one losing consume, got %d failures", failures)
	}

	balance, err := f.service.Balance(context.Background(), restaurantID.String(), "content_generation")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 20 {
		t.Fatalf("balance %d, want 20", balance)
	}
}

func TestConsumeSeparatesCreditTypes(t *testing.T) {
	f := setupCreditService(t)
	restaurantID := f.node.Generate()
	f.purchase(t, restaurantID, 50)

	_, err := f.service.Consume(context.Background(), creditdomain.ConsumeRequest{
		RestaurantID: restaurantID.String(),
		CreditType:   "image_generation",
		Amount:       10,
	})
	if err != creditdomain.ErrInsufficientCredits {
		t.Fatalf("expected ErrInsufficientCredits for other type, got %v", err)
	}
}

func TestGrantInsertsWithinTransaction(t *testing.T) {
	f := setupCreditService(t)
	restaurantID := f.node.Generate()

	err := f.db.Transaction(func(tx *gorm.DB) error {
		return f.service.Grant(context.Background(), tx, creditdomain.GrantRequest{
			RestaurantID: restaurantID.String(),
			CreditType:   "content_generation",
			Amount:       25,
		})
	})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}

	balance, err := f.service.Balance(context.Background(), restaurantID.String(), "content_generation")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 25 {
		t.Fatalf("balance %d, want 25", balance)
	}

	batches, err := f.service.ListBatches(context.Background(), restaurantID.String(), "content_generation")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(batches) != 1 || batches[0].Source != creditdomain.SourcePlanGrant {
		t.Fatalf("unexpected batches: %+v", batches)
	}
}
