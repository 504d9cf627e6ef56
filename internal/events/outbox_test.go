package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/platewise/billing/internal/config"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openEventDB(t *testing.T) *gorm.DB {
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

	err = db.Exec(`CREATE TABLE billing_events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		restaurant_id INTEGER NOT NULL,
		payload TEXT,
		occurred_at DATETIME NOT NULL,
		persisted_at DATETIME NOT NULL
	)`).Error
	if err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return db
}

func newTestOutbox(t *testing.T, db *gorm.DB, capacity int, policy string) *Outbox {
	t.Helper()
	billing := config.DefaultBillingConfig()
	billing.OutboxCapacity = capacity
	billing.OutboxDropPolicy = policy
	return NewOutbox(OutboxParams{
		DB:     db,
		Log:    zap.NewNop(),
		Holder: config.NewStaticBillingConfigHolder(billing),
	})
}

func TestRunPersistsPublishedEvents(t *testing.T) {
	db := openEventDB(t)
	outbox := newTestOutbox(t, db, 8, DropOldest)

	restaurantID := snowflake.ID(42)
	at := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	if !outbox.Publish(NewEvent(TypeUsageRecorded, restaurantID, map[string]any{"units": int64(3)}, at)) {
		t.Fatalf("publish refused with room to spare")
	}
	if !outbox.Publish(NewEvent(TypeInvoiceGenerated, restaurantID, nil, at)) {
		t.Fatalf("publish refused with room to spare")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		outbox.Run(ctx)
	}()
	cancel()
	<-done

	var count int64
	if err := db.Raw(`SELECT COUNT(*) FROM billing_events`).Scan(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 2 {
		t.Fatalf("persisted %d events, want 2", count)
	}

	var types []string
	if err := db.Raw(`SELECT type FROM billing_events ORDER BY persisted_at, id`).Scan(&types).Error; err != nil {
		t.Fatalf("read types: %v", err)
	}
	seen := map[string]bool{}
	for _, eventType := range types {
		seen[eventType] = true
	}
	if !seen[string(TypeUsageRecorded)] || !seen[string(TypeInvoiceGenerated)] {
		t.Fatalf("unexpected event types: %v", types)
	}
}

func TestDropOldestKeepsNewestUnderBackpressure(t *testing.T) {
	db := openEventDB(t)
	outbox := newTestOutbox(t, db, 2, DropOldest)

	restaurantID := snowflake.ID(7)
	at := time.Now()
	first := NewEvent(TypeUsageRecorded, restaurantID, nil, at)
	second := NewEvent(TypeUsageRecorded, restaurantID, nil, at)
	third := NewEvent(TypeUsageRecorded, restaurantID, nil, at)

	outbox.Publish(first)
	outbox.Publish(second)
	if !outbox.Publish(third) {
		t.Fatalf("drop_oldest must accept the newest event")
	}

	got := []string{(<-outbox.ch).ID, (<-outbox.ch).ID}
	if got[0] != second.ID || got[1] != third.ID {
		t.Fatalf("buffered %v, want [%s %s]", got, second.ID, third.ID)
	}
}

func TestDropNewestRefusesWhenFull(t *testing.T) {
	db := openEventDB(t)
	outbox := newTestOutbox(t, db, 2, DropNewest)

	restaurantID := snowflake.ID(7)
	at := time.Now()
	first := NewEvent(TypeUsageRecorded, restaurantID, nil, at)
	second := NewEvent(TypeUsageRecorded, restaurantID, nil, at)
	third := NewEvent(TypeUsageRecorded, restaurantID, nil, at)

	outbox.Publish(first)
	outbox.Publish(second)
	if outbox.Publish(third) {
		t.Fatalf("drop_newest must refuse when the buffer is full")
	}

	got := []string{(<-outbox.ch).ID, (<-outbox.ch).ID}
	if got[0] != first.ID || got[1] != second.ID {
		t.Fatalf("buffered %v, want [%s %s]", got, first.ID, second.ID)
	}
}

func TestPublishOnNilOutboxIsSafe(t *testing.T) {
	var outbox *Outbox
	if outbox.Publish(NewEvent(TypeUsageRecorded, 1, nil, time.Now())) {
		t.Fatalf("nil outbox accepted an event")
	}
}
