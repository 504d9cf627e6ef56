package events

import (
	"context"
	"time"

	"github.com/platewise/billing/internal/config"
	obsmetrics "github.com/platewise/billing/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	DropOldest = "drop_oldest"
	DropNewest = "drop_newest"
)

type Outbox struct {
	ch         chan Event
	dropPolicy string
	log        *zap.Logger
	db         *gorm.DB
	metrics    *obsmetrics.Metrics
}

type OutboxParams struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Holder  *config.BillingConfigHolder
	Metrics *obsmetrics.Metrics `optional:"true"`
}

func NewOutbox(p OutboxParams) *Outbox {
	cfg := p.Holder.Get()
	capacity := cfg.OutboxCapacity
	if capacity <= 0 {
		capacity = 256
	}
	policy := cfg.OutboxDropPolicy
	if policy != DropNewest {
		policy = DropOldest
	}
	return &Outbox{
		ch:         make(chan Event, capacity),
		dropPolicy: policy,
		log:        p.Log.Named("events.outbox"),
		db:         p.DB,
		metrics:    p.Metrics,
	}
}

// Publish enqueues the event without blocking. When the buffer is full the
// configured drop policy decides which event is lost; the loss is counted.
func (o *Outbox) Publish(event Event) bool {
	if o == nil {
		return false
	}
	select {
	case o.ch <- event:
		return true
	default:
	}

	if o.dropPolicy == DropNewest {
		o.recordDrop(event)
		return false
	}

	select {
	case dropped := <-o.ch:
		o.recordDrop(dropped)
	default:
	}
	select {
	case o.ch <- event:
		return true
	default:
		o.recordDrop(event)
		return false
	}
}

// Run drains the channel into billing_events until the context ends.
func (o *Outbox) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			o.flush()
			return
		case event := <-o.ch:
			o.persist(ctx, event)
		}
	}
}

func (o *Outbox) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case event := <-o.ch:
			o.persist(ctx, event)
		default:
			return
		}
	}
}

func (o *Outbox) persist(ctx context.Context, event Event) {
	record := Record{
		ID:           event.ID,
		Type:         string(event.Type),
		RestaurantID: event.RestaurantID,
		OccurredAt:   event.OccurredAt,
		PersistedAt:  time.Now().UTC(),
	}
	if event.Payload != nil {
		record.Payload = datatypes.JSONMap(event.Payload)
	}
	if err := o.db.WithContext(ctx).Create(&record).Error; err != nil {
		o.log.Warn("persist event failed",
			zap.Error(err),
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
	}
}

func (o *Outbox) recordDrop(event Event) {
	if o.metrics != nil {
		o.metrics.OutboxDropped.Inc()
	}
	o.log.Warn("outbox full, event dropped",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
	)
}

var Module = fx.Module("events",
	fx.Provide(NewOutbox),
	fx.Invoke(func(lc fx.Lifecycle, outbox *Outbox) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					defer close(done)
					outbox.Run(ctx)
				}()
				return nil
			},
			OnStop: func(context.Context) error {
				cancel()
				<-done
				return nil
			},
		})
	}),
)
