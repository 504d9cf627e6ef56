// Package scheduler runs the periodic sweeps that keep the ledger moving when
// no usage or webhook arrives: period rollover, invoice compilation, grace
// expiry and stale checkout cleanup.
package scheduler

import (
	"context"

	"github.com/platewise/billing/internal/clock"
	"github.com/platewise/billing/internal/config"
	dunningdomain "github.com/platewise/billing/internal/dunning/domain"
	invoicedomain "github.com/platewise/billing/internal/invoice/domain"
	subscriptiondomain "github.com/platewise/billing/internal/subscription/domain"
	usagedomain "github.com/platewise/billing/internal/usage/domain"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	sweepBatchSize   = 500
	sweepConcurrency = 8
)

type Scheduler struct {
	cron *cron.Cron
	db   *gorm.DB
	log  *zap.Logger

	clock   clock.Clock
	subrepo subscriptiondomain.Repository

	subsvc     subscriptiondomain.Service
	usagesvc   usagedomain.Service
	invoicesvc invoicedomain.Service
	dunningsvc dunningdomain.Service
}

type Param struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Subrepo subscriptiondomain.Repository

	Subsvc     subscriptiondomain.Service
	Usagesvc   usagedomain.Service
	Invoicesvc invoicedomain.Service
	Dunningsvc dunningdomain.Service
}

func New(p Param) *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		db:   p.DB,
		log:  p.Log.Named("scheduler"),

		clock:   p.Clock,
		subrepo: p.Subrepo,

		subsvc:     p.Subsvc,
		usagesvc:   p.Usagesvc,
		invoicesvc: p.Invoicesvc,
		dunningsvc: p.Dunningsvc,
	}
}

func (s *Scheduler) Start() error {
	jobs := []struct {
		spec string
		name string
		run  func(context.Context) error
	}{
		{"@every 15m", "rollover", s.RunRolloverSweep},
		{"@every 15m", "grace", s.RunGraceSweep},
		{"@every 1h", "checkout", s.RunCheckoutSweep},
	}
	for _, job := range jobs {
		job := job
		_, err := s.cron.AddFunc(job.spec, func() {
			if err := job.run(context.Background()); err != nil {
				s.log.Error("sweep failed", zap.String("sweep", job.name), zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunRolloverSweep closes every billing period whose end has passed and
// compiles the invoice for the period that just closed.
func (s *Scheduler) RunRolloverSweep(ctx context.Context) error {
	now := s.clock.Now().UTC()
	due, err := s.subrepo.ListDueForRollover(ctx, s.db, now, sweepBatchSize)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for i := range due {
		subscription := due[i]
		g.Go(func() error {
			closedPeriodStart := subscription.CurrentPeriodStart
			rolled, err := s.usagesvc.Rollover(gctx, subscription.ID.String())
			if err != nil {
				s.log.Warn("rollover failed",
					zap.String("subscription_id", subscription.ID.String()),
					zap.Error(err),
				)
				return nil
			}
			if !rolled {
				return nil
			}
			_, err = s.invoicesvc.Generate(gctx, invoicedomain.GenerateRequest{
				RestaurantID: subscription.RestaurantID.String(),
				PeriodStart:  closedPeriodStart,
			})
			if err != nil {
				s.log.Warn("invoice generation failed",
					zap.String("subscription_id", subscription.ID.String()),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	return g.Wait()
}

// RunGraceSweep cancels past-due subscriptions whose grace window closed.
func (s *Scheduler) RunGraceSweep(ctx context.Context) error {
	now := s.clock.Now().UTC()
	expired, err := s.subrepo.ListGraceExpired(ctx, s.db, now, sweepBatchSize)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for i := range expired {
		subscription := expired[i]
		g.Go(func() error {
			if err := s.dunningsvc.OnGracePeriodExpired(gctx, subscription.ID.String()); err != nil {
				s.log.Warn("grace expiry failed",
					zap.String("subscription_id", subscription.ID.String()),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	return g.Wait()
}

// RunCheckoutSweep expires INCOMPLETE subscriptions whose first payment never
// arrived.
func (s *Scheduler) RunCheckoutSweep(ctx context.Context) error {
	expired, err := s.subsvc.ExpireStaleCheckouts(ctx, sweepBatchSize)
	if err != nil {
		return err
	}
	if expired > 0 {
		s.log.Info("stale checkouts expired", zap.Int("count", expired))
	}
	return nil
}

var Module = fx.Module("scheduler",
	fx.Provide(New),
	fx.Invoke(func(lc fx.Lifecycle, cfg config.Config, scheduler *Scheduler) {
		if !cfg.SchedulerEnabled {
			return
		}
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				return scheduler.Start()
			},
			OnStop: func(context.Context) error {
				scheduler.Stop()
				return nil
			},
		})
	}),
)
