package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/platewise/billing/internal/clock"
	"github.com/platewise/billing/internal/config"
	"github.com/platewise/billing/internal/credit"
	"github.com/platewise/billing/internal/dunning"
	"github.com/platewise/billing/internal/events"
	gatewaystripe "github.com/platewise/billing/internal/gateway/stripe"
	"github.com/platewise/billing/internal/invoice"
	"github.com/platewise/billing/internal/logger"
	"github.com/platewise/billing/internal/migration"
	"github.com/platewise/billing/internal/observability/metrics"
	"github.com/platewise/billing/internal/plan"
	"github.com/platewise/billing/internal/scheduler"
	"github.com/platewise/billing/internal/subscription"
	"github.com/platewise/billing/internal/usage"
	"github.com/platewise/billing/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		metrics.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		events.Module,

		// Functional domains
		plan.Module,
		gatewaystripe.Module,
		subscription.Module,
		usage.Module,
		credit.Module,
		invoice.Module,
		dunning.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
