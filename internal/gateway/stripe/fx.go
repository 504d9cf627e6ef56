package stripe

import (
	"github.com/platewise/billing/internal/config"
	"github.com/platewise/billing/internal/gateway"
	obsmetrics "github.com/platewise/billing/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("gateway.stripe",
	fx.Provide(func(cfg config.Config, holder *config.BillingConfigHolder, log *zap.Logger, metrics *obsmetrics.Metrics) (gateway.PaymentGateway, error) {
		provider, err := NewProvider(cfg, log)
		if err != nil {
			return nil, err
		}
		return gateway.NewRetrying(provider, holder, log, metrics), nil
	}),
)
