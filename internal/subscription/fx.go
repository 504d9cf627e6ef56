package subscription

import (
	"github.com/platewise/billing/internal/subscription/repository"
	"github.com/platewise/billing/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
