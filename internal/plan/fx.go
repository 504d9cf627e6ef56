package plan

import (
	"github.com/platewise/billing/internal/plan/service"
	"go.uber.org/fx"
)

var Module = fx.Module("plan",
	fx.Provide(service.NewService),
)
