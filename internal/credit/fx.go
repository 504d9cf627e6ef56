package credit

import (
	"github.com/platewise/billing/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit",
	fx.Provide(service.NewService),
)
