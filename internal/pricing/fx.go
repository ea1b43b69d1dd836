package pricing

import (
	"github.com/meterflowlabs/meterflow/internal/pricing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("pricing.resolver",
	fx.Provide(service.NewResolver),
)
