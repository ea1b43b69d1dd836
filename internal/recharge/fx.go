package recharge

import (
	"github.com/meterflowlabs/meterflow/internal/recharge/repository"
	"github.com/meterflowlabs/meterflow/internal/recharge/service"
	"go.uber.org/fx"
)

var Module = fx.Module("recharge.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
