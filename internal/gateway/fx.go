package gateway

import (
	"github.com/meterflowlabs/meterflow/internal/gateway/repository"
	"github.com/meterflowlabs/meterflow/internal/gateway/service"
	"go.uber.org/fx"
)

var Module = fx.Module("gateway.service",
	fx.Provide(repository.NewHoldRepository),
	fx.Provide(service.NewService),
)
