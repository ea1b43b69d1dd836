package usage

import (
	"github.com/meterflowlabs/meterflow/internal/usage/repository"
	"github.com/meterflowlabs/meterflow/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
