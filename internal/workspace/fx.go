package workspace

import (
	"github.com/meterflowlabs/meterflow/internal/workspace/repository"
	"github.com/meterflowlabs/meterflow/internal/workspace/service"
	"go.uber.org/fx"
)

var Module = fx.Module("workspace.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
