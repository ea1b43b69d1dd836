package ledger

import (
	"github.com/meterflowlabs/meterflow/internal/ledger/repository"
	"github.com/meterflowlabs/meterflow/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
