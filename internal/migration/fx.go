package migration

import (
	"github.com/meterflowlabs/meterflow/internal/config"
	gatewaydomain "github.com/meterflowlabs/meterflow/internal/gateway/domain"
	ledgerdomain "github.com/meterflowlabs/meterflow/internal/ledger/domain"
	rechargedomain "github.com/meterflowlabs/meterflow/internal/recharge/domain"
	usagedomain "github.com/meterflowlabs/meterflow/internal/usage/domain"
	workspacedomain "github.com/meterflowlabs/meterflow/internal/workspace/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(Run),
)

// Run applies the schema for the configured driver.
func Run(cfg config.Config, conn *gorm.DB) error {
	if cfg.Database.Driver == "postgres" {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunPostgres(sqlDB)
	}
	return conn.AutoMigrate(
		&workspacedomain.Workspace{},
		&ledgerdomain.Balance{},
		&usagedomain.UsageRecord{},
		&rechargedomain.RechargeRecord{},
		&gatewaydomain.EstimateHold{},
	)
}
