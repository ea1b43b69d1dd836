package config

import (
	"github.com/spf13/viper"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(func() (Config, *viper.Viper, error) {
		return Load()
	}),
)
