package ratelimit

import (
	"context"

	"github.com/meterflowlabs/meterflow/internal/clock"
	"github.com/meterflowlabs/meterflow/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type GuardParam struct {
	fx.In

	LC     fx.Lifecycle
	Log    *zap.Logger
	Clock  clock.Clock
	Config config.Config
	Redis  *redis.Client `optional:"true"`
}

func NewGuard(p GuardParam) Guard {
	cfg := p.Config.RateLimit
	if !cfg.Enabled {
		return passGuard{}
	}

	if cfg.Backend == "redis" && p.Redis != nil {
		return NewRedisGuard(p.Log, p.Clock, p.Redis, cfg.MaxRequests, cfg.Window)
	}

	g := NewMemoryGuard(p.Log, p.Clock, cfg.MaxRequests, cfg.Window, cfg.SweepEvery)
	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			g.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			g.Stop()
			return nil
		},
	})
	return g
}

var Module = fx.Module("ratelimit",
	fx.Provide(NewGuard),
)
