// Package scheduler runs the periodic billing housekeeping: the
// recovery sweep that credits back estimate holds left behind by
// crashed or canceled metered calls.
package scheduler

import (
	"context"
	"time"

	"github.com/meterflowlabs/meterflow/internal/config"
	gatewaydomain "github.com/meterflowlabs/meterflow/internal/gateway/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const sweepTimeout = 30 * time.Second

type Sweeper struct {
	log      *zap.Logger
	interval time.Duration
	gateway  gatewaydomain.Service

	stop chan struct{}
	done chan struct{}
}

type Param struct {
	fx.In

	Log     *zap.Logger
	Config  config.Config
	Gateway gatewaydomain.Service
}

func NewSweeper(p Param) *Sweeper {
	interval := p.Config.Billing.ReconcileInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		log:      p.Log.Named("scheduler.sweeper"),
		interval: interval,
		gateway:  p.Gateway,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	go s.run()
}

func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Sweeper) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	released, err := s.gateway.ReleaseStaleHolds(ctx)
	if err != nil {
		s.log.Error("recovery sweep failed", zap.Error(err))
		return
	}
	if released > 0 {
		s.log.Info("recovery sweep released stale holds", zap.Int("released", released))
	}
}

var Module = fx.Module("scheduler",
	fx.Provide(NewSweeper),
	fx.Invoke(func(lc fx.Lifecycle, s *Sweeper) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				s.Start()
				return nil
			},
			OnStop: func(context.Context) error {
				s.Stop()
				return nil
			},
		})
	}),
)
