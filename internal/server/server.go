// Package server exposes the HTTP surface: the metered provider
// gateway, the admin billing API and the operational endpoints.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/meterflowlabs/meterflow/internal/clock"
	"github.com/meterflowlabs/meterflow/internal/config"
	gatewaydomain "github.com/meterflowlabs/meterflow/internal/gateway/domain"
	ledgerdomain "github.com/meterflowlabs/meterflow/internal/ledger/domain"
	providerdomain "github.com/meterflowlabs/meterflow/internal/provider/domain"
	"github.com/meterflowlabs/meterflow/internal/ratelimit"
	rechargedomain "github.com/meterflowlabs/meterflow/internal/recharge/domain"
	usagedomain "github.com/meterflowlabs/meterflow/internal/usage/domain"
	workspacedomain "github.com/meterflowlabs/meterflow/internal/workspace/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Server struct {
	cfg    config.Config
	log    *zap.Logger
	db     *gorm.DB
	clock  clock.Clock
	engine *gin.Engine

	workspaces workspacedomain.Service
	ledger     ledgerdomain.Service
	usage      usagedomain.Service
	recharges  rechargedomain.Service
	gateway    gatewaydomain.Service
	providers  providerdomain.Registry
	guard      ratelimit.Guard
	registry   *prometheus.Registry
}

type Param struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	DB         *gorm.DB
	Clock      clock.Clock
	Workspaces workspacedomain.Service
	Ledger     ledgerdomain.Service
	Usage      usagedomain.Service
	Recharges  rechargedomain.Service
	Gateway    gatewaydomain.Service
	Providers  providerdomain.Registry
	Guard      ratelimit.Guard
	Registry   *prometheus.Registry
}

func NewServer(p Param) *Server {
	if p.Config.Mode == config.ModeProd {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		cfg:        p.Config,
		log:        p.Log.Named("server"),
		db:         p.DB,
		clock:      p.Clock,
		engine:     gin.New(),
		workspaces: p.Workspaces,
		ledger:     p.Ledger,
		usage:      p.Usage,
		recharges:  p.Recharges,
		gateway:    p.Gateway,
		providers:  p.Providers,
		guard:      p.Guard,
		registry:   p.Registry,
	}
	s.engine.Use(gin.Recovery(), s.RequestLogger())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.GetHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	s.engine.GET("/platform-ai-providers", s.ListProviders)
	s.engine.POST("/platform-ai-providers/:providerKey/chat/completions",
		s.WorkspaceRequired(), s.RateGuard(), s.ChatCompletions)

	admin := s.engine.Group("/admin", s.AdminRequired())
	admin.POST("/workspaces", s.CreateWorkspace)
	admin.GET("/workspaces/:id", s.GetWorkspace)
	admin.POST("/workspaces/:id/suspend", s.SuspendWorkspace)
	admin.GET("/workspaces/:id/balance", s.GetBalance)
	admin.POST("/workspaces/:id/recharge", s.Recharge)
	admin.GET("/workspaces/:id/usage", s.ListUsage)
	admin.GET("/workspaces/:id/usage/summary", s.GetUsageSummary)
	admin.GET("/workspaces/:id/recharges", s.ListRecharges)
}

// Engine exposes the router for tests.
func (s *Server) Engine() http.Handler { return s.engine }

func (s *Server) GetHealth(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

var Module = fx.Module("server",
	fx.Provide(NewServer),
	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		srv := &http.Server{
			Addr:              s.cfg.Server.Addr,
			Handler:           s.engine,
			ReadHeaderTimeout: 10 * time.Second,
		}
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						s.log.Error("http server stopped", zap.Error(err))
					}
				}()
				s.log.Info("http server listening", zap.String("addr", s.cfg.Server.Addr))
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			},
		})
	}),
)
