package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterflowlabs/meterflow/internal/clock"
	"github.com/meterflowlabs/meterflow/internal/config"
	"github.com/meterflowlabs/meterflow/internal/gateway"
	"github.com/meterflowlabs/meterflow/internal/ledger"
	"github.com/meterflowlabs/meterflow/internal/migration"
	"github.com/meterflowlabs/meterflow/internal/observability"
	"github.com/meterflowlabs/meterflow/internal/pricing"
	"github.com/meterflowlabs/meterflow/internal/provider"
	"github.com/meterflowlabs/meterflow/internal/ratelimit"
	"github.com/meterflowlabs/meterflow/internal/recharge"
	"github.com/meterflowlabs/meterflow/internal/redis"
	"github.com/meterflowlabs/meterflow/internal/scheduler"
	"github.com/meterflowlabs/meterflow/internal/server"
	"github.com/meterflowlabs/meterflow/internal/usage"
	"github.com/meterflowlabs/meterflow/internal/workspace"
	"github.com/meterflowlabs/meterflow/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "meterflow",
		Short:   "Workspace balance ledger and metered AI-service billing engine",
		Version: readVersionFromEnv(),
	}
	root.AddCommand(newMigrateCmd(), newServeCmd(), newAllCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the billing API server and background sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			runServe()
			return nil
		},
	}
}

func newAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run migrations, then start the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runMigrate(); err != nil {
				return err
			}
			runServe()
			return nil
		},
	}
}

func runMigrate() error {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		migration.Module,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("migrate failed: %w", err)
	}
	_ = app.Stop(context.Background())
	return nil
}

func runServe() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		redis.Module,
		ledger.Module,
		workspace.Module,
		usage.Module,
		pricing.Module,
		recharge.Module,
		ratelimit.Module,
		provider.Module,
		gateway.Module,
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func readVersionFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("APP_VERSION")); v != "" {
		return v
	}
	return "dev"
}
