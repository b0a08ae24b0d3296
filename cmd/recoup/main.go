// @title           Recoup API
// @version         1.0
// @description     Recoup Payment Recovery & Dunning API

// @contact.name   API Support
// @contact.email  support@smallbiznis.dev

// @host      localhost:8080
// @BasePath  /api
// @Schemes 	http https

package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recoup/internal/audit"
	"github.com/smallbiznis/recoup/internal/clock"
	"github.com/smallbiznis/recoup/internal/config"
	"github.com/smallbiznis/recoup/internal/dunning"
	"github.com/smallbiznis/recoup/internal/dunning/runner"
	"github.com/smallbiznis/recoup/internal/gateway"
	"github.com/smallbiznis/recoup/internal/logger"
	"github.com/smallbiznis/recoup/internal/migration"
	"github.com/smallbiznis/recoup/internal/notification"
	"github.com/smallbiznis/recoup/internal/observability/metrics"
	"github.com/smallbiznis/recoup/internal/seed"
	"github.com/smallbiznis/recoup/internal/server"
	"github.com/smallbiznis/recoup/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,

		fx.Invoke(InitMetrics),
		fx.Invoke(Migrate),
		fx.Invoke(SeedDev),

		audit.Module,
		gateway.Module,
		notification.Module,
		dunning.Module,
		runner.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

// InitMetrics pins the metric identity labels before any consumer touches the
// singleton.
func InitMetrics(cfg config.Config) {
	metrics.DunningWithConfig(metrics.Config{
		ServiceName: "recoup",
		Environment: cfg.Environment,
	})
}

func Migrate(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return migration.RunMigrations(sqlDB)
}

// SeedDev gives local environments a subscription to dun.
func SeedDev(cfg config.Config, gdb *gorm.DB) error {
	if cfg.IsProduction() {
		return nil
	}
	return seed.EnsureDemoSubscription(gdb)
}
