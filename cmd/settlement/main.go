package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"taskmarket-platform/internal/httpapi"
	"taskmarket-platform/internal/server"
	"taskmarket-platform/pkg/config"
	"taskmarket-platform/pkg/db"
	"taskmarket-platform/pkg/health"
	"taskmarket-platform/pkg/logger"
	"taskmarket-platform/pkg/redis"
	"taskmarket-platform/pkg/sequence"
	"taskmarket-platform/pkg/task"
	"taskmarket-platform/services/lifecycle"
	"taskmarket-platform/services/payment"
	"taskmarket-platform/services/wallet"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		sequence.Module,
		health.Module,
		fx.Provide(provideSnowflakeNode),
		lifecycle.Module,
		wallet.Module,
		payment.Module,
		httpapi.Module,
		server.Module,
		fx.Invoke(autoMigrate),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func autoMigrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&lifecycle.Requirement{},
		&lifecycle.Order{},
		&payment.Payment{},
		&payment.ReconciliationAudit{},
		&wallet.Earning{},
		&wallet.Withdrawal{},
	)
}
