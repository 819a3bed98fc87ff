package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/openpool/poolex/api"
	"github.com/openpool/poolex/internal/config"
	"github.com/openpool/poolex/internal/ledgerclient"
	"github.com/openpool/poolex/internal/trading"
	"github.com/openpool/poolex/internal/trading/router"
	"github.com/openpool/poolex/internal/trading/settlement"
	"github.com/openpool/poolex/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to open trade store", zap.Error(err))
	}

	ledgerClient := ledgerclient.NewHTTPClient(cfg.Ledger.BaseURL, cfg.Ledger.Timeout, zapLogger)

	svc, err := trading.NewService(zapLogger, db, ledgerClient, trading.Options{
		Markets:         cfg.MarketIDs(),
		FeeSchedules:    cfg.FeeSchedules(),
		DefaultSchedule: cfg.DefaultFees,
		RouterConfig: router.Config{
			QueueSize:           cfg.Router.QueueSize,
			ExpirySweepInterval: cfg.Router.ExpirySweepInterval,
		},
		SettlementConfig: settlement.Config{
			Workers:         cfg.Settlement.Workers,
			QueueSize:       cfg.Settlement.QueueSize,
			MaxAttempts:     cfg.Settlement.MaxAttempts,
			BackoffBase:     cfg.Settlement.BackoffBase,
			AttemptTimeout:  cfg.Settlement.AttemptTimeout,
			ConfirmTimeout:  cfg.Settlement.ConfirmTimeout,
			SweepInterval:   cfg.Settlement.SweepInterval,
			PlatformAccount: cfg.Settlement.PlatformAccount,
		},
	})
	if err != nil {
		zapLogger.Fatal("Failed to create trading service", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start trading service", zap.Error(err))
	}

	server := api.NewServer(zapLogger, svc)
	go func() {
		if err := server.Start(cfg.Server.Addr); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("API server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("Shutting down")
	if err := svc.Stop(); err != nil {
		zapLogger.Error("Trading service shutdown failed", zap.Error(err))
	}
}

// openDatabase opens the configured write-through store. An empty DSN means
// the service runs purely in memory.
func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, nil
	}
	switch cfg.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	default:
		return gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{})
	}
}
