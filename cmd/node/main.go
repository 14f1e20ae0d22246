package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/liquidibond/params"
	"github.com/uhyunpark/liquidibond/pkg/api"
	"github.com/uhyunpark/liquidibond/pkg/app/exchange"
	"github.com/uhyunpark/liquidibond/pkg/events"
	"github.com/uhyunpark/liquidibond/pkg/storage"
	"github.com/uhyunpark/liquidibond/pkg/util"
)

// tradeQueueSize bounds trades waiting for Kafka; overflow is dropped and counted
const tradeQueueSize = 4096

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, util.ParseLevel(cfg.Node.LogLevel))
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

	// ---- Storage ----
	// Accounts, instruments and the audit chain survive restarts; books do not.
	var store exchange.Store
	if cfg.Node.DataDir != "" {
		db, err := storage.NewPebbleStore(cfg.Node.DataDir)
		if err != nil {
			sugar.Fatalw("storage_open_failed", "dir", cfg.Node.DataDir, "err", err)
		}
		defer db.Close()
		store = db
		sugar.Infow("storage_opened", "dir", cfg.Node.DataDir)
	} else {
		sugar.Info("storage_disabled - state is kept in memory only")
	}

	// ---- Exchange ----
	app, err := exchange.New(cfg.Exchange, store, logger)
	if err != nil {
		sugar.Fatalw("exchange_init_failed", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Node.SeedDemo {
		if err := app.SeedDemo(ctx); err != nil {
			sugar.Fatalw("seed_failed", "err", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	// ---- Trade events (optional) ----
	if len(cfg.Kafka.Brokers) > 0 {
		publisher := events.NewTradePublisher(
			events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic),
			tradeQueueSize,
			logger,
		)
		app.AddTradeSink(publisher)
		sugar.Infow("kafka_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)

		g.Go(func() error {
			defer publisher.Close()
			return publisher.Run(ctx)
		})
	}

	// ---- Pending sweeper ----
	if cfg.Node.SweepInterval > 0 {
		g.Go(func() error {
			return app.RunSweeper(ctx, cfg.Node.SweepInterval)
		})
	}

	// ---- API Server ----
	apiServer := api.NewServer(app, cfg.API.CORSOrigins, logger)
	g.Go(func() error {
		return apiServer.Start(ctx, cfg.API.Addr)
	})

	stats := app.Stats()
	sugar.Infow("node_starting",
		"api_addr", cfg.API.Addr,
		"instruments", stats.Instruments,
		"accounts", stats.Accounts,
		"audit_entries", stats.AuditEntries,
		"step_up_mode", cfg.Exchange.StepUpMode)

	if err := g.Wait(); err != nil {
		sugar.Errorw("node_stopped", "err", err)
		return
	}
	sugar.Info("node_stopped")
}
