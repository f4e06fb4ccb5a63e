package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"trade-mirror-go/internal/config"
	"trade-mirror-go/internal/credentials"
	"trade-mirror-go/internal/database"
	"trade-mirror-go/internal/kite"
	"trade-mirror-go/internal/logger"
	"trade-mirror-go/internal/notify"
	"trade-mirror-go/internal/pubsub"
	"trade-mirror-go/internal/trader"

	"go.uber.org/zap"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger, "trader")
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	store := database.NewStore(db)
	log.Info("Database connection successful and schema migrated.")

	sealer, err := credentials.NewSealer(cfg.Security.CredentialKey)
	if err != nil {
		log.Fatal("Invalid credential key", zap.Error(err))
	}
	vault := credentials.NewVault(store, sealer, log)

	// Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	bus := pubsub.NewRedis(cfg.Redis, log)
	defer bus.Close()
	if err := bus.Ping(ctx); err != nil {
		// Broadcasting is best effort; trades are still mirrored and notified durably.
		log.Warn("Redis is not reachable, live updates will be dropped", zap.Error(err))
	}

	broker := kite.NewClient(&cfg.Kite, log)
	fanout := notify.NewFanout(store, bus, log)
	executor := trader.NewExecutor(store, broker, vault, fanout, &cfg.Kite, log)
	engine := trader.NewEngine(log, &cfg.Polling, store, broker, vault, executor, fanout)
	refresher := trader.NewStatusRefresher(log, &cfg.StatusRefresh, store, broker, vault, fanout)

	apiServer := trader.NewAPIServer(engine, cfg.Worker.StatusPort, log)
	apiServer.Start()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		engine.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		refresher.Run(ctx)
	}()

	<-ctx.Done()
	log.Info("Shutdown signal received, gracefully shutting down...")
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop API server", zap.Error(err))
	}

	log.Info("Worker has been shut down.")
}
