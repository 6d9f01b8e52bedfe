package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"grade-publisher/internal/config"
	"grade-publisher/internal/db"
	"grade-publisher/internal/export"
	"grade-publisher/internal/logger"
	"grade-publisher/internal/queue"
	"grade-publisher/internal/sis"
	"grade-publisher/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Initialize logger
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	log := logger.Get()

	log.Info().Str("version", cfg.App.Version).Msg("Starting publish worker")

	// Initialize repository
	repo, closeDB, err := db.Open(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer closeDB()

	// Initialize Redis client
	redisClient, err := queue.NewRedisClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()

	producer := queue.NewProducer(redisClient, cfg)
	consumer := queue.NewConsumer(redisClient, cfg)

	// Exports are not handled here, so no storage backend is needed
	machine := export.NewMachine(cfg, repo, sis.NewClient(cfg.Publishing), producer)
	orchestrator := export.NewOrchestrator(cfg, repo, machine, nil, producer)

	publishWorker := worker.NewPublishWorker(cfg, orchestrator, consumer)
	expiryWorker := worker.NewExpiryWorker(cfg, consumer, orchestrator)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start workers
	consuming := make(chan struct{})
	go func() {
		defer close(consuming)
		if err := publishWorker.Start(ctx); err != nil && err != context.Canceled {
			log.Fatal().Err(err).Msg("Publish worker failed")
		}
	}()
	go func() {
		if err := expiryWorker.Start(ctx); err != nil && err != context.Canceled {
			log.Fatal().Err(err).Msg("Expiry worker failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down publish worker...")

	// Stop consuming first, then let the pool finish the jobs it already took
	cancel()
	expiryWorker.Stop()
	<-consuming
	publishWorker.Stop()

	log.Info().Msg("Publish worker exited")
}
