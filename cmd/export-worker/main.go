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
	"grade-publisher/internal/storage"
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

	log.Info().Str("version", cfg.App.Version).Msg("Starting export worker")

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

	// Initialize export storage
	store, err := storage.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}

	producer := queue.NewProducer(redisClient, cfg)
	consumer := queue.NewConsumer(redisClient, cfg)

	// Rendering needs no publishing machine
	orchestrator := export.NewOrchestrator(cfg, repo, nil, store, producer)
	exportWorker := worker.NewExportWorker(cfg, orchestrator, consumer)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker
	consuming := make(chan struct{})
	go func() {
		defer close(consuming)
		if err := exportWorker.Start(ctx); err != nil && err != context.Canceled {
			log.Fatal().Err(err).Msg("Export worker failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down export worker...")

	// Stop consuming first, then let the pool finish the jobs it already took
	cancel()
	<-consuming
	exportWorker.Stop()

	log.Info().Msg("Export worker exited")
}
