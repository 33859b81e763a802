package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xyzretail/sales-lakehouse/audit"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	mode := flag.String("mode", "", "Override execution mode (triggered or continuous)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	config, err := LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if *mode != "" {
		config.Service.Mode = *mode
	}
	if err := config.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	logger.Info("loaded configuration",
		zap.String("path", *configPath),
		zap.String("mode", config.Service.Mode))

	pipeline, err := NewPipeline(config, afero.NewOsFs(), logger)
	if err != nil {
		logger.Fatal("failed to create pipeline", zap.Error(err))
	}

	store := audit.NewStore(pipeline.client.DB(), config.Storage.MetaSchema)
	healthServer := NewHealthServer(pipeline, store, config.Service.HealthPort, logger)
	go func() {
		if err := healthServer.Start(); err != nil {
			logger.Error("health server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- pipeline.Start()
	}()

	select {
	case <-sigChan:
		logger.Info("received shutdown signal")
		pipeline.Stop()
		logger.Info("graceful shutdown complete")
	case err := <-errChan:
		if err != nil {
			logger.Fatal("pipeline error", zap.Error(err))
		}
		// Triggered mode finished cleanly.
		pipeline.Stop()
	}
}
