package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brownie44l1/digit-api/internal/config"
	"github.com/Brownie44l1/digit-api/internal/handlers"
	"github.com/Brownie44l1/digit-api/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.L().Fatalf("Failed to load configuration: %v", err)
	}

	log := logger.New(logger.Options{
		Level:    cfg.LogLevel,
		File:     cfg.LogFile,
		NoColors: cfg.AppEnv == "production",
	})

	errHandler := handlers.NewErrorHandler(log)
	fiberApp := config.NewFiber(log, cfg, errHandler.FiberErrorHandler)

	log.WithField("model_path", cfg.ModelPath).Info("Loading model")

	server, err := config.NewServer(
		config.WithFiber(fiberApp),
		config.WithLogger(log),
		config.WithConfig(cfg),
		config.WithValidator(config.NewValidator()),
		config.WithErrorHandler(errHandler),
		config.WithMiddleware(),
		config.WithONNXModel(),
	)
	if err != nil {
		log.Fatal(err)
	}

	server.RegisterHandler()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Run(); err != nil {
			log.Fatalf("Error starting server: %v", err)
		}
	}()

	<-sigChan
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Error during shutdown: %v", err)
	}
}
