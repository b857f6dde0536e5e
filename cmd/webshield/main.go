package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"webshield/internal/app"
	"webshield/internal/config"
	"webshield/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Logging)
	defer func() { _ = logger.Sync() }()

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	if err := a.Run(ctx); err != nil {
		logger.Fatal("app error", zap.Error(err))
	}
}

// newLogger builds the configured logger. A bad level is not fatal: the
// default info logger is used and the problem is logged.
func newLogger(cfg config.LogConfig) *zap.Logger {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Level,
		Development: cfg.Development,
	})
	if err != nil {
		logger = logging.NewDefault()
		logger.Warn("invalid logging config, using defaults", zap.String("level", cfg.Level), zap.Error(err))
	}
	return logger
}
