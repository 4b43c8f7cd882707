package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/markdave123-py/botforge/internal/app"
	"github.com/markdave123-py/botforge/internal/config"
	"github.com/markdave123-py/botforge/internal/logger"
)

func main() {
	cfg := config.LoadConfig()
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	// Handle SIGINT/SIGTERM for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer application.Close()

	slog.Info("botforge is running", "port", cfg.Port)
	if err := application.Run(ctx); err != nil {
		slog.Error("botforge stopped with error", "error", err)
		application.Close()
		os.Exit(1)
	}
	slog.Info("shutting down...")
}
