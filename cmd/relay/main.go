package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/conversion-relay/internal/adapters/config/file"
	"github.com/tjfontaine/conversion-relay/pkg/relay"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	provider, err := file.NewProvider(*configPath, nil)
	if err != nil {
		log.Fatalf("Failed to create config provider: %v", err)
	}
	cfg, err := provider.Load(context.Background())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		log.Fatalf("Invalid log level %q: %v", cfg.Log.Level, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	r, err := relay.New(
		relay.WithLogger(logger),
		relay.WithConfig(cfg),
		relay.WithConfigProvider(provider),
		relay.WithVersion(version),
	)
	if err != nil {
		log.Fatalf("Failed to create relay: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := r.Start(ctx)
	if runErr != nil {
		logger.Error("relay stopped", slog.String("error", runErr.Error()))
	} else {
		logger.Info("shutdown signal received, stopping relay")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := r.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}
}
