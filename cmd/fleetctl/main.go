package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wisbric/fleetctl/internal/app"
	"github.com/wisbric/fleetctl/internal/config"
	"github.com/wisbric/fleetctl/internal/telemetry"
)

func main() {
	mode := flag.String("mode", "", "run mode: api, worker, or migrate (overrides FLEETCTL_MODE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	// CLI flag overrides env var.
	if *mode != "" {
		cfg.Mode = *mode
	}

	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting fleetctl", "mode", cfg.Mode)

	engine, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if err := engine.Run(ctx); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}
