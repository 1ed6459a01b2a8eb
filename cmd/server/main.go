// tgbtcpay - tgBTC payment requests for Telegram mini apps
package main

import (
	"context"
	"os"

	"github.com/mbd888/tgbtcpay/internal/config"
	"github.com/mbd888/tgbtcpay/internal/logging"
	"github.com/mbd888/tgbtcpay/internal/server"
	"github.com/mbd888/tgbtcpay/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("starting tgbtcpay",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Environment,
		"ton_endpoint", cfg.TONEndpoint,
	)

	ctx := context.Background()

	// Trace export (no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set)
	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		defer shutdownTraces(ctx)
	}

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
