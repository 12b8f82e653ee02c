// revolve - revolving credit ledger and installment engine
package main

import (
	"context"
	"os"
	"time"

	"github.com/mbd888/revolve/internal/config"
	"github.com/mbd888/revolve/internal/logging"
	"github.com/mbd888/revolve/internal/server"
	"github.com/mbd888/revolve/internal/traces"
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
	logger.Info("starting revolve",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"interest_mode", cfg.InterestMode,
	)

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

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
