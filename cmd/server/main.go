// Discard guard - correlation-resistant disposable card gate
package main

import (
	"context"
	"os"

	"github.com/mbd888/discard/internal/config"
	"github.com/mbd888/discard/internal/logging"
	"github.com/mbd888/discard/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "json")

	logger.Info("starting discard guard",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Reconfigure with the loaded level and format.
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"velocity_preset", cfg.VelocityPreset,
		"risk_timezone", cfg.RiskTimezone,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
		"kms", cfg.KMSKeyID != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
