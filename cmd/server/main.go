// escrowbot - custodial escrow engine behind a chat bot
package main

import (
	"context"
	"os"
	"strings"

	"github.com/mbd888/escrowbot/internal/config"
	"github.com/mbd888/escrowbot/internal/logging"
	"github.com/mbd888/escrowbot/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured one exists
	logger := logging.New("info", "text")

	logger.Info("starting escrowbot",
		"version", Version,
		"commit", Commit,
		"buildTime", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"onChain", strings.Join(cfg.OnChainCurrencies, ","),
		"persistent", cfg.DatabaseURL != "",
		"dryRunSigner", cfg.SignerURL == "",
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
