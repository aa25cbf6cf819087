package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/atmx/ledger-engine/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "ledger-engine",
	Short: "Trade execution and account ledger service",
	Long: `ledger-engine executes buy and sell orders against per-account cash and
position ledgers, values portfolios at live or cached prices, and serves
everything over HTTP and WebSocket.

Configuration comes from an optional YAML file (--config) with environment
overrides such as PORT, DATABASE_URL, REDIS_URL and LOG_LEVEL.`,
	SilenceUsage: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("LEDGER_CONFIG"), "path to YAML config file")
}

// loadConfig reads the configuration and installs the JSON logger as the
// process default.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Logging.SlogLevel()}))
	slog.SetDefault(logger)
	return cfg, nil
}
