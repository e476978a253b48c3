package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/gyeh/claimflow/internal/config"
	"github.com/gyeh/claimflow/internal/exitcode"
	"github.com/gyeh/claimflow/internal/logging"
)

var cfg = config.Default()

var rootCmd = &cobra.Command{
	Use:           "claimctl",
	Short:         "Healthcare claim resolution, pricing, signing and submission",
	Long:          "Resolves facility billing codes, prices claims against bundles, signs the canonical claim and submits it to the national exchange.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfg.DSN, "dsn", os.Getenv("CLAIMFLOW_DB_URL"), "Postgres connection string (or set CLAIMFLOW_DB_URL)")
	pf.StringVar(&cfg.ConfigPath, "config", "", "Path to claimflow YAML config")
	pf.StringVar(&cfg.LogFormat, "log-format", "text", "Log format: text or json")
	pf.StringVar(&cfg.LogLevel, "log-level", "info", "Log level: debug, info, warn or error")
}

// setup loads the YAML config, if any, and returns the process logger.
// Exits with a usage error when the config cannot be loaded.
func setup() zerolog.Logger {
	log := logging.Setup(cfg.LogFormat, cfg.LogLevel)
	if cfg.ConfigPath != "" {
		if err := cfg.LoadFromFile(cfg.ConfigPath); err != nil {
			log.Error().Err(err).Msg("config load failed")
			os.Exit(exitcode.UsageError)
		}
	}
	return log
}
