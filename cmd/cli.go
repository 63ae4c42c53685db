package cmd

import (
	"fmt"
	"os"

	"github.com/zesk/ipban/internal/config"
	"github.com/zesk/ipban/internal/i18n"
	"github.com/zesk/ipban/internal/logging"
)

// Printer is the global message printer for the CLI
var Printer = i18n.NewCLIPrinter()

func loadConfig(configFile string) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}
	return cfg, nil
}

// setupLogging installs the default logger described by cfg.Log.
func setupLogging(cfg *config.Config) (*logging.Logger, error) {
	lc := logging.DefaultConfig()
	lc.Output = os.Stderr
	if cfg.Log != nil {
		level, err := logging.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		lc.Level = level
		lc.JSON = cfg.Log.JSON
		lc.File = logging.FileConfig{
			Filename:   cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}
	}
	logger := logging.New(lc)
	logging.SetDefault(logger)
	return logger, nil
}
