package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zesk/ipban/internal/brand"
	"github.com/zesk/ipban/internal/daemon"
	"github.com/zesk/ipban/internal/logging"
)

// RunStart runs the daemon in the foreground until SIGINT or SIGTERM.
func RunStart(configFile string) error {
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return fmt.Errorf("configuration file not found: %s\n\n"+
			"Check it with:\n"+
			"  %s check -c <config-file>", configFile, brand.BinaryName)
	}
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	defer logger.Close()
	logging.SetProcessName(brand.BinaryName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(cfg, daemon.Options{Version: brand.Version})
	if err != nil {
		return err
	}
	defer d.Close()

	logger.Info("Starting", "version", brand.Version, "config", configFile)
	return d.Run(ctx)
}
