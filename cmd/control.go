package cmd

import (
	"fmt"

	"github.com/zesk/ipban/internal/brand"
	"github.com/zesk/ipban/internal/ctlchan"
)

// RunControl sends a ban, allow or status request to the running daemon
// through its control pipe.
func RunControl(configFile, command, ip string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	if !cfg.ControlEnabled() {
		return fmt.Errorf("control pipe is disabled in %s", configFile)
	}
	if command != ctlchan.CommandStatus && ip == "" {
		return fmt.Errorf("usage: %s %s -c <config-file> <ip>", brand.BinaryName, command)
	}

	msg := ctlchan.NewMessage(command, ip)
	if err := ctlchan.Send(cfg.Control.Path, msg); err != nil {
		return err
	}
	Printer.Printf("Sent %s %s (%s)\n", msg.Command, msg.IP, msg.ID)
	return nil
}
