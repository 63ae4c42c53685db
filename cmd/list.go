package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/zesk/ipban/internal/config"
	"github.com/zesk/ipban/internal/firewall"
)

// RunList prints the addresses currently installed in a list.
func RunList(configFile, listName string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	return printList(context.Background(), os.Stdout, cfg, listName, nil)
}

func openFirewall(cfg *config.Config, runner firewall.CommandRunner) (firewall.Firewall, error) {
	fw, err := firewall.New(cfg.Firewall, runner)
	if err != nil {
		return nil, err
	}
	if fw == nil {
		return nil, fmt.Errorf("firewall type is %q, no lists to read", cfg.Firewall.Type)
	}
	return fw, nil
}

func printList(ctx context.Context, out io.Writer, cfg *config.Config, listName string, runner firewall.CommandRunner) error {
	list, err := firewall.ParseList(listName)
	if err != nil {
		return err
	}
	fw, err := openFirewall(cfg, runner)
	if err != nil {
		return err
	}
	ips, err := fw.IPList(ctx, list)
	if err != nil {
		return err
	}
	for _, ip := range ips.Sorted() {
		Printer.Fprintln(out, ip)
	}
	return nil
}
