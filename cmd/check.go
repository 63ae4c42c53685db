package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/zesk/ipban/internal/brand"
	"github.com/zesk/ipban/internal/config"
	"github.com/zesk/ipban/internal/firewall"
)

// RunCheck validates the configuration file. With privileges set it also
// verifies the firewall tool runs with enough privilege.
func RunCheck(configFile string, privileges bool) error {
	return runCheck(context.Background(), os.Stdout, configFile, privileges, nil)
}

func runCheck(ctx context.Context, out io.Writer, configFile string, privileges bool, runner firewall.CommandRunner) error {
	if len(configFile) == 0 {
		return fmt.Errorf("usage: %s check [-p] -c <config-file>", brand.BinaryName)
	}
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	Printer.Fprintf(out, "Configuration valid!\n")
	Printer.Fprintf(out, "State: %s\n", cfg.StateDir)
	Printer.Fprintf(out, "Firewall: %s\n", cfg.Firewall.Type)
	Printer.Fprintf(out, "Parsers: %d\n", len(cfg.Parsers))
	Printer.Fprintln(out)
	printParsers(out, cfg)

	if !privileges {
		return nil
	}
	fw, err := firewall.New(cfg.Firewall, runner)
	if err != nil {
		return err
	}
	if fw == nil {
		Printer.Fprintln(out, "Firewall disabled, nothing to check.")
		return nil
	}
	if err := fw.CheckInstalled(ctx); err != nil {
		return fmt.Errorf("privilege check failed: %w", err)
	}
	Printer.Fprintln(out, "Privilege check passed.")
	return nil
}

func printParsers(out io.Writer, cfg *config.Config) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	Printer.Fprintln(w, "PARSER\tHANDLER\tFILE\tTRIGGERS")
	for _, p := range cfg.Parsers {
		Printer.Fprintf(w, "%s\t%s\t%s\t%d\n", p.Name, p.Handler, p.File, len(p.Triggers))
	}
	w.Flush()
}
