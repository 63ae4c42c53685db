package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/zesk/ipban/internal/config"
	"github.com/zesk/ipban/internal/daemon"
	"github.com/zesk/ipban/internal/firewall"
)

// ErrDiffers is returned by RunDiff when the live list does not match.
var ErrDiffers = errors.New("ban list differs")

// RunDiff compares the ban list the daemon would install against the one
// in the firewall.
func RunDiff(configFile, listName string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	return diffList(context.Background(), os.Stdout, cfg, listName, nil)
}

func diffList(ctx context.Context, out io.Writer, cfg *config.Config, listName string, runner firewall.CommandRunner) error {
	list, err := firewall.ParseList(listName)
	if err != nil {
		return err
	}
	if list != firewall.ListBan {
		return fmt.Errorf("diff supports the ban list only")
	}

	d, err := daemon.New(cfg, daemon.Options{Runner: runner})
	if err != nil {
		return err
	}
	defer d.Close()
	if d.Firewall() == nil {
		return fmt.Errorf("firewall type is %q, no lists to read", cfg.Firewall.Type)
	}

	desired, err := d.DesiredBan(ctx)
	if err != nil {
		return fmt.Errorf("failed to compute ban list: %w", err)
	}
	live, err := d.Firewall().IPList(ctx, list)
	if err != nil {
		return fmt.Errorf("failed to read ban list: %w", err)
	}

	if desired.Equal(live) {
		Printer.Fprintln(out, "No changes detected.")
		return nil
	}

	diff := difflib.UnifiedDiff{
		A:        lines(desired.Sorted()),
		B:        lines(live.Sorted()),
		FromFile: "Desired",
		ToFile:   "Running",
		Context:  3,
	}
	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return err
	}
	fmt.Fprint(out, text)
	return ErrDiffers
}

func lines(ips []string) []string {
	if len(ips) == 0 {
		return nil
	}
	return difflib.SplitLines(strings.Join(ips, "\n") + "\n")
}
