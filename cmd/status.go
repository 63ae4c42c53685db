package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/zesk/ipban/internal/complaint"
	"github.com/zesk/ipban/internal/config"
	"github.com/zesk/ipban/internal/state"
)

// RunStatus prints the saved tailer positions and store totals. It reads
// the state database directly, so the daemon need not be running.
func RunStatus(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	return printStatus(context.Background(), os.Stdout, cfg)
}

func printStatus(ctx context.Context, out io.Writer, cfg *config.Config) error {
	if _, err := os.Stat(cfg.DatabasePath()); os.IsNotExist(err) {
		return fmt.Errorf("no state database at %s; has the daemon run?", cfg.DatabasePath())
	}
	store, err := state.NewSQLiteStore(state.DefaultOptions(cfg.DatabasePath()))
	if err != nil {
		return err
	}
	defer store.Close()

	positions, err := state.NewTailerBucket(store)
	if err != nil {
		return err
	}
	all, err := positions.All()
	if err != nil {
		return err
	}
	parsers := make([]string, 0, len(all))
	for name := range all {
		parsers = append(parsers, name)
	}
	sort.Strings(parsers)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	Printer.Fprintln(w, "PARSER\tFILE\tOFFSET\tSIZE\tPERCENT\tMTIME")
	for _, parser := range parsers {
		for _, f := range all[parser] {
			st := f.Status()
			Printer.Fprintf(w, "%s\t%s\t%d\t%d\t%.1f%%\t%s\n",
				parser, st.Name, st.Offset, st.Size, st.Percent, st.MTime.Format("2006-01-02 15:04:05"))
		}
	}
	w.Flush()

	events, err := complaint.New(store.DB(), complaint.Options{})
	if err != nil {
		return err
	}
	stats, err := events.Stats(ctx)
	if err != nil {
		return err
	}
	Printer.Fprintln(out)
	Printer.Fprintf(out, "Events:     %d\n", stats.Events)
	Printer.Fprintf(out, "Tags:       %d\n", stats.Tags)
	Printer.Fprintf(out, "Complaints: %d\n", stats.Complaints)
	Printer.Fprintf(out, "Blacklist:  %d\n", stats.Blacklist)
	Printer.Fprintf(out, "Whitelist:  %d\n", stats.Whitelist)
	return nil
}
