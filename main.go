package main

import (
	"errors"
	"flag"
	"os"

	"github.com/zesk/ipban/cmd"
	"github.com/zesk/ipban/internal/brand"
	"github.com/zesk/ipban/internal/ctlchan"
	"github.com/zesk/ipban/internal/i18n"
)

var printer = i18n.NewCLIPrinter()

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		fs, configFile := newFlagSet("start")
		fs.Parse(os.Args[2:])
		if err := cmd.RunStart(*configFile); err != nil {
			printer.Fprintf(os.Stderr, "Start failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		fs, configFile := newFlagSet("check")
		privileges := fs.Bool("p", false, "Also check firewall privileges")
		fs.Parse(os.Args[2:])
		if err := cmd.RunCheck(*configFile, *privileges); err != nil {
			printer.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

	case "status":
		fs, configFile := newFlagSet("status")
		ask := fs.Bool("l", false, "Ask the running daemon to log its status")
		fs.Parse(os.Args[2:])
		if *ask {
			if err := cmd.RunControl(*configFile, ctlchan.CommandStatus, ""); err != nil {
				printer.Fprintf(os.Stderr, "Status failed: %v\n", err)
				os.Exit(1)
			}
			return
		}
		if err := cmd.RunStatus(*configFile); err != nil {
			printer.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}

	case "list":
		fs, configFile := newFlagSet("list")
		fs.Parse(os.Args[2:])
		if fs.NArg() != 1 {
			printer.Fprintf(os.Stderr, "Usage: %s list [-c file] toxic|ban\n", brand.BinaryName)
			os.Exit(1)
		}
		if err := cmd.RunList(*configFile, fs.Arg(0)); err != nil {
			printer.Fprintf(os.Stderr, "List failed: %v\n", err)
			os.Exit(1)
		}

	case "diff":
		fs, configFile := newFlagSet("diff")
		fs.Parse(os.Args[2:])
		list := "ban"
		if fs.NArg() > 0 {
			list = fs.Arg(0)
		}
		if err := cmd.RunDiff(*configFile, list); err != nil {
			if !errors.Is(err, cmd.ErrDiffers) {
				printer.Fprintf(os.Stderr, "Diff failed: %v\n", err)
			}
			os.Exit(1)
		}

	case ctlchan.CommandBan, ctlchan.CommandAllow:
		fs, configFile := newFlagSet(os.Args[1])
		fs.Parse(os.Args[2:])
		if err := cmd.RunControl(*configFile, os.Args[1], fs.Arg(0)); err != nil {
			printer.Fprintf(os.Stderr, "%s failed: %v\n", os.Args[1], err)
			os.Exit(1)
		}

	case "version":
		printer.Printf("%s version %s\n", brand.Name, brand.Version)
		printer.Printf("Build: %s\n", brand.BuildTime)

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configFile := fs.String("config", brand.DefaultConfigPath(), "Configuration file")
	fs.StringVar(configFile, "c", brand.DefaultConfigPath(), "Configuration file (short)")
	return fs, configFile
}

func printUsage() {
	printer.Printf("%s - %s\n\n", brand.Name, brand.Description)
	printer.Printf("Usage: %s <command> [options]\n\n", brand.BinaryName)
	printer.Println("Commands:")
	printer.Println("  start [-c file]           Run the daemon in the foreground")
	printer.Println("  check [-c file] [-p]      Validate configuration (and firewall privileges)")
	printer.Println("  status [-c file] [-l]     Show tailer positions and store totals")
	printer.Println("  list [-c file] toxic|ban  Print the addresses in a firewall list")
	printer.Println("  diff [-c file] ban        Compare the desired ban list with the firewall")
	printer.Println("  ban [-c file] <ip>        Ask the daemon to ban an address")
	printer.Println("  allow [-c file] <ip>      Ask the daemon to allow an address")
	printer.Println("  version                   Show version")
}
