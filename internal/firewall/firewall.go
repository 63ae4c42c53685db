package firewall

import (
	"context"
	"fmt"

	"github.com/zesk/ipban/internal/config"
	"github.com/zesk/ipban/internal/errors"
	"github.com/zesk/ipban/internal/iplist"
)

// List is a logical address list maintained in the packet filter.
type List string

const (
	// ListToxic holds addresses from the third-party toxic feed.
	ListToxic List = "toxic"
	// ListBan holds locally detected abusers.
	ListBan List = "ban"
)

// Lists enumerates every managed list.
var Lists = []List{ListToxic, ListBan}

// ParseList resolves a list name.
func ParseList(name string) (List, error) {
	for _, l := range Lists {
		if string(l) == name {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown list %q (want toxic or ban)", name)
}

// Direction selects which address column a chain matches.
type Direction int

const (
	Input Direction = iota
	Output
)

// Directions enumerates both directions.
var Directions = []Direction{Input, Output}

type direction struct {
	parent string
	suffix string
	column string
	flag   string
}

var directions = map[Direction]direction{
	Input:  {parent: "INPUT", suffix: "input", column: "source", flag: "-s"},
	Output: {parent: "OUTPUT", suffix: "output", column: "destination", flag: "-d"},
}

func (d Direction) String() string {
	return directions[d].suffix
}

// Parent is the built-in chain that jumps to chains of this direction.
func (d Direction) Parent() string { return directions[d].parent }

// Column is the listing column holding the matched address.
func (d Direction) Column() string { return directions[d].column }

// Flag is the iptables option matching the address.
func (d Direction) Flag() string { return directions[d].flag }

type chainKey struct {
	list List
	dir  Direction
}

// ChainNames maps each list and direction to a concrete chain name.
type ChainNames map[chainKey]string

// NewChainNames builds the table for a chain prefix such as "zesk-ipban".
func NewChainNames(prefix string) ChainNames {
	names := make(ChainNames)
	for _, l := range Lists {
		for _, d := range Directions {
			names[chainKey{l, d}] = fmt.Sprintf("%s-%s-%s", prefix, l, d)
		}
	}
	return names
}

// Name returns the chain backing list in direction d.
func (n ChainNames) Name(l List, d Direction) string {
	return n[chainKey{l, d}]
}

// Changes summarizes the mutations made by SetIPs.
type Changes struct {
	Allowed    int
	Dropped    int
	Duplicates int
}

// Total is the number of mutating commands issued.
func (c Changes) Total() int {
	return c.Allowed + c.Dropped + c.Duplicates
}

// Firewall is the surface the daemon drives.
type Firewall interface {
	// CheckInstalled verifies the backend tool runs with enough privilege.
	CheckInstalled(ctx context.Context) error
	Bootstrap(ctx context.Context) error
	Drop(ctx context.Context, list List, ips []string) (int, error)
	Allow(ctx context.Context, list List, ips []string) (int, error)
	SetIPs(ctx context.Context, list List, desired iplist.Set) (Changes, error)
	IPList(ctx context.Context, list List) (iplist.Set, error)
	HasList(ctx context.Context, list List) (bool, error)
	// Invalidate forces the next read to re-list the chains.
	Invalidate()
}

// New builds the configured backend. Type "none" returns a nil Firewall.
func New(cfg *config.FirewallConfig, runner CommandRunner) (Firewall, error) {
	if cfg == nil {
		return nil, errors.New(errors.KindConfiguration, "missing firewall configuration")
	}
	switch cfg.Type {
	case config.FirewallIPTables:
		return NewIPTables(Options{
			Command:     cfg.Command,
			ChainPrefix: cfg.ChainPrefix,
			Runner:      runner,
		}), nil
	case config.FirewallNone:
		return nil, nil
	case "":
		return nil, errors.New(errors.KindConfiguration, "missing firewall type")
	default:
		return nil, errors.Errorf(errors.KindConfiguration, "unsupported firewall type %q", cfg.Type)
	}
}
