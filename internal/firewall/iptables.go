package firewall

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/zesk/ipban/internal/brand"
	"github.com/zesk/ipban/internal/errors"
	"github.com/zesk/ipban/internal/iplist"
	"github.com/zesk/ipban/internal/logging"
	"github.com/zesk/ipban/internal/metrics"
)

// Options configures an IPTables reconciler.
type Options struct {
	// Command is the iptables binary, resolved through PATH.
	Command     string
	ChainPrefix string
	Runner      CommandRunner
	Logger      *logging.Logger
}

// IPTables manages the list chains through the iptables command.
type IPTables struct {
	command string
	names   ChainNames
	runner  CommandRunner
	logger  *logging.Logger

	chains ChainTable
	index  IPIndex
	dirty  bool
}

// NewIPTables returns a reconciler. No command runs until first use.
func NewIPTables(opts Options) *IPTables {
	if opts.Command == "" {
		opts.Command = "iptables"
	}
	if opts.ChainPrefix == "" {
		opts.ChainPrefix = brand.ChainPrefix
	}
	if opts.Runner == nil {
		opts.Runner = DefaultCommandRunner
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("firewall")
	}
	return &IPTables{
		command: opts.Command,
		names:   NewChainNames(opts.ChainPrefix),
		runner:  opts.Runner,
		logger:  opts.Logger,
		dirty:   true,
	}
}

// CheckInstalled verifies iptables is on PATH and can list the INPUT chain.
func (f *IPTables) CheckInstalled(ctx context.Context) error {
	path, err := f.runner.LookPath(f.command)
	if err != nil {
		return errors.Wrapf(err, errors.KindConfiguration, "%s is not installed", f.command)
	}
	if _, err := f.runner.Output(ctx, path, "--list", "INPUT", "-n"); err != nil {
		msg := "unable to list INPUT chain"
		if unix.Geteuid() != 0 {
			msg += ", must be root"
		}
		return errors.Wrap(err, errors.KindConfiguration, msg)
	}
	f.command = path
	return nil
}

// Bootstrap creates any missing list chain and links it from its built-in
// parent at position 1. It is safe to run on every start.
func (f *IPTables) Bootstrap(ctx context.Context) error {
	if err := f.refresh(ctx); err != nil {
		return err
	}
	existing := make([]string, 0, len(f.chains))
	for name := range f.chains {
		existing = append(existing, name)
	}
	sort.Strings(existing)
	f.logger.Info("Existing chains", "chains", strings.Join(existing, ", "))

	for _, l := range Lists {
		for _, d := range Directions {
			name := f.names.Name(l, d)
			if !f.chains.Has(name) {
				f.logger.Info("Adding chain", "chain", name)
				if err := f.mutate(ctx, "new", "--new", name); err != nil {
					return err
				}
			}
			if !f.chains[d.Parent()].LinksTo(name) {
				f.logger.Info("Linking chain", "chain", name, "parent", d.Parent())
				if err := f.mutate(ctx, "link", "--insert", d.Parent(), "1", "-j", name); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Drop appends a DROP rule for every address not already present in each
// of the list's chains and returns the number of rules added.
func (f *IPTables) Drop(ctx context.Context, list List, ips []string) (int, error) {
	valid := f.normalize(ips)
	if len(valid) == 0 {
		return 0, nil
	}
	if err := f.refresh(ctx); err != nil {
		return 0, err
	}

	added := 0
	for _, d := range Directions {
		name := f.names.Name(list, d)
		for _, ip := range valid {
			if f.index.InChain(ip, name) {
				continue
			}
			f.logger.Info("Blocking address", "ip", ip, "chain", name)
			if err := f.mutate(ctx, "drop", "-A", name, d.Flag(), ip, "-j", "DROP"); err != nil {
				return added, err
			}
			added++
		}
	}
	return added, nil
}

// Allow deletes every rule in the list's chains mentioning the given
// addresses, highest index first, and returns the number deleted.
func (f *IPTables) Allow(ctx context.Context, list List, ips []string) (int, error) {
	valid := f.normalize(ips)
	if len(valid) == 0 {
		return 0, nil
	}
	if err := f.refresh(ctx); err != nil {
		return 0, err
	}

	own := make(map[string]bool)
	for _, d := range Directions {
		own[f.names.Name(list, d)] = true
	}

	var found []Location
	for _, ip := range valid {
		for _, loc := range f.index[ip] {
			if own[loc.Chain] {
				found = append(found, loc)
			}
		}
	}
	if len(found) == 0 {
		f.logger.Debug("No entries found for addresses", "ips", strings.Join(valid, ", "))
		return 0, nil
	}
	return f.deleteRules(ctx, "allow", found)
}

// SetIPs converges list to desired: duplicate rules are removed, then
// surplus addresses allowed and missing ones dropped.
func (f *IPTables) SetIPs(ctx context.Context, list List, desired iplist.Set) (Changes, error) {
	var changes Changes

	want, _ := iplist.NormalizeAll(setMembers(desired), "desired "+string(list))

	n, err := f.removeDuplicates(ctx, list)
	changes.Duplicates = n
	if err != nil {
		return changes, err
	}

	actual, err := f.IPList(ctx, list)
	if err != nil {
		return changes, err
	}

	// an address missing from one direction's chain still needs a drop
	toAllow := actual.Difference(want)
	toDrop := want.Difference(f.inEveryChain(list))
	f.logger.Debug("Reconciling list", "list", list, "desired", want.Len(), "actual", actual.Len(),
		"allow", toAllow.Len(), "drop", toDrop.Len())

	if changes.Allowed, err = f.Allow(ctx, list, toAllow.Sorted()); err != nil {
		return changes, err
	}
	if changes.Dropped, err = f.Drop(ctx, list, toDrop.Sorted()); err != nil {
		return changes, err
	}
	return changes, nil
}

// IPList returns the addresses present in either of the list's chains.
func (f *IPTables) IPList(ctx context.Context, list List) (iplist.Set, error) {
	if err := f.refresh(ctx); err != nil {
		return nil, err
	}
	ips := make(iplist.Set)
	for _, d := range Directions {
		for _, r := range f.chains.Rules(f.names.Name(list, d)) {
			if ip := r.Get(d.Column()); !iplist.IsNull(ip) {
				ips.Add(ip)
			}
		}
	}
	return ips, nil
}

func (f *IPTables) inEveryChain(list List) iplist.Set {
	var common iplist.Set
	for _, d := range Directions {
		ips := make(iplist.Set)
		for _, r := range f.chains.Rules(f.names.Name(list, d)) {
			if ip := r.Get(d.Column()); !iplist.IsNull(ip) {
				ips.Add(ip)
			}
		}
		if common == nil {
			common = ips
			continue
		}
		for ip := range common {
			if !ips.Has(ip) {
				common.Remove(ip)
			}
		}
	}
	return common
}

// HasList reports whether both chains of list exist.
func (f *IPTables) HasList(ctx context.Context, list List) (bool, error) {
	if err := f.refresh(ctx); err != nil {
		return false, err
	}
	for _, d := range Directions {
		if !f.chains.Has(f.names.Name(list, d)) {
			return false, nil
		}
	}
	return true, nil
}

// Invalidate marks the cached chain state stale.
func (f *IPTables) Invalidate() {
	f.dirty = true
}

// removeDuplicates deletes every rule after the first that matches the same
// address within each of the list's chains.
func (f *IPTables) removeDuplicates(ctx context.Context, list List) (int, error) {
	if err := f.refresh(ctx); err != nil {
		return 0, err
	}
	var dupes []Location
	for _, d := range Directions {
		name := f.names.Name(list, d)
		seen := make(map[string]bool)
		for _, r := range f.chains.Rules(name) {
			ip := r.Get(d.Column())
			if seen[ip] {
				f.logger.Debug("Duplicate address", "ip", ip, "chain", name, "index", r.Index)
				dupes = append(dupes, Location{Chain: name, Index: r.Index, Column: d.Column()})
				continue
			}
			seen[ip] = true
		}
	}
	if len(dupes) == 0 {
		return 0, nil
	}
	return f.deleteRules(ctx, "dedupe", dupes)
}

// deleteRules removes each distinct (chain, index) once, strictly from the
// highest index to the lowest.
func (f *IPTables) deleteRules(ctx context.Context, op string, locs []Location) (int, error) {
	ordered := DeletionOrder(locs)
	for i, loc := range ordered {
		f.logger.Info("Removing rule", "chain", loc.Chain, "index", loc.Index)
		if err := f.mutate(ctx, op, "-D", loc.Chain, strconv.Itoa(loc.Index)); err != nil {
			return i, err
		}
	}
	return len(ordered), nil
}

// DeletionOrder deduplicates locations by chain and index and sorts them by
// index descending, so that within each chain no deletion shifts a rule
// deleted later.
func DeletionOrder(locs []Location) []Location {
	type key struct {
		chain string
		index int
	}
	seen := make(map[key]bool, len(locs))
	out := make([]Location, 0, len(locs))
	for _, loc := range locs {
		k := key{loc.Chain, loc.Index}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, loc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index > out[j].Index
		}
		return out[i].Chain < out[j].Chain
	})
	return out
}

func (f *IPTables) refresh(ctx context.Context) error {
	if !f.dirty && f.chains != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	metrics.Get().RecordFirewallCommand("list")
	out, err := f.runner.Output(ctx, f.command, "--list", "-n", "-v")
	if err != nil {
		return errors.Wrap(err, errors.KindCommand, "listing chains")
	}
	chains, warnings := ParseChains(string(out))
	for _, w := range warnings {
		f.logger.Warn("Chain listing", "warning", w)
	}
	f.chains = chains
	f.index = BuildIPIndex(chains)
	f.dirty = false
	return nil
}

// mutate runs one state-changing command and marks the cache stale.
func (f *IPTables) mutate(ctx context.Context, op string, args ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.dirty = true
	metrics.Get().RecordFirewallCommand(op)
	if err := f.runner.Run(ctx, f.command, args...); err != nil {
		return errors.Wrapf(err, errors.KindCommand, "%s %s", f.command, strings.Join(args, " "))
	}
	return nil
}

// normalize drops duplicate, null and malformed addresses, keeping order.
func (f *IPTables) normalize(ips []string) []string {
	seen := make(map[string]bool, len(ips))
	out := make([]string, 0, len(ips))
	for _, raw := range ips {
		if iplist.IsNull(raw) {
			continue
		}
		ip, err := iplist.Normalize(raw)
		if err != nil {
			f.logger.Error("Strange IP address", "ip", raw, "error", err)
			continue
		}
		if seen[ip] {
			continue
		}
		seen[ip] = true
		out = append(out, ip)
	}
	return out
}

func setMembers(s iplist.Set) []string {
	out := make([]string, 0, len(s))
	for ip := range s {
		out = append(out, ip)
	}
	return out
}
