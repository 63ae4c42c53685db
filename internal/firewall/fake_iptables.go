package firewall

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// FakeIPTables is a CommandRunner that simulates the subset of iptables
// used by IPTables. It keeps chain state in memory, renders it the way
// "iptables --list -n -v" does and records every mutating call.
type FakeIPTables struct {
	mu     sync.Mutex
	order  []string
	chains map[string]*fakeChain
	// Mutations records each mutating argument list, joined by spaces.
	Mutations []string
	// FailOn makes any command whose joined arguments contain it fail.
	FailOn string
}

type fakeChain struct {
	policy string
	rules  []fakeRule
}

type fakeRule struct {
	target      string
	source      string
	destination string
}

// NewFakeIPTables returns a simulator holding the built-in filter chains.
func NewFakeIPTables() *FakeIPTables {
	f := &FakeIPTables{chains: make(map[string]*fakeChain)}
	for _, name := range []string{"INPUT", "FORWARD", "OUTPUT"} {
		f.order = append(f.order, name)
		f.chains[name] = &fakeChain{policy: "ACCEPT"}
	}
	return f
}

// LookPath resolves every command to /sbin/<name>.
func (f *FakeIPTables) LookPath(name string) (string, error) {
	return "/sbin/" + name, nil
}

// Run applies a mutating command.
func (f *FakeIPTables) Run(ctx context.Context, name string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmdline := strings.Join(args, " ")
	if f.FailOn != "" && strings.Contains(cmdline, f.FailOn) {
		return fmt.Errorf("iptables: simulated failure: %s", cmdline)
	}
	f.Mutations = append(f.Mutations, cmdline)

	switch {
	case len(args) == 2 && args[0] == "--new":
		if _, ok := f.chains[args[1]]; ok {
			return fmt.Errorf("iptables: Chain already exists")
		}
		f.order = append(f.order, args[1])
		f.chains[args[1]] = &fakeChain{}
	case len(args) == 5 && args[0] == "--insert" && args[4] != "" && args[3] == "-j":
		c, err := f.chain(args[1])
		if err != nil {
			return err
		}
		if args[2] != "1" {
			return fmt.Errorf("fake iptables only inserts at 1")
		}
		c.rules = append([]fakeRule{{target: args[4], source: "0.0.0.0/0", destination: "0.0.0.0/0"}}, c.rules...)
	case len(args) == 6 && args[0] == "-A" && args[4] == "-j":
		c, err := f.chain(args[1])
		if err != nil {
			return err
		}
		r := fakeRule{target: args[5], source: "0.0.0.0/0", destination: "0.0.0.0/0"}
		switch args[2] {
		case "-s":
			r.source = args[3]
		case "-d":
			r.destination = args[3]
		default:
			return fmt.Errorf("unsupported match %s", args[2])
		}
		c.rules = append(c.rules, r)
	case len(args) == 3 && args[0] == "-D":
		c, err := f.chain(args[1])
		if err != nil {
			return err
		}
		idx, err := strconv.Atoi(args[2])
		if err != nil || idx < 1 || idx > len(c.rules) {
			return fmt.Errorf("iptables: Index of deletion too big")
		}
		c.rules = append(c.rules[:idx-1], c.rules[idx:]...)
	default:
		return fmt.Errorf("fake iptables: unsupported command %q", cmdline)
	}
	return nil
}

// Output renders listings.
func (f *FakeIPTables) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmdline := strings.Join(args, " ")
	if f.FailOn != "" && strings.Contains(cmdline, f.FailOn) {
		return nil, fmt.Errorf("iptables: simulated failure: %s", cmdline)
	}
	switch cmdline {
	case "--list -n -v":
		return []byte(f.render(f.order)), nil
	case "--list INPUT -n":
		return []byte(f.render([]string{"INPUT"})), nil
	}
	return nil, fmt.Errorf("fake iptables: unsupported listing %q", cmdline)
}

// Append adds a rule directly, bypassing Mutations, to seed state.
func (f *FakeIPTables) Append(chain, target, source, destination string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chains[chain]
	if !ok {
		c = &fakeChain{}
		f.order = append(f.order, chain)
		f.chains[chain] = c
	}
	c.rules = append(c.rules, fakeRule{target: target, source: source, destination: destination})
}

// Addresses returns the matched addresses of a chain in rule order.
func (f *FakeIPTables) Addresses(chain string, column string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chains[chain]
	if !ok {
		return nil
	}
	var out []string
	for _, r := range c.rules {
		if column == "source" {
			out = append(out, r.source)
		} else {
			out = append(out, r.destination)
		}
	}
	return out
}

// ResetMutations clears the recorded mutations.
func (f *FakeIPTables) ResetMutations() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Mutations = nil
}

func (f *FakeIPTables) chain(name string) (*fakeChain, error) {
	c, ok := f.chains[name]
	if !ok {
		return nil, fmt.Errorf("iptables: No chain/target/match by that name")
	}
	return c, nil
}

func (f *FakeIPTables) render(names []string) string {
	var b strings.Builder
	refs := make(map[string]int)
	for _, c := range f.chains {
		for _, r := range c.rules {
			refs[r.target]++
		}
	}
	for i, name := range names {
		c := f.chains[name]
		if i > 0 {
			b.WriteString("\n")
		}
		if c.policy != "" {
			fmt.Fprintf(&b, "Chain %s (policy %s 0 packets, 0 bytes)\n", name, c.policy)
		} else {
			fmt.Fprintf(&b, "Chain %s (%d references)\n", name, refs[name])
		}
		b.WriteString(" pkts bytes target     prot opt in     out     source               destination\n")
		for _, r := range c.rules {
			fmt.Fprintf(&b, "    0     0 %-10s all  --  *      *       %-20s %-20s\n", r.target, r.source, r.destination)
		}
	}
	return b.String()
}

// ChainNamesSorted returns every chain name, sorted.
func (f *FakeIPTables) ChainNamesSorted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.order...)
	sort.Strings(out)
	return out
}
