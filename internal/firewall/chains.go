package firewall

import (
	"bufio"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/zesk/ipban/internal/errors"
	"github.com/zesk/ipban/internal/iplist"
)

// Rule is one data row of a chain listing.
type Rule struct {
	Chain string
	// Index is the 1-based live position of the rule within Chain.
	Index       int
	Target      string
	Source      string
	Destination string
	// Fields maps every column name to its value for this row.
	Fields map[string]string
	// Extra holds trailing tokens beyond the named columns, such as match
	// options like "tcp dpt:22".
	Extra []string
}

// Get returns the value of a named column.
func (r Rule) Get(column string) string {
	return r.Fields[column]
}

// Chain is a parsed chain header and its rules.
type Chain struct {
	Name  string
	Rules []Rule
	// BuiltIn chains have a policy; user chains have a reference count.
	BuiltIn    bool
	Policy     string
	Stats      string
	References int
}

// LinksTo reports whether any rule in c jumps to target.
func (c *Chain) LinksTo(target string) bool {
	if c == nil {
		return false
	}
	for _, r := range c.Rules {
		if r.Target == target {
			return true
		}
	}
	return false
}

// ChainTable maps chain names to chains.
type ChainTable map[string]*Chain

// Has reports whether a chain exists.
func (t ChainTable) Has(name string) bool {
	_, ok := t[name]
	return ok
}

// Rules returns the rules of a chain, or nil when it does not exist.
func (t ChainTable) Rules(name string) []Rule {
	if c, ok := t[name]; ok {
		return c.Rules
	}
	return nil
}

var (
	chainHeaderRe = regexp.MustCompile(`^Chain (\S+) \(([^)]*)\)`)
	referencesRe  = regexp.MustCompile(`([0-9]+) references`)
	policyRe      = regexp.MustCompile(`policy ([A-Za-z]+)(.*)`)
)

// ParseChains parses "iptables --list -n -v" output.
//
// A chain starts with "Chain <name> (<extra>)" where extra is either
// "<n> references" or "policy <NAME> <stats>". The next line names the
// columns and each following line up to a blank line is a rule. Lines
// outside a chain block and headers with an unrecognized extra produce
// syntax warnings; a block with an unrecognized header is skipped.
func ParseChains(output string) (ChainTable, []error) {
	table := make(ChainTable)
	var warnings []error

	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	next := func() (string, bool) {
		if !scanner.Scan() {
			return "", false
		}
		lineNo++
		return scanner.Text(), true
	}

	for {
		line, ok := next()
		if !ok {
			break
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := chainHeaderRe.FindStringSubmatch(line)
		if m == nil {
			warnings = append(warnings, syntaxWarning("no chain header", line, lineNo))
			continue
		}

		chain, headerOK := parseChainHeader(m[1], m[2])
		if !headerOK {
			warnings = append(warnings, syntaxWarning("unable to parse chain header", line, lineNo))
		}

		columnLine, ok := next()
		if !ok {
			if headerOK {
				table[chain.Name] = chain
			}
			break
		}
		columns := strings.Fields(columnLine)

		index := 1
		for {
			row, ok := next()
			if !ok || strings.TrimSpace(row) == "" {
				break
			}
			if headerOK {
				chain.Rules = append(chain.Rules, parseRule(chain.Name, index, columns, strings.Fields(row)))
			}
			index++
		}
		if headerOK {
			table[chain.Name] = chain
		}
	}
	if err := scanner.Err(); err != nil {
		warnings = append(warnings, errors.Wrap(err, errors.KindSyntax, "reading chain listing"))
	}
	return table, warnings
}

func parseChainHeader(name, extra string) (*Chain, bool) {
	c := &Chain{Name: name}
	if m := referencesRe.FindStringSubmatch(extra); m != nil {
		c.References, _ = strconv.Atoi(m[1])
		return c, true
	}
	if m := policyRe.FindStringSubmatch(extra); m != nil {
		c.BuiltIn = true
		c.Policy = m[1]
		c.Stats = strings.TrimSpace(m[2])
		return c, true
	}
	return c, false
}

// Rules without a -j action print a blank target column, which whitespace
// tokenizing drops. The opt value ("--", "-f", "!f") then sits where prot
// belongs, so the target is put back as empty.
func restoreBlankTarget(columns, values []string) []string {
	ti := slices.Index(columns, "target")
	if ti < 0 || ti+2 >= len(columns) || columns[ti+1] != "prot" || columns[ti+2] != "opt" {
		return values
	}
	if len(values) <= ti+1 || !isOpt(values[ti+1]) {
		return values
	}
	return slices.Insert(slices.Clone(values), ti, "")
}

func isOpt(v string) bool {
	switch v {
	case "--", "-f", "!f":
		return true
	}
	return false
}

func parseRule(chain string, index int, columns, values []string) Rule {
	values = restoreBlankTarget(columns, values)
	r := Rule{
		Chain:  chain,
		Index:  index,
		Fields: make(map[string]string, len(columns)),
	}
	for i, v := range values {
		if i < len(columns) {
			r.Fields[columns[i]] = v
		} else {
			r.Extra = append(r.Extra, v)
		}
	}
	r.Target = r.Fields["target"]
	r.Source = r.Fields["source"]
	r.Destination = r.Fields["destination"]
	return r
}

func syntaxWarning(msg, line string, lineNo int) error {
	err := errors.Errorf(errors.KindSyntax, "%s: %q", msg, line)
	return errors.Attr(err, "line", lineNo)
}

// Location identifies one rule mentioning an address.
type Location struct {
	Chain  string
	Index  int
	Column string
}

// IPIndex maps an address to every rule mentioning it in its source or
// destination column. The any-address is never indexed.
type IPIndex map[string][]Location

// BuildIPIndex indexes every chain of t.
func BuildIPIndex(t ChainTable) IPIndex {
	idx := make(IPIndex)
	for name, c := range t {
		for _, r := range c.Rules {
			for _, col := range [...]string{"source", "destination"} {
				ip := r.Get(col)
				if iplist.IsNull(ip) {
					continue
				}
				idx[ip] = append(idx[ip], Location{Chain: name, Index: r.Index, Column: col})
			}
		}
	}
	return idx
}

// InChain reports whether ip appears in the named chain.
func (x IPIndex) InChain(ip, chain string) bool {
	for _, loc := range x[ip] {
		if loc.Chain == chain {
			return true
		}
	}
	return false
}
