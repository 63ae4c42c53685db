package iplist

import (
	"net/netip"
)

// Matcher answers whether an address or network is covered by a list of
// addresses and networks, such as the whitelist.
type Matcher struct {
	exact    Set
	prefixes []netip.Prefix
}

// NewMatcher builds a matcher from a normalized set.
func NewMatcher(s Set) *Matcher {
	m := &Matcher{exact: make(Set)}
	for ip := range s {
		if IsMask(ip) {
			if p, err := netip.ParsePrefix(ip); err == nil {
				m.prefixes = append(m.prefixes, p)
				continue
			}
		}
		m.exact.Add(ip)
	}
	return m
}

// Contains reports whether ip equals a listed entry or lies inside a listed
// network. A network is covered only when it lies entirely inside one.
func (m *Matcher) Contains(ip string) bool {
	if m == nil {
		return false
	}
	if m.exact.Has(ip) {
		return true
	}
	if len(m.prefixes) == 0 {
		return false
	}
	p, err := parse(ip)
	if err != nil {
		return false
	}
	for _, w := range m.prefixes {
		if p.Bits() >= w.Bits() && w.Contains(p.Addr()) {
			return true
		}
	}
	return false
}

// Filter returns s without the members m contains.
func (m *Matcher) Filter(s Set) Set {
	out := make(Set, len(s))
	for ip := range s {
		if !m.Contains(ip) {
			out.Add(ip)
		}
	}
	return out
}

// Len returns the number of entries.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.exact) + len(m.prefixes)
}
