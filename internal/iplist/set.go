// Package iplist holds sets of IPv4 addresses and networks, the text files
// they are kept in, and whitelist matching.
package iplist

import (
	"net/netip"
	"sort"
	"strings"
)

// Set is a set of normalized addresses or networks.
type Set map[string]struct{}

// New returns a set holding ips as given. Callers normalize first.
func New(ips ...string) Set {
	s := make(Set, len(ips))
	for _, ip := range ips {
		s[ip] = struct{}{}
	}
	return s
}

// Add inserts ip.
func (s Set) Add(ip string) { s[ip] = struct{}{} }

// Remove deletes ip.
func (s Set) Remove(ip string) { delete(s, ip) }

// Len returns the number of members.
func (s Set) Len() int { return len(s) }

// Has reports whether ip is a member.
func (s Set) Has(ip string) bool {
	_, ok := s[ip]
	return ok
}

// AddAll inserts every member of other.
func (s Set) AddAll(other Set) {
	for ip := range other {
		s[ip] = struct{}{}
	}
}

// RemoveAll deletes every member of other.
func (s Set) RemoveAll(other Set) {
	for ip := range other {
		delete(s, ip)
	}
}

// Clone returns a copy of s.
func (s Set) Clone() Set {
	c := make(Set, len(s))
	c.AddAll(s)
	return c
}

// Difference returns the members of s not in other.
func (s Set) Difference(other Set) Set {
	d := make(Set)
	for ip := range s {
		if !other.Has(ip) {
			d.Add(ip)
		}
	}
	return d
}

// Union returns the members of s and other.
func (s Set) Union(other Set) Set {
	u := s.Clone()
	u.AddAll(other)
	return u
}

// Equal reports whether both sets hold the same members.
func (s Set) Equal(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for ip := range s {
		if !other.Has(ip) {
			return false
		}
	}
	return true
}

// Sorted returns the members in numeric address order; networks sort by
// their base address, then by prefix length.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for ip := range s {
		out = append(out, ip)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, erri := parse(out[i])
		pj, errj := parse(out[j])
		if erri != nil || errj != nil {
			return out[i] < out[j]
		}
		if c := pi.Addr().Compare(pj.Addr()); c != 0 {
			return c < 0
		}
		return pi.Bits() < pj.Bits()
	})
	return out
}

func (s Set) String() string {
	return strings.Join(s.Sorted(), ",")
}

func parse(ip string) (netip.Prefix, error) {
	if strings.Contains(ip, "/") {
		return netip.ParsePrefix(ip)
	}
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}
