package iplist

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/zesk/ipban/internal/logging"
)

// IsNull reports whether ip is empty or the any-address. Rules listing the
// any-address match every packet and never identify a banned host.
func IsNull(ip string) bool {
	return ip == "" || strings.HasPrefix(ip, "0.0.0.0")
}

// Normalize returns the canonical form of an IPv4 address or network.
// Networks are masked to their base address and /32 is stripped. IPv6,
// malformed and null addresses are rejected.
func Normalize(ip string) (string, error) {
	ip = strings.TrimSpace(ip)
	if IsNull(ip) {
		return "", fmt.Errorf("null address %q", ip)
	}
	if strings.Contains(ip, "/") {
		p, err := netip.ParsePrefix(ip)
		if err != nil {
			return "", err
		}
		if !p.Addr().Is4() {
			return "", fmt.Errorf("not an IPv4 network: %q", ip)
		}
		p = p.Masked()
		if p.Bits() == 32 {
			return p.Addr().String(), nil
		}
		if p.Bits() == 0 {
			return "", fmt.Errorf("network %q matches everything", ip)
		}
		return p.String(), nil
	}
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return "", err
	}
	if a.Is4In6() {
		a = a.Unmap()
	}
	if !a.Is4() {
		return "", fmt.Errorf("not an IPv4 address: %q", ip)
	}
	return a.String(), nil
}

// IsMask reports whether a normalized entry is a network rather than a host.
func IsMask(ip string) bool {
	return strings.Contains(ip, "/")
}

// NormalizeAll normalizes ips into a set. Rejected entries are logged at
// debug level under purpose and returned.
func NormalizeAll(ips []string, purpose string) (Set, []string) {
	s := make(Set, len(ips))
	var rejected []string
	for _, raw := range ips {
		ip, err := Normalize(raw)
		if err != nil {
			logging.WithComponent("iplist").Debug("Removed strange IP address", "ip", raw, "purpose", purpose, "error", err)
			rejected = append(rejected, raw)
			continue
		}
		s.Add(ip)
	}
	return s, rejected
}
