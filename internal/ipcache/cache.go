// Package ipcache mirrors banned addresses into a directory tree so that
// other programs on the host, such as web applications, can test an address
// with a single stat: an entry for 192.0.2.7 lives at <root>/192/0/2/7.
//
// Networks wider than a /24 are stored as wildcard entries (<root>/10/1/*
// for 10.1.0.0/16, <root>/192/0/2/* for 192.0.2.0/24). Narrower networks are
// expanded to one file per address.
package ipcache

import (
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zesk/ipban/internal/clock"
	"github.com/zesk/ipban/internal/errors"
	"github.com/zesk/ipban/internal/logging"
)

// Wildcard is the file name covering a whole network.
const Wildcard = "*"

// Cache is a directory-tree address cache.
type Cache struct {
	root   string
	clock  clock.Clock
	logger *logging.Logger
}

// New creates root if needed.
func New(root string, clk clock.Clock) (*Cache, error) {
	if root == "" {
		return nil, errors.New(errors.KindConfiguration, "ip_cache path is not set")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.KindIO, "create ip cache %s", root)
	}
	return &Cache{root: root, clock: clock.OrDefault(clk), logger: logging.WithComponent("ipcache")}, nil
}

// Root returns the cache directory.
func (c *Cache) Root() string {
	return c.root
}

// Drop records each address or network and returns the number of
// addresses now covered.
func (c *Cache) Drop(ips []string) int {
	n := 0
	for _, ip := range ips {
		n += c.apply(ip, c.drop)
	}
	return n
}

// Allow removes each address or network and returns the number of
// addresses no longer covered.
func (c *Cache) Allow(ips []string) int {
	n := 0
	for _, ip := range ips {
		n += c.apply(ip, c.allow)
	}
	return n
}

// Has reports whether an entry exists for ip, either its own file or a
// wildcard covering it.
func (c *Cache) Has(ip string) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil || !a.Is4() {
		return false
	}
	parts := strings.Split(a.String(), ".")
	candidates := [][]string{
		parts,
		{parts[0], parts[1], parts[2], Wildcard},
		{parts[0], parts[1], Wildcard},
	}
	for _, p := range candidates {
		if _, err := os.Stat(c.path(p)); err == nil {
			return true
		}
	}
	return false
}

// CleanEmpties removes empty first-octet directories and returns how many
// were removed.
func (c *Cache) CleanEmpties() (int, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindIO, "read ip cache")
	}
	deleted := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(c.root, e.Name())
		children, err := os.ReadDir(dir)
		if err != nil || len(children) > 0 {
			continue
		}
		if err := os.Remove(dir); err == nil {
			deleted++
		}
	}
	if deleted > 0 {
		c.logger.Info("Removed empty cache directories", "count", deleted)
	}
	return deleted, nil
}

func (c *Cache) apply(ip string, fn func(parts []string) bool) int {
	if !strings.Contains(ip, "/") {
		a, err := netip.ParseAddr(ip)
		if err != nil || !a.Is4() {
			return 0
		}
		if fn(strings.Split(a.String(), ".")) {
			return 1
		}
		return 0
	}

	p, err := netip.ParsePrefix(ip)
	if err != nil || !p.Addr().Is4() {
		return 0
	}
	p = p.Masked()
	low := toUint(p.Addr())
	size := uint64(1) << (32 - p.Bits())
	high := uint64(low) + size - 1

	n := 0
	if p.Bits() > 24 {
		for i := uint64(low); i <= high; i++ {
			if fn(strings.Split(fromUint(uint32(i)).String(), ".")) {
				n++
			}
		}
		return n
	}

	keep, step := 3, uint64(256)
	if p.Bits() <= 16 {
		keep, step = 2, 256*256
	}
	for i := uint64(low); i <= high; i += step {
		parts := strings.Split(fromUint(uint32(i)).String(), ".")[:keep]
		if fn(append(parts, Wildcard)) {
			n += int(step)
		}
	}
	return n
}

func (c *Cache) path(parts []string) string {
	return filepath.Join(append([]string{c.root}, parts...)...)
}

func (c *Cache) drop(parts []string) bool {
	file := c.path(parts)
	if _, err := os.Stat(file); err == nil {
		return true
	}
	dir := filepath.Dir(file)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.logger.Error("Unable to create directory to block address", "dir", dir, "ip", strings.Join(parts, "."), "error", err)
		return false
	}
	stamp := strconv.FormatInt(c.clock.Now().Unix(), 10)
	if err := os.WriteFile(file, []byte(stamp), 0o644); err != nil {
		c.logger.Error("Unable to write cache entry", "file", file, "error", err)
		return false
	}
	return true
}

func (c *Cache) allow(parts []string) bool {
	err := os.Remove(c.path(parts))
	return err == nil
}

func toUint(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func fromUint(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
