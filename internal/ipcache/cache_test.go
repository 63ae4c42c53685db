package ipcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zesk/ipban/internal/clock"
	"github.com/zesk/ipban/internal/errors"
)

func newCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(filepath.Join(t.TempDir(), "ips"), clock.NewMockClockUnix(1_700_000_000))
	require.NoError(t, err)
	return c
}

func TestNew_RequiresPath(t *testing.T) {
	_, err := New("", nil)
	assert.True(t, errors.IsConfiguration(err))
}

func TestDropAllow_Address(t *testing.T) {
	c := newCache(t)

	assert.Equal(t, 1, c.Drop([]string{"192.0.2.7"}))
	data, err := os.ReadFile(filepath.Join(c.Root(), "192", "0", "2", "7"))
	require.NoError(t, err)
	assert.Equal(t, "1700000000", string(data))
	assert.True(t, c.Has("192.0.2.7"))
	assert.False(t, c.Has("192.0.2.8"))

	// Existing entries still count
	assert.Equal(t, 1, c.Drop([]string{"192.0.2.7"}))

	assert.Equal(t, 1, c.Allow([]string{"192.0.2.7"}))
	assert.Equal(t, 0, c.Allow([]string{"192.0.2.7"}))
	assert.False(t, c.Has("192.0.2.7"))
}

func TestDrop_RejectsInvalid(t *testing.T) {
	c := newCache(t)
	assert.Equal(t, 0, c.Drop([]string{"2001:db8::1", "not-an-ip", "10.0.0.0/33"}))
}

func TestDrop_NarrowNetworkExpands(t *testing.T) {
	c := newCache(t)

	assert.Equal(t, 4, c.Drop([]string{"198.51.100.8/30"}))
	for _, ip := range []string{"198.51.100.8", "198.51.100.9", "198.51.100.10", "198.51.100.11"} {
		assert.True(t, c.Has(ip), ip)
	}
	assert.False(t, c.Has("198.51.100.12"))

	assert.Equal(t, 4, c.Allow([]string{"198.51.100.8/30"}))
	assert.False(t, c.Has("198.51.100.9"))
}

func TestDrop_WideNetworksUseWildcards(t *testing.T) {
	c := newCache(t)

	assert.Equal(t, 256, c.Drop([]string{"203.0.113.0/24"}))
	assert.FileExists(t, filepath.Join(c.Root(), "203", "0", "113", Wildcard))
	assert.True(t, c.Has("203.0.113.200"))

	assert.Equal(t, 512, c.Drop([]string{"192.0.0.0/23"}))
	assert.FileExists(t, filepath.Join(c.Root(), "192", "0", "1", Wildcard))

	assert.Equal(t, 65536, c.Drop([]string{"10.1.0.0/16"}))
	assert.FileExists(t, filepath.Join(c.Root(), "10", "1", Wildcard))
	assert.True(t, c.Has("10.1.77.3"))

	assert.Equal(t, 65536, c.Allow([]string{"10.1.0.0/16"}))
	assert.False(t, c.Has("10.1.77.3"))
}

func TestCleanEmpties(t *testing.T) {
	c := newCache(t)
	c.Drop([]string{"192.0.2.7", "198.51.100.1"})
	require.NoError(t, os.MkdirAll(filepath.Join(c.Root(), "10"), 0o755))

	n, err := c.CleanEmpties()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoDirExists(t, filepath.Join(c.Root(), "10"))
	assert.DirExists(t, filepath.Join(c.Root(), "192"))
}
