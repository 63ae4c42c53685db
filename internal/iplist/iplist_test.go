package iplist

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"1.2.3.4", "1.2.3.4", false},
		{" 10.0.0.1 ", "10.0.0.1", false},
		{"10.1.2.3/32", "10.1.2.3", false},
		{"10.1.2.3/24", "10.1.2.0/24", false},
		{"::ffff:1.2.3.4", "1.2.3.4", false},
		{"0.0.0.0", "", true},
		{"0.0.0.0/0", "", true},
		{"", "", true},
		{"2001:db8::1", "", true},
		{"999.1.1.1", "", true},
		{"1.2.3.4/33", "", true},
		{"example.com", "", true},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestIsNull(t *testing.T) {
	assert.True(t, IsNull(""))
	assert.True(t, IsNull("0.0.0.0/0"))
	assert.False(t, IsNull("10.0.0.0"))
}

func TestSetOperations(t *testing.T) {
	a := New("1.1.1.1", "2.2.2.2", "3.3.3.3")
	b := New("2.2.2.2", "4.4.4.4")

	assert.Equal(t, []string{"1.1.1.1", "3.3.3.3"}, a.Difference(b).Sorted())
	assert.Equal(t, 4, a.Union(b).Len())
	assert.True(t, a.Equal(a.Clone()))
	assert.False(t, a.Equal(b))

	c := a.Clone()
	c.RemoveAll(b)
	assert.False(t, c.Has("2.2.2.2"))
	assert.True(t, a.Has("2.2.2.2"), "clone must not alias")
}

func TestSortedNumeric(t *testing.T) {
	s := New("10.0.0.1", "9.0.0.1", "10.0.0.0/8", "100.0.0.1")
	assert.Equal(t, []string{"9.0.0.1", "10.0.0.0/8", "10.0.0.1", "100.0.0.1"}, s.Sorted())
}

func TestParseList(t *testing.T) {
	input := `# toxic list
1.2.3.4
5.6.7.8/32   ; inline
10.0.0.0/8 # network

not-an-ip
1.2.3.4
`
	s, rejected, err := ParseList(strings.NewReader(input), "test")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3.4", "5.6.7.8", "10.0.0.0/8"}, s.Sorted())
	assert.Equal(t, []string{"not-an-ip"}, rejected)
}

func TestMatcher(t *testing.T) {
	m := NewMatcher(New("192.168.1.10", "10.0.0.0/8"))

	assert.True(t, m.Contains("192.168.1.10"))
	assert.True(t, m.Contains("10.20.30.40"))
	assert.True(t, m.Contains("10.1.0.0/16"))
	assert.False(t, m.Contains("10.0.0.0/7"), "wider network is not covered")
	assert.False(t, m.Contains("192.168.1.11"))
	assert.Equal(t, 2, m.Len())

	filtered := m.Filter(New("10.1.1.1", "8.8.8.8", "192.168.1.10"))
	assert.Equal(t, []string{"8.8.8.8"}, filtered.Sorted())

	var nilMatcher *Matcher
	assert.False(t, nilMatcher.Contains("1.1.1.1"))
}

func TestFileRefresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whitelist")
	f := NewFile(path, "whitelist")

	changed, err := f.Refresh()
	require.NoError(t, err)
	assert.True(t, changed, "first refresh always loads")
	assert.Zero(t, f.Set().Len())

	changed, err = f.Refresh()
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, os.WriteFile(path, []byte("1.2.3.4\n"), 0o644))
	changed, err = f.Refresh()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, f.Set().Has("1.2.3.4"))

	f.MarkDirty()
	changed, err = f.Refresh()
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestWatcherMarksDirty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "whitelist")
	f := NewFile(path, "whitelist")
	_, err := f.Refresh()
	require.NoError(t, err)

	w, err := NewWatcher(f)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(path, []byte("9.9.9.9\n"), 0o644))

	assert.Eventually(t, func() bool {
		return f.dirty.Load()
	}, 2*time.Second, 10*time.Millisecond)
}
