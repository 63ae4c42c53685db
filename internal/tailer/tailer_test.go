package tailer

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zesk/ipban/internal/clock"
)

// lineHandler tags every line with itself; the line "bad" is a syntax error.
type lineHandler struct{}

func (lineHandler) Kind() string { return "test" }

func (lineHandler) Parse(line string) (Record, error) {
	if line == "bad" {
		return Record{}, syntaxError(line, "bad line")
	}
	return Record{Timestamp: int64(1000 + len(line)), IP: "192.0.2.1", Tags: []Tag{{Type: "line", Value: line}}}, nil
}

func newTestTailer(t *testing.T, pattern string, clk clock.Clock) *Tailer {
	t.Helper()
	tl, err := New(Options{Name: "test", Pattern: pattern, Handler: lineHandler{}, Clock: clk})
	require.NoError(t, err)
	t.Cleanup(tl.Close)
	return tl
}

func collect(out *[]string) EmitFunc {
	return func(rec Record) error {
		*out = append(*out, rec.Tags[0].Value)
		return nil
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func step(t *testing.T, tl *Tailer) {
	t.Helper()
	require.NoError(t, tl.RefreshFileList())
	tl.ReopenStale()
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Name: "x", Handler: lineHandler{}})
	assert.Error(t, err)

	_, err = New(Options{Name: "x", Pattern: "/tmp/*.log"})
	assert.Error(t, err)
}

func TestDrain_CompleteLinesOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	writeFile(t, path, "a\nb\npar")

	tl := newTestTailer(t, filepath.Join(dir, "*.log"), clock.NewMockClock(time.Now()))
	step(t, tl)

	var got []string
	res, err := tl.Drain(context.Background(), time.Hour, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 2, res.Lines)
	assert.True(t, res.Progress())
	assert.False(t, res.Interrupted)
	assert.Equal(t, int64(1001), res.MaxTimestamp)

	files := tl.Snapshot()
	require.Len(t, files, 1)
	assert.Equal(t, int64(4), files[0].Offset)
	assert.Equal(t, int64(7), files[0].Size)

	appendFile(t, path, "tial\n")
	got = nil
	res, err = tl.Drain(context.Background(), time.Hour, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, []string{"partial"}, got)
	assert.Equal(t, int64(1007), res.MaxTimestamp)

	files = tl.Snapshot()
	assert.Equal(t, int64(12), files[0].Offset)
	assert.Equal(t, files[0].Size, files[0].Offset)
}

func TestDrain_NoProgress(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.log"), "one\n")

	tl := newTestTailer(t, filepath.Join(dir, "*.log"), clock.NewMockClock(time.Now()))
	step(t, tl)

	var got []string
	_, err := tl.Drain(context.Background(), time.Hour, collect(&got))
	require.NoError(t, err)

	res, err := tl.Drain(context.Background(), time.Hour, collect(&got))
	require.NoError(t, err)
	assert.False(t, res.Progress())
	assert.Zero(t, res.MaxTimestamp)
}

func TestDrain_TimeBudget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	writeFile(t, path, "1\n2\n3\n4\n5\n")

	clk := clock.NewMockClock(time.Now())
	tl := newTestTailer(t, filepath.Join(dir, "*.log"), clk)
	step(t, tl)

	var got []string
	slow := func(rec Record) error {
		clk.Advance(time.Second)
		got = append(got, rec.Tags[0].Value)
		return nil
	}

	res, err := tl.Drain(context.Background(), 2*time.Second, slow)
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Equal(t, []string{"1", "2"}, got)
	assert.Equal(t, int64(4), tl.Snapshot()[0].Offset)

	res, err = tl.Drain(context.Background(), time.Hour, slow)
	require.NoError(t, err)
	assert.False(t, res.Interrupted)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, got)
	assert.Equal(t, int64(10), tl.Snapshot()[0].Offset)
}

func TestDrain_Cancellation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.log"), "1\n2\n3\n")

	tl := newTestTailer(t, filepath.Join(dir, "*.log"), clock.NewMockClock(time.Now()))
	step(t, tl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string
	res, err := tl.Drain(ctx, time.Hour, func(rec Record) error {
		got = append(got, rec.Tags[0].Value)
		cancel()
		return nil
	})
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Equal(t, []string{"1"}, got)
	assert.Equal(t, int64(2), tl.Snapshot()[0].Offset)
}

func TestDrain_SkipsSyntaxErrors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.log"), "ok\nbad\nfine\n")

	tl := newTestTailer(t, filepath.Join(dir, "*.log"), clock.NewMockClock(time.Now()))
	step(t, tl)

	var got []string
	res, err := tl.Drain(context.Background(), time.Hour, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, []string{"ok", "fine"}, got)
	assert.Equal(t, 3, res.Lines)
	assert.Equal(t, 1, res.SyntaxErrors)
	assert.Equal(t, int64(12), tl.Snapshot()[0].Offset)
}

func TestDrain_EmitErrorLeavesLineUnread(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.log"), "1\n2\n")

	tl := newTestTailer(t, filepath.Join(dir, "*.log"), clock.NewMockClock(time.Now()))
	step(t, tl)

	calls := 0
	_, err := tl.Drain(context.Background(), time.Hour, func(rec Record) error {
		calls++
		if calls == 2 {
			return os.ErrClosed
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, int64(2), tl.Snapshot()[0].Offset)
}

func TestDrain_RoundRobin(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.log"), "a1\na2\n")
	writeFile(t, filepath.Join(dir, "b.log"), "b1\n")

	tl := newTestTailer(t, filepath.Join(dir, "*.log"), clock.NewMockClock(time.Now()))
	step(t, tl)

	var got []string
	_, err := tl.Drain(context.Background(), time.Hour, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2", "b1"}, got)
}

func TestReopenStale_DoneAndRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	writeFile(t, path, "first line\nsecond line\n")

	clk := clock.NewMockClock(time.Now())
	tl := newTestTailer(t, filepath.Join(dir, "*.log"), clk)
	step(t, tl)

	var got []string
	_, err := tl.Drain(context.Background(), time.Hour, collect(&got))
	require.NoError(t, err)

	tl.ReopenStale()
	assert.True(t, tl.Snapshot()[0].Done)

	// Done files are only re-checked after CheckDoneFrequency
	writeFile(t, path, "x\n")
	tl.ReopenStale()
	assert.True(t, tl.Snapshot()[0].Done)

	clk.Advance(2 * time.Hour)
	tl.ReopenStale()
	f := tl.Snapshot()[0]
	assert.False(t, f.Done)
	assert.Equal(t, int64(0), f.Offset)

	got = nil
	_, err = tl.Drain(context.Background(), time.Hour, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, got)
	f = tl.Snapshot()[0]
	assert.Equal(t, int64(2), f.Offset)
	assert.LessOrEqual(t, f.Offset, f.Size)
}

func TestReopenStale_ReplacedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	writeFile(t, path, "old\n")

	tl := newTestTailer(t, filepath.Join(dir, "*.log"), clock.NewMockClock(time.Now()))
	step(t, tl)

	var got []string
	_, err := tl.Drain(context.Background(), time.Hour, collect(&got))
	require.NoError(t, err)

	// Rotate by rename; the new file is longer than the old offset
	require.NoError(t, os.Rename(path, path+".1"))
	writeFile(t, path, "new one\nnew two\n")

	tl.ReopenStale()
	got = nil
	_, err = tl.Drain(context.Background(), time.Hour, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, []string{"new one", "new two"}, got)
}

func TestReopenStale_UnopenableFile(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.log")
	b := filepath.Join(dir, "b.log")
	writeFile(t, a, "from a\n")
	writeFile(t, b, "from b\n")

	tl := newTestTailer(t, filepath.Join(dir, "*.log"), clock.NewMockClock(time.Now()))
	require.NoError(t, tl.RefreshFileList())
	require.Len(t, tl.Snapshot(), 2)

	// Vanishes between the rescan and the open
	require.NoError(t, os.Remove(a))
	tl.ReopenStale()

	assert.True(t, tl.files[a].Done)
	assert.NotContains(t, tl.handles, a)
	assert.Contains(t, tl.handles, b)

	var got []string
	_, err := tl.Drain(context.Background(), time.Hour, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, []string{"from b"}, got)
}

func TestReopenStale_ReplacedByFIFO(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	writeFile(t, path, "line\n")

	tl := newTestTailer(t, filepath.Join(dir, "*.log"), clock.NewMockClock(time.Now()))
	require.NoError(t, tl.RefreshFileList())

	require.NoError(t, os.Remove(path))
	require.NoError(t, syscall.Mkfifo(path, 0o600))

	done := make(chan struct{})
	go func() {
		tl.ReopenStale()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ReopenStale blocked on a FIFO")
	}

	assert.True(t, tl.files[path].Done)
	assert.NotContains(t, tl.handles, path)
}

func TestRefreshFileList(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.log")
	b := filepath.Join(dir, "b.log")
	writeFile(t, a, "a\n")

	clk := clock.NewMockClock(time.Now())
	tl := newTestTailer(t, filepath.Join(dir, "*.log"), clk)
	step(t, tl)
	require.Len(t, tl.Snapshot(), 1)

	writeFile(t, b, "b\n")
	require.NoError(t, tl.RefreshFileList())
	assert.Len(t, tl.Snapshot(), 1, "rescans are rate limited")

	clk.Advance(61 * time.Second)
	require.NoError(t, tl.RefreshFileList())
	assert.Len(t, tl.Snapshot(), 2)

	require.NoError(t, os.Remove(a))
	clk.Advance(61 * time.Second)
	require.NoError(t, tl.RefreshFileList())
	files := tl.Snapshot()
	require.Len(t, files, 1)
	assert.Equal(t, b, files[0].Name)
	assert.NotContains(t, tl.handles, a)
}

func TestRefreshFileList_MaximumAge(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "old.log")
	fresh := filepath.Join(dir, "fresh.log")
	writeFile(t, old, "x\n")
	writeFile(t, fresh, "y\n")
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	tl, err := New(Options{
		Name:       "test",
		Pattern:    filepath.Join(dir, "*.log"),
		Handler:    lineHandler{},
		MaximumAge: 24 * time.Hour,
		Clock:      clock.NewMockClock(time.Now()),
	})
	require.NoError(t, err)
	defer tl.Close()

	require.NoError(t, tl.RefreshFileList())
	files := tl.Snapshot()
	require.Len(t, files, 1)
	assert.Equal(t, fresh, files[0].Name)
}

func TestSnapshotRestore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	writeFile(t, path, "1\n2\n")

	clk := clock.NewMockClock(time.Now())
	tl := newTestTailer(t, filepath.Join(dir, "*.log"), clk)
	step(t, tl)
	var got []string
	_, err := tl.Drain(context.Background(), time.Hour, collect(&got))
	require.NoError(t, err)
	saved := tl.Snapshot()

	appendFile(t, path, "3\n")

	resumed := newTestTailer(t, filepath.Join(dir, "*.log"), clk)
	resumed.Restore(saved)
	step(t, resumed)
	got = nil
	_, err = resumed.Drain(context.Background(), time.Hour, collect(&got))
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, got)

	st := resumed.Status()
	require.Len(t, st, 1)
	assert.Equal(t, int64(6), st[0].Offset)
	assert.InDelta(t, 100.0, st[0].Percent, 0.001)
}

func TestTrackedFile_Percent(t *testing.T) {
	assert.InDelta(t, 25.0, TrackedFile{Offset: 25, Size: 100}.Percent(), 0.001)
	assert.InDelta(t, 100.0, TrackedFile{}.Percent(), 0.001)
	assert.Equal(t, "33.3", formatPercent(TrackedFile{Offset: 1, Size: 3}.Percent()))
}
