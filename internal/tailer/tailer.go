package tailer

import (
	"bufio"
	"context"
	"io"
	"os"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/zesk/ipban/internal/clock"
	"github.com/zesk/ipban/internal/errors"
	"github.com/zesk/ipban/internal/logging"
	"github.com/zesk/ipban/internal/metrics"
)

// Options configures a Tailer.
type Options struct {
	// Name identifies the parser in logs and metrics.
	Name    string
	Pattern string
	Handler Handler

	// MaximumAge skips files last modified more than this long ago. Zero
	// keeps every file.
	MaximumAge         time.Duration
	UpdateFrequency    time.Duration
	CheckDoneFrequency time.Duration
	DebugSyntax        bool

	Clock  clock.Clock
	Logger *logging.Logger
}

// DrainResult summarises one Drain call.
type DrainResult struct {
	Lines        int
	SyntaxErrors int
	// MaxTimestamp is the newest record timestamp seen during the call, or 0.
	MaxTimestamp int64
	// Interrupted is set when the time budget or the context ended the call.
	Interrupted bool
}

// Progress reports whether any line was consumed.
func (r DrainResult) Progress() bool {
	return r.Lines > 0
}

// EmitFunc receives each parsed record. An error stops the drain and leaves
// the line unconsumed.
type EmitFunc func(rec Record) error

// Tailer follows every file matching a glob and remembers how far each has
// been read. It is not safe for concurrent use.
type Tailer struct {
	opts    Options
	pattern *Pattern
	clock   clock.Clock
	logger  *logging.Logger

	files   map[string]*TrackedFile
	handles map[string]*handle

	lastUpdate time.Time
}

// New returns a tailer for opts.Pattern.
func New(opts Options) (*Tailer, error) {
	if opts.Pattern == "" {
		return nil, errors.Errorf(errors.KindConfiguration, "parser %s: no file pattern", opts.Name)
	}
	if opts.Handler == nil {
		return nil, errors.Errorf(errors.KindConfiguration, "parser %s: no handler", opts.Name)
	}
	p, err := CompilePattern(opts.Pattern)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfiguration, "parser %s: invalid file pattern %q", opts.Name, opts.Pattern)
	}
	if opts.UpdateFrequency == 0 {
		opts.UpdateFrequency = time.Minute
	}
	if opts.CheckDoneFrequency == 0 {
		opts.CheckDoneFrequency = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("tailer")
	}
	return &Tailer{
		opts:    opts,
		pattern: p,
		clock:   clock.OrDefault(opts.Clock),
		logger:  opts.Logger.WithFields(map[string]any{"parser": opts.Name}),
		files:   make(map[string]*TrackedFile),
		handles: make(map[string]*handle),
	}, nil
}

// Name returns the parser name.
func (t *Tailer) Name() string {
	return t.opts.Name
}

// RefreshFileList rescans the glob at most once per UpdateFrequency. Files
// that vanished or grew too old are dropped and their handles closed; new
// matches start at offset 0.
func (t *Tailer) RefreshFileList() error {
	now := t.clock.Now()
	if !t.lastUpdate.IsZero() && now.Before(t.lastUpdate.Add(t.opts.UpdateFrequency)) {
		return nil
	}
	t.lastUpdate = now

	var cutoff time.Time
	if t.opts.MaximumAge > 0 {
		cutoff = now.Add(-t.opts.MaximumAge)
		t.logger.Debug("Skipping old files", "pattern", t.pattern, "before", cutoff.Format(time.DateTime))
	}
	tooOld := func(fi os.FileInfo) bool {
		return !cutoff.IsZero() && fi.ModTime().Before(cutoff)
	}

	for name := range t.files {
		fi, err := os.Stat(name)
		switch {
		case err != nil || !fi.Mode().IsRegular():
			t.logger.Debug("Removing file", "file", name)
			t.forget(name)
		case tooOld(fi):
			t.logger.Info("Removing old file", "file", name, "mtime", fi.ModTime().Format(time.DateTime))
			t.forget(name)
		}
	}

	matches, err := t.pattern.Expand()
	if err != nil {
		return errors.Wrapf(err, errors.KindIO, "expanding %s", t.pattern)
	}
	for _, name := range matches {
		if _, ok := t.files[name]; ok {
			continue
		}
		fi, err := os.Stat(name)
		if err != nil {
			continue
		}
		if tooOld(fi) {
			t.logger.Debug("Skipping old file", "file", name, "mtime", fi.ModTime().Format(time.DateTime))
			continue
		}
		t.logger.Info("Tracking file", "file", name, "size", fi.Size())
		t.files[name] = newTrackedFile(name, fi, now.Unix())
	}
	metrics.Get().TailerFiles.WithLabelValues(t.opts.Name).Set(float64(len(t.files)))
	return nil
}

func (t *Tailer) forget(name string) {
	delete(t.files, name)
	if h, ok := t.handles[name]; ok {
		h.close()
		delete(t.handles, name)
	}
}

// ReopenStale re-stats files that are not done, and done files not checked
// within CheckDoneFrequency. A file whose size or mtime changed is no longer
// done. Files that shrank below their offset, or whose path now names a
// different file, are rewound to 0. Every file that is not done gets an open
// handle; a file that cannot be opened is marked done.
func (t *Tailer) ReopenStale() {
	now := t.clock.Now()
	names := make([]string, 0, len(t.files))
	for name := range t.files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		tf := t.files[name]
		if tf.Done && time.Unix(tf.Checked, 0).After(now.Add(-t.opts.CheckDoneFrequency)) {
			continue
		}
		t.check(tf, now)
	}
}

func (t *Tailer) check(tf *TrackedFile, now time.Time) {
	tf.Checked = now.Unix()
	fi, err := os.Stat(tf.Name)
	if err != nil {
		t.logger.Warn("Can not stat file", "file", tf.Name, "error", err)
		tf.Done = true
		t.closeHandle(tf.Name)
		return
	}
	if !fi.Mode().IsRegular() {
		t.logger.Warn("Not a regular file", "file", tf.Name, "mode", fi.Mode().String())
		tf.Done = true
		t.closeHandle(tf.Name)
		return
	}

	h := t.handles[tf.Name]
	rotated := fi.Size() < tf.Offset || (h != nil && !os.SameFile(h.fi, fi))
	if rotated {
		t.logger.Info("File rotated, reading from start", "file", tf.Name, "offset", tf.Offset, "size", fi.Size())
		tf.Offset = 0
		t.closeHandle(tf.Name)
		h = nil
	}

	if fi.ModTime().Unix() != tf.MTime || fi.Size() != tf.Size {
		tf.MTime = fi.ModTime().Unix()
		tf.Size = fi.Size()
		tf.Done = false
	} else if tf.Offset == tf.Size {
		tf.Done = true
	}
	if tf.Done || h != nil {
		return
	}

	// Non-blocking so a path swapped for a FIFO can not stall the cycle.
	f, err := os.OpenFile(tf.Name, os.O_RDONLY|syscall.O_NONBLOCK, 0)
	if err != nil {
		t.logger.Error("Can not open file for reading", "file", tf.Name, "error", err)
		tf.Done = true
		return
	}
	ofi, err := f.Stat()
	if err != nil || !ofi.Mode().IsRegular() {
		f.Close()
		t.logger.Error("Can not stat open file", "file", tf.Name, "error", err)
		tf.Done = true
		return
	}
	t.handles[tf.Name] = &handle{f: f, fi: ofi}
}

func (t *Tailer) closeHandle(name string) {
	if h, ok := t.handles[name]; ok {
		h.close()
		delete(t.handles, name)
	}
}

// Drain round-robins the open files, reading complete lines and passing
// each parsed record to emit. Lines that fail to parse are skipped. Each
// file's offset advances past every consumed line, so a trailing partial
// line is read again once it is complete. The budget and ctx are checked
// after every line; Drain returns as soon as either runs out, or when a full
// pass over the files reads nothing.
func (t *Tailer) Drain(ctx context.Context, budget time.Duration, emit EmitFunc) (DrainResult, error) {
	var res DrainResult
	start := t.clock.Now()

	names := make([]string, 0, len(t.handles))
	for name := range t.handles {
		names = append(names, name)
	}
	sort.Strings(names)

	for len(names) > 0 {
		if ctx.Err() != nil {
			res.Interrupted = true
			return res, nil
		}
		passLines := 0
		for _, name := range names {
			n, stop, err := t.drainFile(ctx, name, start, budget, emit, &res)
			passLines += n
			if err != nil {
				return res, err
			}
			if stop {
				res.Interrupted = true
				return res, nil
			}
		}
		if passLines == 0 {
			return res, nil
		}
	}
	return res, nil
}

func (t *Tailer) drainFile(ctx context.Context, name string, start time.Time, budget time.Duration, emit EmitFunc, res *DrainResult) (int, bool, error) {
	h, ok := t.handles[name]
	tf, tracked := t.files[name]
	if !ok || !tracked {
		return 0, false, nil
	}
	if _, err := h.f.Seek(tf.Offset, io.SeekStart); err != nil {
		t.logger.Error("Can not seek", "file", name, "offset", tf.Offset, "error", err)
		t.closeHandle(name)
		tf.Done = true
		return 0, false, nil
	}
	r := bufio.NewReader(h.f)
	m := metrics.Get()

	lines := 0
	stop := false
	for {
		raw, err := r.ReadString('\n')
		if err != nil {
			// A partial line stays unconsumed until its newline arrives
			if err != io.EOF {
				t.logger.Error("Read failed", "file", name, "error", err)
			}
			break
		}
		lines++
		line := strings.TrimRight(raw, "\r\n")
		rec, perr := t.opts.Handler.Parse(line)
		if perr != nil {
			if !errors.IsSyntax(perr) {
				return lines, false, perr
			}
			res.SyntaxErrors++
			m.SyntaxErrors.WithLabelValues(t.opts.Name).Inc()
			if t.opts.DebugSyntax {
				t.logger.Debug("Syntax error", "file", name, "error", perr, "line", line)
			}
		} else {
			if err := emit(rec); err != nil {
				return lines - 1, false, err
			}
			if rec.Timestamp > res.MaxTimestamp {
				res.MaxTimestamp = rec.Timestamp
			}
		}
		tf.Offset += int64(len(raw))
		res.Lines++
		m.Lines.WithLabelValues(t.opts.Name).Inc()

		if t.clock.Since(start) >= budget || ctx.Err() != nil {
			stop = true
			break
		}
	}

	if lines > 0 {
		if fi, err := h.f.Stat(); err == nil {
			tf.Size = fi.Size()
		}
		if tf.Offset > tf.Size {
			tf.Size = tf.Offset
		}
		t.logger.Info("Processed file",
			"file", name,
			"offset", tf.Offset,
			"total", tf.Size,
			"percent", formatPercent(tf.Percent()),
			"lines", lines)
	}
	return lines, stop, nil
}

// Status returns the per-file read position, sorted by name.
func (t *Tailer) Status() []FileStatus {
	files := sortedFiles(t.files)
	out := make([]FileStatus, len(files))
	for i, f := range files {
		out[i] = f.Status()
	}
	return out
}

// Snapshot returns a copy of the tracked files for persistence.
func (t *Tailer) Snapshot() []TrackedFile {
	return sortedFiles(t.files)
}

// Restore replaces the tracked files with a saved snapshot. Handles are
// reopened by the next ReopenStale.
func (t *Tailer) Restore(files []TrackedFile) {
	t.Close()
	t.files = make(map[string]*TrackedFile, len(files))
	for i := range files {
		f := files[i]
		if f.Offset < 0 {
			f.Offset = 0
		}
		t.files[f.Name] = &f
	}
}

// Close releases every open handle. Tracked positions are kept.
func (t *Tailer) Close() {
	for name, h := range t.handles {
		h.close()
		delete(t.handles, name)
	}
}
