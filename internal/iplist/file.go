package iplist

import (
	"bufio"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zesk/ipban/internal/errors"
	"github.com/zesk/ipban/internal/logging"
)

// ParseList reads one address or network per line. Blank lines and #/;
// comments are skipped, as is anything after the first field. Entries that
// do not normalize are returned separately.
func ParseList(r io.Reader, purpose string) (Set, []string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexAny(line, "#;"); idx != -1 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		lines = append(lines, fields[0])
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, err
	}
	s, rejected := NormalizeAll(lines, purpose)
	return s, rejected, nil
}

// LoadFile parses the list at path. A missing file is an empty list.
func LoadFile(path, purpose string) (Set, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return make(Set), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindIO, "open %s file", purpose)
	}
	defer f.Close()
	s, rejected, err := ParseList(f, purpose)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindIO, "read %s file", purpose)
	}
	logging.WithComponent("iplist").Info("Loaded IP file", "purpose", purpose, "path", path, "count", s.Len(), "rejected", len(rejected))
	return s, nil
}

// File is a list file reloaded when it changes on disk. Changes are detected
// by modification time and size on every Refresh, and immediately when a
// Watcher marks the file dirty.
type File struct {
	Path    string
	Purpose string

	mu    sync.RWMutex
	set   Set
	mtime time.Time
	size  int64
	seen  bool
	dirty atomic.Bool
}

// NewFile returns an unloaded list file.
func NewFile(path, purpose string) *File {
	return &File{Path: path, Purpose: purpose, set: make(Set)}
}

// MarkDirty forces a reload on the next Refresh.
func (f *File) MarkDirty() {
	f.dirty.Store(true)
}

// Refresh reloads the file if it changed and reports whether the contents
// may differ from before.
func (f *File) Refresh() (bool, error) {
	if f == nil || f.Path == "" {
		return false, nil
	}
	var mtime time.Time
	var size int64
	exists := true
	st, err := os.Stat(f.Path)
	switch {
	case os.IsNotExist(err):
		exists = false
	case err != nil:
		return false, errors.Wrapf(err, errors.KindIO, "stat %s file", f.Purpose)
	default:
		mtime, size = st.ModTime(), st.Size()
	}

	f.mu.RLock()
	unchanged := f.seen && mtime.Equal(f.mtime) && size == f.size
	f.mu.RUnlock()
	dirty := f.dirty.Swap(false)
	if unchanged && !dirty {
		return false, nil
	}

	set := make(Set)
	if exists {
		if set, err = LoadFile(f.Path, f.Purpose); err != nil {
			return false, err
		}
	}
	f.mu.Lock()
	f.set, f.mtime, f.size, f.seen = set, mtime, size, true
	f.mu.Unlock()
	return true, nil
}

// Set returns a copy of the current contents.
func (f *File) Set() Set {
	if f == nil {
		return make(Set)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.set.Clone()
}
