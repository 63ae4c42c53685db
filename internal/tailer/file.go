package tailer

import (
	"os"
	"sort"
	"strconv"
	"time"
)

// TrackedFile is the persisted read position of one matched log file.
// Offset never exceeds Size. Done is set once Offset reached Size with no
// growth since the last check.
type TrackedFile struct {
	Name    string `json:"name"`
	MTime   int64  `json:"mtime"`
	Size    int64  `json:"size"`
	Offset  int64  `json:"offset"`
	Created int64  `json:"created"`
	Checked int64  `json:"checked"`
	Done    bool   `json:"done"`
}

// Percent returns how much of the file has been consumed.
func (f TrackedFile) Percent() float64 {
	if f.Size <= 0 {
		return 100
	}
	return 100 * float64(f.Offset) / float64(f.Size)
}

func formatPercent(p float64) string {
	return strconv.FormatFloat(p, 'f', 1, 64)
}

// FileStatus is the introspection view of a tracked file.
type FileStatus struct {
	Name    string    `json:"name"`
	Offset  int64     `json:"offset"`
	Size    int64     `json:"size"`
	Percent float64   `json:"percent"`
	MTime   time.Time `json:"mtime"`
}

// Status converts the tracked file for display.
func (f TrackedFile) Status() FileStatus {
	return FileStatus{
		Name:    f.Name,
		Offset:  f.Offset,
		Size:    f.Size,
		Percent: f.Percent(),
		MTime:   time.Unix(f.MTime, 0),
	}
}

func newTrackedFile(name string, fi os.FileInfo, now int64) *TrackedFile {
	return &TrackedFile{
		Name:    name,
		MTime:   fi.ModTime().Unix(),
		Size:    fi.Size(),
		Created: now,
		Checked: now,
	}
}

// handle is an open file positioned for reading at the tracked offset.
type handle struct {
	f  *os.File
	fi os.FileInfo
}

func (h *handle) close() {
	if h != nil && h.f != nil {
		h.f.Close()
	}
}

func sortedFiles(m map[string]*TrackedFile) []TrackedFile {
	out := make([]TrackedFile, 0, len(m))
	for _, f := range m {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
