package iplist

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/zesk/ipban/internal/errors"
	"github.com/zesk/ipban/internal/logging"
)

// Watcher marks list files dirty when fsnotify reports a change to them.
// Directories are watched rather than files so editors that replace the
// file atomically are still seen.
type Watcher struct {
	watcher *fsnotify.Watcher
	files   map[string]*File
	logger  *logging.Logger
}

// NewWatcher watches the directories holding files. Files whose directory
// cannot be watched fall back to Refresh polling.
func NewWatcher(files ...*File) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindIO, "failed to create file watcher")
	}
	w := &Watcher{
		watcher: fw,
		files:   make(map[string]*File),
		logger:  logging.WithComponent("iplist"),
	}
	dirs := make(map[string]bool)
	for _, f := range files {
		if f == nil || f.Path == "" {
			continue
		}
		path := filepath.Clean(f.Path)
		w.files[path] = f
		dir := filepath.Dir(path)
		if dirs[dir] {
			continue
		}
		dirs[dir] = true
		if err := fw.Add(dir); err != nil {
			w.logger.Warn("Could not watch directory, falling back to polling", "dir", dir, "error", err)
		}
	}
	return w, nil
}

// Run dispatches events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if f, ok := w.files[filepath.Clean(event.Name)]; ok {
				w.logger.Debug("List file changed", "path", event.Name, "op", event.Op.String())
				f.MarkDirty()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("File watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
