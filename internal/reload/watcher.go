// Package reload detects configuration file changes by polling file
// metadata. No inotify dependency; a one second poll is plenty for a config
// document.
package reload

import (
	"os"
	"sync"
	"time"
)

type fileState struct {
	modTime time.Time
	size    int64
}

// Watcher tracks one configuration file and reports modifications.
type Watcher struct {
	mu    sync.Mutex
	path  string
	state fileState
	known bool
}

// NewWatcher snapshots the current file state.
func NewWatcher(path string) (*Watcher, error) {
	w := &Watcher{path: path}
	w.Update()
	return w, nil
}

// Update re-snapshots the file state after a successful reload.
func (w *Watcher) Update() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	info, err := os.Stat(w.path)
	if err != nil || info.IsDir() {
		w.known = false
		return
	}
	w.state = fileState{modTime: info.ModTime(), size: info.Size()}
	w.known = true
}

// Changed reports whether the file differs from the last snapshot. A file
// that vanished counts as changed once it reappears.
func (w *Watcher) Changed() bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	info, err := os.Stat(w.path)
	if err != nil || info.IsDir() {
		return false
	}
	if !w.known {
		return true
	}
	return info.ModTime().After(w.state.modTime) || info.Size() != w.state.size
}
