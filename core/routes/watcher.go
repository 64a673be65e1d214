package routes

import (
	"fmt"
	"log"
	"os"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Table from a routes file whenever that file changes
// on disk, complementing the SIGHUP-driven reload path (core/signals)
// with a file-change-triggered one. Grounded on mercator-hq-jupiter's use
// of fsnotify for config hot-reload.
type Watcher struct {
	path    string
	table   *Table
	fsw     *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher starts watching path's directory (watching the file
// directly misses editors that replace-via-rename) and reloads table on
// every write/create event targeting path.
func NewWatcher(path string, table *Table) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("routes: fsnotify.NewWatcher: %w", err)
	}

	dir := dirOf(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("routes: watch %s: %w", dir, err)
	}

	w := &Watcher{path: path, table: table, fsw: fsw, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.reloadFromFile(); err != nil {
				log.Printf("routes: reload after file change failed: %v", err)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("routes: watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reloadFromFile() error {
	f, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer f.Close()

	parsed, err := ParseReader(f)
	if err != nil {
		return err
	}
	w.table.Reload(parsed)
	return nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
