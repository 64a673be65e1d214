package signals

import (
	"log"
	"os"
	"sync"
)

// RotatingLogFile reopens its underlying file on every Rotate call,
// standing in for the SIGHUP-triggered log rotation spec.md §4.J names.
// No log-rotation library appears anywhere in the retrieved corpus, so
// this close-and-reopen is stdlib os.OpenFile — the same primitive any of
// those libraries would eventually call, just without the size/age-based
// policy this core has no use for (rotation here is signal-driven only).
type RotatingLogFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenRotatingLogFile opens path for appending and points the standard
// logger at it.
func OpenRotatingLogFile(path string) (*RotatingLogFile, error) {
	r := &RotatingLogFile{path: path}
	if err := r.reopen(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RotatingLogFile) reopen() error {
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	old := r.f
	r.f = f
	log.SetOutput(f)
	if old != nil {
		old.Close()
	}
	return nil
}

// Rotate closes and reopens the log file, picking up a rename done by an
// external logrotate-style tool (or just truncating by convention).
func (r *RotatingLogFile) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reopen()
}

// Close releases the underlying file.
func (r *RotatingLogFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	return r.f.Close()
}
