package signals

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func TestSighupRunsOnReloadWithoutQuitting(t *testing.T) {
	var reloads atomic.Int64
	var quits atomic.Int64

	h := New(func(os.Signal) { quits.Add(1) }, func() { reloads.Add(1) })
	go h.Run()
	defer h.Stop()

	h.sigCh <- syscall.SIGHUP
	h.sigCh <- syscall.SIGHUP

	deadline := time.Now().Add(time.Second)
	for reloads.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if reloads.Load() != 2 {
		t.Fatalf("reloads = %d, want 2", reloads.Load())
	}
	if quits.Load() != 0 {
		t.Fatalf("quits = %d, want 0", quits.Load())
	}
}

func TestFirstQuitSignalRunsOnQuitOnce(t *testing.T) {
	var quits atomic.Int64
	blocked := make(chan struct{})

	h := New(func(os.Signal) {
		quits.Add(1)
		<-blocked
	}, nil)
	go h.Run()
	defer func() { close(blocked); h.Stop() }()

	h.sigCh <- syscall.SIGTERM

	deadline := time.Now().Add(time.Second)
	for quits.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if quits.Load() != 1 {
		t.Fatalf("quits = %d, want 1", quits.Load())
	}
}

func TestRotatingLogFileReopensFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")

	r, err := OpenRotatingLogFile(path)
	if err != nil {
		t.Fatalf("OpenRotatingLogFile: %v", err)
	}
	defer r.Close()

	if err := r.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("log file missing after rotate: %v", err)
	}
}
