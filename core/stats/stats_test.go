package stats

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestReporter(t *testing.T, cfg Config, onReport ReportFunc) *Reporter {
	t.Helper()
	reg := prometheus.NewRegistry()
	r := New(cfg, reg, onReport)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestSessionBeginActivityEndLifecycle(t *testing.T) {
	r := newTestReporter(t, Config{ReportInterval: time.Hour}, nil)

	r.OnSessionBegin("c1", "route-1")
	if r.ActiveCount() != 1 {
		t.Fatalf("active count = %d, want 1", r.ActiveCount())
	}

	r.OnActivity("c1", 100, 50)
	r.OnActivity("c1", 10, 5)

	r.OnSessionEnd("c1")
	if r.ActiveCount() != 0 {
		t.Fatalf("active count after end = %d, want 0", r.ActiveCount())
	}

	// Ending an unknown id must not panic or double-count.
	r.OnSessionEnd("c1")
}

func TestConncheckIntersectsKnownIDs(t *testing.T) {
	r := newTestReporter(t, Config{ReportInterval: time.Hour}, nil)
	r.OnSessionBegin("a", "r")
	r.OnSessionBegin("b", "r")

	got := r.Conncheck([]string{"a", "x", "b", "y"})
	if len(got) != 2 {
		t.Fatalf("conncheck = %v, want 2 known ids", got)
	}
}

func TestReapExpiredForceEndsStaleRecords(t *testing.T) {
	r := newTestReporter(t, Config{ReportInterval: time.Hour, ConnectionsMaxTTL: 10 * time.Millisecond}, nil)
	r.OnSessionBegin("stale", "r")

	time.Sleep(30 * time.Millisecond)
	n := r.reapExpired()
	if n != 1 {
		t.Fatalf("reapExpired = %d, want 1", n)
	}
	if r.ActiveCount() != 0 {
		t.Fatalf("active count after reap = %d, want 0", r.ActiveCount())
	}
}

func TestReportTickEmitsDeltasSinceLastReport(t *testing.T) {
	var packets []Packet
	done := make(chan struct{}, 4)
	r := newTestReporter(t, Config{ReportInterval: 15 * time.Millisecond}, func(p Packet) {
		packets = append(packets, p)
		done <- struct{}{}
	})

	r.OnSessionBegin("c1", "route-1")
	r.OnActivity("c1", 100, 10)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("no report tick observed")
	}

	if len(packets) == 0 {
		t.Fatal("expected at least one packet")
	}
	first := packets[0]
	if first.BytesInDelta != 100 || first.BytesOutDelta != 10 || first.OpsDelta != 1 {
		t.Fatalf("first packet = %+v", first)
	}

	// A second tick with no new activity should report zero deltas, not
	// the cumulative totals again.
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("no second report tick observed")
	}
	second := packets[len(packets)-1]
	if second.BytesInDelta != 0 || second.OpsDelta != 0 {
		t.Fatalf("second packet should have zero deltas, got %+v", second)
	}
}
