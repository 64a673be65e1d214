// Package stats implements per-connection accounting and periodic
// reporting (spec.md §4.H): a table of ConnectionRecord keyed by client
// request id, a TTL reaper, and a report tick that emits deltas since
// the last report. Grounded on core/observability/monitor.go's
// atomic-counter-plus-background-ticker shape, extended with Prometheus
// instruments (registered, not exposed over HTTP — exposition stays out
// of scope per spec.md §1) so the instrumentation surface matches what a
// production exporter would read.
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Record is the per-connection accounting row, spec.md §3
// "ConnectionRecord".
type Record struct {
	ID         string
	RouteID    string
	FirstSeen  time.Time
	LastActive time.Time
	BytesIn    uint64
	BytesOut   uint64
	Ops        uint64
}

// entry is the per-record bookkeeping needed to compute a report tick's
// increment over the previous tick, without mutating Record's
// cumulative counters.
type entry struct {
	rec Record

	mu sync.Mutex

	reportedBytesIn  uint64
	reportedBytesOut uint64
	reportedOps      uint64
}

// ReportFunc is invoked once per stats_report_interval with a summary
// packet of deltas since the previous report.
type ReportFunc func(Packet)

// Packet is one periodic report, spec.md §4.H "emit a stats packet on
// the stats endpoint summarizing deltas since last report."
type Packet struct {
	At             time.Time
	ActiveConns    int
	SessionsEnded  int
	BytesInDelta   uint64
	BytesOutDelta  uint64
	OpsDelta       uint64
	Expired        int
}

// Reporter owns the connection table and the periodic report timer.
// Every method is safe for concurrent use; the periodic tick runs on
// its own goroutine and calls the onReport callback with the accumulated
// packet.
type Reporter struct {
	mu      sync.Mutex
	records map[string]*entry

	connectionTTL    time.Duration
	connectionsMaxTTL time.Duration
	reportInterval   time.Duration

	onReport ReportFunc

	sessionsEndedSinceReport atomic.Int64
	expiredSinceReport       atomic.Int64

	stopCh chan struct{}
	doneCh chan struct{}

	metrics *metrics
}

type metrics struct {
	activeConnections prometheus.Gauge
	sessionsBegun      prometheus.Counter
	sessionsEnded       *prometheus.CounterVec
	bytesIn            prometheus.Counter
	bytesOut           prometheus.Counter
	expired            prometheus.Counter
	retries            prometheus.Counter
	holds              prometheus.Counter
	handoffs           prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		activeConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "pushpin_proxy_active_connections",
			Help: "Number of connections currently tracked by the stats reporter.",
		}),
		sessionsBegun: f.NewCounter(prometheus.CounterOpts{
			Name: "pushpin_proxy_sessions_begun_total",
			Help: "Total sessions that have begun.",
		}),
		sessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pushpin_proxy_sessions_ended_total",
			Help: "Total sessions that have ended, by reason.",
		}, []string{"reason"}),
		bytesIn: f.NewCounter(prometheus.CounterOpts{
			Name: "pushpin_proxy_bytes_in_total",
			Help: "Total bytes received from clients.",
		}),
		bytesOut: f.NewCounter(prometheus.CounterOpts{
			Name: "pushpin_proxy_bytes_out_total",
			Help: "Total bytes sent to clients.",
		}),
		expired: f.NewCounter(prometheus.CounterOpts{
			Name: "pushpin_proxy_connections_expired_total",
			Help: "Connection records force-ended for exceeding stats_connections_max_ttl.",
		}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Name: "pushpin_proxy_upstream_retries_total",
			Help: "Total upstream retry attempts.",
		}),
		holds: f.NewCounter(prometheus.CounterOpts{
			Name: "pushpin_proxy_holds_total",
			Help: "Total responses carrying a hold directive.",
		}),
		handoffs: f.NewCounter(prometheus.CounterOpts{
			Name: "pushpin_proxy_handoffs_total",
			Help: "Total sessions successfully handed off to the handler.",
		}),
	}
}

// Config configures a Reporter's TTLs and report cadence, per spec.md
// §6's stats_connection_ttl / stats_connections_max_ttl / stats_report_interval.
type Config struct {
	ConnectionTTL     time.Duration
	ConnectionsMaxTTL time.Duration
	ReportInterval    time.Duration
}

// New creates a Reporter registering its Prometheus instruments against
// reg (pass prometheus.NewRegistry() for test isolation, or
// prometheus.DefaultRegisterer in production).
func New(cfg Config, reg prometheus.Registerer, onReport ReportFunc) *Reporter {
	if cfg.ReportInterval <= 0 {
		cfg.ReportInterval = 10 * time.Second
	}
	r := &Reporter{
		records:           make(map[string]*entry),
		connectionTTL:     cfg.ConnectionTTL,
		connectionsMaxTTL: cfg.ConnectionsMaxTTL,
		reportInterval:    cfg.ReportInterval,
		onReport:          onReport,
		metrics:           newMetrics(reg),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
	go r.reportLoop()
	return r
}

// OnSessionBegin registers a new connection record, spec.md §4.H.
func (r *Reporter) OnSessionBegin(id, routeID string) {
	now := time.Now()
	e := &entry{rec: Record{ID: id, RouteID: routeID, FirstSeen: now, LastActive: now}}

	r.mu.Lock()
	r.records[id] = e
	r.mu.Unlock()

	r.metrics.sessionsBegun.Inc()
	r.metrics.activeConnections.Set(float64(r.activeCountLocked()))
}

// OnActivity records bytes transferred and bumps last-activity, keeping
// the record alive against the TTL reaper.
func (r *Reporter) OnActivity(id string, bytesIn, bytesOut uint64) {
	r.mu.Lock()
	e, ok := r.records[id]
	r.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.rec.LastActive = time.Now()
	e.rec.BytesIn += bytesIn
	e.rec.BytesOut += bytesOut
	e.rec.Ops++
	e.mu.Unlock()

	if bytesIn > 0 {
		r.metrics.bytesIn.Add(float64(bytesIn))
	}
	if bytesOut > 0 {
		r.metrics.bytesOut.Add(float64(bytesOut))
	}
}

// OnSessionEnd removes the connection record, spec.md §4.H.
func (r *Reporter) OnSessionEnd(id string) {
	r.mu.Lock()
	_, ok := r.records[id]
	delete(r.records, id)
	count := len(r.records)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.sessionsEndedSinceReport.Add(1)
	r.metrics.sessionsEnded.WithLabelValues("completed").Inc()
	r.metrics.activeConnections.Set(float64(count))
}

// RecordRetry increments the upstream-retry counter.
func (r *Reporter) RecordRetry() { r.metrics.retries.Inc() }

// RecordHold increments the hold-directive counter.
func (r *Reporter) RecordHold() { r.metrics.holds.Inc() }

// RecordHandoff increments the successful-handoff counter.
func (r *Reporter) RecordHandoff() { r.metrics.handoffs.Inc() }

func (r *Reporter) activeCountLocked() int {
	return len(r.records)
}

// ActiveCount reports the number of connection records currently tracked.
func (r *Reporter) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Conncheck intersects ids with the currently-known set of client ids,
// per spec.md §4.H's conncheck RPC.
func (r *Reporter) Conncheck(ids []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := r.records[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// reapExpired force-ends records whose last activity exceeds
// connectionsMaxTTL, per spec.md §3.
func (r *Reporter) reapExpired() int {
	if r.connectionsMaxTTL <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-r.connectionsMaxTTL)

	r.mu.Lock()
	var expired []string
	for id, e := range r.records {
		e.mu.Lock()
		last := e.rec.LastActive
		e.mu.Unlock()
		if last.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(r.records, id)
	}
	count := len(r.records)
	r.mu.Unlock()

	if len(expired) > 0 {
		r.metrics.expired.Add(float64(len(expired)))
		r.metrics.activeConnections.Set(float64(count))
	}
	return len(expired)
}

func (r *Reporter) reportLoop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Reporter) tick() {
	expired := r.reapExpired()

	r.mu.Lock()
	var bytesIn, bytesOut, ops uint64
	for _, e := range r.records {
		e.mu.Lock()
		bytesIn += e.rec.BytesIn - e.reportedBytesIn
		bytesOut += e.rec.BytesOut - e.reportedBytesOut
		ops += e.rec.Ops - e.reportedOps
		e.reportedBytesIn = e.rec.BytesIn
		e.reportedBytesOut = e.rec.BytesOut
		e.reportedOps = e.rec.Ops
		e.mu.Unlock()
	}
	active := len(r.records)
	r.mu.Unlock()

	pkt := Packet{
		At:            time.Now(),
		ActiveConns:   active,
		SessionsEnded: int(r.sessionsEndedSinceReport.Swap(0)),
		BytesInDelta:  bytesIn,
		BytesOutDelta: bytesOut,
		OpsDelta:      ops,
		Expired:       expired,
	}
	if r.onReport != nil {
		r.onReport(pkt)
	}
}

// Close stops the report loop.
func (r *Reporter) Close() error {
	close(r.stopCh)
	<-r.doneCh
	return nil
}
