package proxysession

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pushpin/pushpin/core/deferred"
	"github.com/pushpin/pushpin/core/inspect"
	"github.com/pushpin/pushpin/core/routes"
	"github.com/pushpin/pushpin/core/stats"
	"github.com/pushpin/pushpin/core/zhttp"
)

// Config carries the subset of spec.md §6's configuration keys this
// package consumes directly, copied out of a worker's WorkerConfig by
// the caller (the config package owns parsing; this struct is this
// package's own typed view so it doesn't import config and create a
// cycle).
type Config struct {
	SessionsMax int

	RetryMax         int
	RetryBackoffBase time.Duration

	InspectDeadline time.Duration
	AcceptDeadline  time.Duration

	CDNLoopToken string

	SigIss string
	SigKey string
	SigTTL time.Duration

	AcceptPushpinRoute bool

	XFFUntrusted []string
	XFFTrusted   []string
	TrustedNets  []string // CIDR or bare addresses considered trusted peers

	SetXForwardedProto string // "true" | "false" | "proto-only"

	// RetryRatePerSec and RetryRateBurst bound how many retry attempts a
	// single route may spend per second, independent of the balancer's
	// own per-upstream cooldown gate: a route whose every upstream is
	// flapping at once should stop retrying rather than hammer all of
	// them in a tight loop.
	RetryRatePerSec float64
	RetryRateBurst  int

	// KeepAliveInterval is the negotiated per-transaction keep-alive
	// contract of spec.md §4.D: a side emits a keep-alive frame every
	// half this interval, and its peer's silence for a full interval is
	// a transport-level error. Zero disables enforcement.
	KeepAliveInterval time.Duration
}

// TimerScheduler is the subset of *loop.Loop a Manager needs to enforce
// each Session's keep-alive/deadline contract. Declared as an interface
// here, rather than this package importing core/loop's concrete type,
// so tests can run against a real *loop.Loop without this package
// caring which one it got; *loop.Loop already satisfies it.
type TimerScheduler interface {
	RegisterTimer(d time.Duration, cb func()) (int64, error)
	CancelTimer(id int64) error
}

func (c *Config) setDefaults() {
	if c.RetryMax <= 0 {
		c.RetryMax = 2
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = 50 * time.Millisecond
	}
	if c.InspectDeadline <= 0 {
		c.InspectDeadline = 2 * time.Second
	}
	if c.AcceptDeadline <= 0 {
		c.AcceptDeadline = 5 * time.Second
	}
	if c.SigTTL <= 0 {
		c.SigTTL = time.Minute
	}
	if c.SetXForwardedProto == "" {
		c.SetXForwardedProto = "true"
	}
	if c.RetryRatePerSec <= 0 {
		c.RetryRatePerSec = 20
	}
	if c.RetryRateBurst <= 0 {
		c.RetryRateBurst = 20
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 60 * time.Second
	}
}

// Manager ties the domain map, the inspect/accept RPC client, the stats
// reporter, and a per-route balancer cache to a worker's front-end and
// client-out ZHTTP engines, materializing Sessions for every inbound
// transaction. One Manager serves one worker; it is not safe for
// concurrent use from more than the owning worker's goroutine (the same
// single-threaded-per-worker discipline as core/loop), except where
// noted (AttachFront is called from the engine's dispatch path, which
// already runs on the worker).
type Manager struct {
	cfg Config

	routes        *routes.Table
	clientEngine  *zhttp.Engine
	inspectClient *inspect.Client
	stats         *stats.Reporter
	queue         *deferred.Queue
	timers        TimerScheduler

	mu            sync.Mutex
	sessions      map[string]*Session
	balancers     map[string]*Balancer
	retryLimiters map[string]*rate.Limiter
}

// New creates a Manager. clientEngine must be a client-side
// (serverSide=false) zhttp.Engine wired to the connmgr_client_out bus
// socket(s); frontEngine's OnNewTransaction should be wired to call
// AttachFront so every inbound request becomes a Session.
func New(cfg Config, rt *routes.Table, clientEngine *zhttp.Engine, inspectClient *inspect.Client, reporter *stats.Reporter, queue *deferred.Queue, timers TimerScheduler) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:           cfg,
		routes:        rt,
		clientEngine:  clientEngine,
		inspectClient: inspectClient,
		stats:         reporter,
		queue:         queue,
		timers:        timers,
		sessions:      make(map[string]*Session),
		balancers:     make(map[string]*Balancer),
		retryLimiters: make(map[string]*rate.Limiter),
	}
}

// AttachFront is the callback wired to a server-side zhttp.Engine's
// OnNewTransaction: it materializes a Session for every inbound
// transaction and hooks the transaction's header/body callbacks to
// drive the session's state machine. peerID is the originating bus
// peer id, whose prefix (up to the last '#') is the remote address used
// for XFF/trust decisions (see core/bus.Socket.adopt).
func (m *Manager) AttachFront(tx *zhttp.Transaction, peerID string) {
	m.mu.Lock()
	tooMany := len(m.sessions) >= m.cfg.SessionsMax && m.cfg.SessionsMax > 0
	m.mu.Unlock()
	if tooMany {
		refuse(tx, "sessions_max reached")
		return
	}

	s := &Session{
		ID:       uuid.NewString(),
		Arrived:  time.Now(),
		PeerAddr: peerAddrFromID(peerID),
		state:    StateReceiving,
		front:    tx,
		mgr:      m,
		// The request's header frame always announces a body to follow;
		// end-of-body is known only once a body frame says so.
		bodyMore: true,
	}

	// A keep-alive timer is part of the session's registration footprint
	// (loop.TimersPerSession budgets for it); exhausting the worker's
	// registration budget refuses the session the same way sessions_max
	// does, per spec.md §4.B/§8.
	if err := s.scheduleKeepAlive(); err != nil {
		refuse(tx, "registrations exhausted")
		return
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.stats.OnSessionBegin(s.ID, "")
	_ = tx.GrantCredit(initialCreditWindow)
	tx.OnHeaders(s.onRequestHeaders)
	tx.OnBody(s.onRequestBody)
}

func refuse(tx *zhttp.Transaction, reason string) {
	_ = tx.SendHeaders(503, "Service Unavailable", nil)
	_ = tx.SendBody([]byte(reason), false)
	tx.Finish()
}

// onSessionDone stops tracking a finished/handed-off/errored session
// and emits the stats record required by spec.md §4.F step 7.
func (m *Manager) onSessionDone(s *Session, reason string) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	m.stats.OnSessionEnd(s.ID)
	_ = reason // reserved for a future reason-labeled stats counter
}

// SessionCount reports the number of sessions currently tracked.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) inspectConfigured() bool {
	return m.inspectClient != nil
}

// balancerFor returns the cached Balancer for a route, keyed by the
// route's host+path identity rather than its pointer, so a balancer's
// weighted-round-robin and cooldown state survives a routes-table
// reload that rebuilds Route objects with the same identity.
func (m *Manager) balancerFor(route *routes.Route, targets []Target) *Balancer {
	key := route.Host + "\x00" + route.Path
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balancers[key]; ok {
		return b
	}
	b := NewBalancer(targets)
	m.balancers[key] = b
	return b
}

// retryLimiterFor returns the cached per-route retry-rate limiter,
// keyed the same way as balancerFor so it survives a routes reload.
func (m *Manager) retryLimiterFor(route *routes.Route) *rate.Limiter {
	key := route.Host + "\x00" + route.Path
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.retryLimiters[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(m.cfg.RetryRatePerSec), m.cfg.RetryRateBurst)
	m.retryLimiters[key] = l
	return l
}

func (m *Manager) isTrustedPeer(addr string) bool {
	host := addr
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		host = addr[:i]
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	for _, t := range m.cfg.TrustedNets {
		if t == host || t == addr {
			return true
		}
		if ip != nil && strings.Contains(t, "/") {
			if _, n, err := net.ParseCIDR(t); err == nil && n.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func peerAddrFromID(peerID string) string {
	if i := strings.LastIndexByte(peerID, '#'); i >= 0 {
		return peerID[:i]
	}
	return peerID
}
