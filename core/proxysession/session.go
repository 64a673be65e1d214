package proxysession

import (
	"fmt"
	"time"

	"github.com/pushpin/pushpin/core/inspect"
	"github.com/pushpin/pushpin/core/routes"
	"github.com/pushpin/pushpin/core/zhttp"
)

// State is a Session's position in the per-request lifecycle, spec.md
// §4.F.
type State int

const (
	StateReceiving State = iota
	StateRouting
	StateInspecting
	StateDispatching
	StateStreamingResponse
	StateHandoff
	StateFinished
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateReceiving:
		return "receiving"
	case StateRouting:
		return "routing"
	case StateInspecting:
		return "inspecting"
	case StateDispatching:
		return "dispatching"
	case StateStreamingResponse:
		return "streaming-response"
	case StateHandoff:
		return "handoff"
	case StateFinished:
		return "finished"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// bodyPrefixCap bounds how much of the request body we buffer to hand
// the inspect RPC, per spec.md §4.F "a bounded prefix of the body".
const bodyPrefixCap = 64 * 1024

// initialCreditWindow is the body window we grant a freshly opened
// direction before any low-water-mark feedback has happened; chosen
// generously since this module doesn't enforce a hard per-connection
// buffer cap beyond sessions_max.
const initialCreditWindow = 256 * 1024

// Session is the per-request aggregate, spec.md §3 "Session": matched
// Route, selected upstream, sanitized headers, state, retry counter.
// Every method runs on the owning worker's event-loop goroutine only —
// callbacks arriving off-thread (inspect/accept replies) are marshaled
// back via the *deferred.Queue the owning Manager was built with, the
// same single-threaded-per-worker discipline the rest of the core uses.
type Session struct {
	ID        string
	Arrived   time.Time
	PeerAddr  string
	state     State

	front    *zhttp.Transaction
	upstream *zhttp.Transaction
	target   Target
	handle   *Handle

	route *routes.Route

	method  string
	uri     string
	headers []zhttp.Header

	bodyPrefix  []byte
	bodyMore    bool
	respHeaders []zhttp.Header
	respCode    int

	// pending holds request-body chunks not yet forwarded to upstream
	// because it hasn't granted us enough send credit yet; flushed as
	// OnCredit fires.
	pending []bodyChunk

	acceptNeeded bool
	inspectCall  string

	retries int

	keepAliveTimer int64

	mgr *Manager
}

type bodyChunk struct {
	data []byte
	more bool
}

// State returns the session's current lifecycle state.
func (s *Session) State() State { return s.state }

func (s *Session) setState(st State) { s.state = st }

// respondSynthetic answers the front-end transaction directly with a
// synthesized status, used for route-miss (502), CDN-loop (502),
// preflight short-circuit (200), and accept-NAK fallback (502).
func (s *Session) respondSynthetic(code int, reason string, headers []zhttp.Header, body []byte) {
	if err := s.front.SendHeaders(code, reason, headers); err != nil {
		s.fail(err)
		return
	}
	if err := s.front.SendBody(body, false); err != nil {
		s.fail(err)
		return
	}
	s.finish()
}

func (s *Session) fail(err error) {
	s.setState(StateErrored)
	s.cancelKeepAlive()
	s.mgr.onSessionDone(s, "error")
	_ = s.front.Cancel()
	if s.upstream != nil {
		_ = s.upstream.Cancel()
	}
	if s.inspectCall != "" {
		s.mgr.inspectClient.Abandon(s.inspectCall)
	}
	_ = err // logged by the caller's deferred queue panic handler if it escalates
}

func (s *Session) finish() {
	s.setState(StateFinished)
	s.cancelKeepAlive()
	s.front.Finish()
	if s.upstream != nil {
		s.upstream.Finish()
	}
	s.mgr.onSessionDone(s, "completed")
}

// scheduleKeepAlive registers (or re-registers) the timer that drives
// onKeepAliveTick, per spec.md §4.D. A nil TimerScheduler or a disabled
// interval leaves keep-alive unenforced.
func (s *Session) scheduleKeepAlive() error {
	if s.mgr.timers == nil || s.mgr.cfg.KeepAliveInterval <= 0 {
		return nil
	}
	id, err := s.mgr.timers.RegisterTimer(s.mgr.cfg.KeepAliveInterval/2, s.onKeepAliveTick)
	if err != nil {
		return err
	}
	s.keepAliveTimer = id
	return nil
}

func (s *Session) cancelKeepAlive() {
	if s.keepAliveTimer == 0 || s.mgr.timers == nil {
		return
	}
	_ = s.mgr.timers.CancelTimer(s.keepAliveTimer)
	s.keepAliveTimer = 0
}

// onKeepAliveTick fires every KeepAliveInterval/2 for the life of the
// session: each live transaction either gets a keep-alive frame or, on
// a full interval of silence from its peer, is expired.
func (s *Session) onKeepAliveTick() {
	if s.state == StateFinished || s.state == StateErrored {
		return
	}
	if !s.checkKeepAlive(s.front) {
		return
	}
	if s.upstream != nil && !s.checkKeepAlive(s.upstream) {
		return
	}
	if err := s.scheduleKeepAlive(); err != nil {
		s.fail(err)
	}
}

// checkKeepAlive reports whether tx is still within its keep-alive
// contract. On timeout it fails the session and returns false, telling
// the caller not to reschedule the next tick.
func (s *Session) checkKeepAlive(tx *zhttp.Transaction) bool {
	send, timedOut := tx.KeepAliveDue(time.Now(), s.mgr.cfg.KeepAliveInterval)
	if timedOut {
		tx.Expire()
		s.fail(tx.Err())
		return false
	}
	if send {
		_ = tx.SendKeepAlive()
	}
	return true
}

// onRequestHeaders drives Receiving -> Routing the moment end-of-headers
// is observed, per spec.md §4.F step 1/2. It does not wait for the
// request body: routing, XFF rewriting, and preflight short-circuit all
// depend only on headers.
func (s *Session) onRequestHeaders(method, uri string, headers []zhttp.Header) {
	s.method, s.uri, s.headers = method, uri, headers
	s.setState(StateRouting)
	s.route1()
}

func (s *Session) onRequestBody(body []byte, more bool) {
	s.bodyMore = more
	if len(s.bodyPrefix) < bodyPrefixCap {
		room := bodyPrefixCap - len(s.bodyPrefix)
		if room > len(body) {
			room = len(body)
		}
		s.bodyPrefix = append(s.bodyPrefix, body[:room]...)
	}

	s.mgr.stats.OnActivity(s.ID, uint64(len(body)), 0)

	if s.upstream == nil {
		return // not dispatched yet; bodyPrefix above covers the inspect path
	}
	switch s.upstream.State() {
	case zhttp.StateStarting, zhttp.StateConnected, zhttp.StateStreaming:
	default:
		return // upstream already finished/errored; this tail frame is moot
	}
	s.queueUpstreamBody(body, more)
	if len(body) > 0 {
		_ = s.front.GrantCredit(uint32(len(body)))
	}
}

// queueUpstreamBody appends a request-body chunk to the pending buffer
// and attempts to flush it immediately.
func (s *Session) queueUpstreamBody(body []byte, more bool) {
	if len(body) > 0 || !more {
		s.pending = append(s.pending, bodyChunk{data: body, more: more})
	}
	s.flushUpstreamBody()
}

// flushUpstreamBody sends queued request-body chunks for as long as the
// upstream has granted enough send credit, per spec.md §8's client-
// direction flow-control property: a chunk is held back rather than
// sent past SendCredits, which a freshly Started transaction reports as
// zero until the upstream's own credit frame arrives.
func (s *Session) flushUpstreamBody() {
	for len(s.pending) > 0 {
		chunk := s.pending[0]
		if uint32(len(chunk.data)) > s.upstream.SendCredits() {
			return
		}
		if err := s.upstream.SendBody(chunk.data, chunk.more); err != nil {
			s.retryOrFail(err)
			return
		}
		s.pending = s.pending[1:]
	}
}

func (s *Session) route1() {
	host, path := hostAndPath(s.uri, s.headers)
	route := s.mgr.routes.Lookup(host, path)
	if route == nil {
		s.respondSynthetic(502, "Bad Gateway", nil, []byte("no matching route"))
		return
	}
	s.route = route

	// Preflight short-circuit: auto_cross_origin + OPTIONS.
	if route.BoolOption("auto_cross_origin") && s.method == "OPTIONS" {
		s.respondSynthetic(200, "OK", []zhttp.Header{
			{Name: "Access-Control-Allow-Origin", Value: "*"},
			{Name: "Access-Control-Allow-Methods", Value: "GET, POST, PUT, DELETE, OPTIONS"},
		}, nil)
		return
	}

	s.headers = StripHopByHop(s.headers)
	if !s.mgr.cfg.AcceptPushpinRoute && !route.BoolOption("accept_pushpin_route") {
		s.headers = StripHeader(s.headers, "Pushpin-Route")
	}
	if DetectCDNLoop(s.headers, s.mgr.cfg.CDNLoopToken) {
		s.respondSynthetic(502, "Bad Gateway", nil, []byte("CDN loop detected"))
		return
	}
	s.headers = AddCDNLoop(s.headers, s.mgr.cfg.CDNLoopToken)

	rules := s.mgr.cfg.XFFUntrusted
	if s.mgr.isTrustedPeer(s.PeerAddr) {
		rules = s.mgr.cfg.XFFTrusted
	}
	s.headers = RewriteXFF(s.headers, rules, s.PeerAddr)
	s.headers = RewriteXFProto(s.headers, s.mgr.cfg.SetXForwardedProto, "http")

	if route.BoolOption("session") && s.mgr.cfg.SigIss != "" {
		if sig, err := SignGripSig(s.mgr.cfg.SigIss, s.mgr.cfg.SigKey, s.mgr.cfg.SigTTL); err == nil {
			s.headers = SetHeader(s.headers, "Grip-Sig", sig)
		}
	}

	if route.BoolOption("session") && s.mgr.inspectConfigured() {
		s.inspect()
		return
	}
	s.dispatch()
}

func (s *Session) inspect() {
	s.setState(StateInspecting)
	args := inspect.Args{
		"method":  s.method,
		"uri":     s.uri,
		"headers": headersToPairs(s.headers),
		"body":    string(s.bodyPrefix),
	}
	id, err := s.mgr.inspectClient.Call(s.mgr.queue, inspect.MethodInspect, args, s.mgr.cfg.InspectDeadline, s.onInspectResult)
	if err != nil {
		// Treat as permit per the inspect-timeout-action default; a
		// call-setup failure is handled the same way as a timeout.
		s.dispatch()
		return
	}
	s.inspectCall = id
}

func (s *Session) onInspectResult(res inspect.Result, err error) {
	s.inspectCall = ""
	if s.state != StateInspecting {
		return // session already terminated before the reply arrived
	}
	if err != nil {
		if err == inspect.ErrTimeout && s.mgr.inspectClient.InspectTimeoutAction != "permit" {
			s.respondSynthetic(502, "Bad Gateway", nil, []byte("inspect unavailable"))
			return
		}
		// timeout (default action) and any other error degrade to permit,
		// per spec.md §7's RPC error-handling table.
		s.dispatch()
		return
	}

	if deny, _ := res["deny"].(bool); deny {
		code := 403
		if c, ok := res["code"].(float64); ok {
			code = int(c)
		}
		s.respondSynthetic(code, "Forbidden", nil, []byte(denyBody(res)))
		return
	}
	if accept, _ := res["accept"].(bool); accept {
		s.acceptNeeded = true
	}
	s.dispatch()
}

func denyBody(res inspect.Result) string {
	if msg, ok := res["message"].(string); ok {
		return msg
	}
	return "denied"
}

func (s *Session) dispatch() {
	s.setState(StateDispatching)

	targets, err := ParseTargets(s.route.Targets)
	if err != nil {
		s.respondSynthetic(502, "Bad Gateway", nil, []byte("no usable upstream"))
		return
	}
	bal := s.mgr.balancerFor(s.route, targets)
	target, handle, ok := bal.Next()
	if !ok {
		s.respondSynthetic(502, "Bad Gateway", nil, []byte("all upstreams cooling down"))
		return
	}
	s.target, s.handle = target, handle

	scheme := "http"
	if target.TLS {
		scheme = "https"
	}
	reqID := s.ID
	if s.retries > 0 {
		reqID = fmt.Sprintf("%s-r%d", s.ID, s.retries)
	}
	s.upstream = s.mgr.clientEngine.Open(reqID, "")
	s.upstream.OnHeaders(s.onUpstreamHeaders)
	s.upstream.OnBody(s.onUpstreamBody)
	s.upstream.OnCredit(func(uint32) { s.flushUpstreamBody() })

	// Grant the upstream its response-body credit before sending our
	// request headers: both travel over the same connection, and the
	// upstream's header-received callback may want to answer
	// synchronously, before a credit frame sent afterward would have
	// been read.
	if err := s.upstream.GrantCredit(initialCreditWindow); err != nil {
		s.retryOrFail(err)
		return
	}
	absoluteURI := fmt.Sprintf("%s://%s%s", scheme, target.Addr, s.uri)
	if err := s.upstream.Start(s.method, absoluteURI, s.headers); err != nil {
		s.retryOrFail(err)
		return
	}
	// The upstream hasn't granted us any send credit yet — a freshly
	// Started transaction reports SendCredits() == 0 until its own
	// credit frame arrives — so the buffered request body is queued
	// rather than sent, and flushUpstreamBody drains it as OnCredit
	// fires.
	s.pending = s.pending[:0]
	s.queueUpstreamBody(s.bodyPrefix, s.bodyMore)
}

// retryOrFail implements spec.md §4.F's retry policy: retry up to K
// times with exponential backoff, skipping the failing upstream for its
// cooldown window, only as long as no response byte has reached the
// client yet.
func (s *Session) retryOrFail(cause error) {
	if s.handle != nil {
		s.handle.Feedback(false)
	}
	if s.respCode != 0 || s.retries >= s.mgr.cfg.RetryMax {
		s.respondSynthetic(502, "Bad Gateway", nil, []byte("upstream unavailable"))
		return
	}
	if !s.mgr.retryLimiterFor(s.route).Allow() {
		s.respondSynthetic(502, "Bad Gateway", nil, []byte("retry budget exhausted"))
		return
	}
	s.retries++
	s.mgr.stats.RecordRetry()
	delay := s.mgr.cfg.RetryBackoffBase * (1 << (s.retries - 1))
	time.AfterFunc(delay, func() {
		s.mgr.queue.Defer(func() {
			if s.state != StateDispatching {
				return // session ended or moved on while the backoff ran
			}
			s.dispatch()
		})
	})
}

func (s *Session) onUpstreamHeaders(_ string, _ string, headers []zhttp.Header) {
	s.respCode = s.upstream.Code()
	s.respHeaders = headers
	if s.handle != nil {
		s.handle.Feedback(true)
	}

	if s.acceptNeeded {
		if hold, ok := DetectHold(headers); ok {
			s.handoff(hold)
			return
		}
	}

	s.setState(StateStreamingResponse)
	outHeaders := StripHopByHop(headers)
	if err := s.front.SendHeaders(s.respCode, "", outHeaders); err != nil {
		s.fail(err)
		return
	}
	if err := s.front.GrantCredit(initialCreditWindow); err != nil {
		s.fail(err)
	}
}

func (s *Session) onUpstreamBody(body []byte, more bool) {
	if s.state == StateHandoff || s.state == StateFinished {
		return // handed off (or already finished): bytes belong to the handler now, not forwarded
	}
	s.mgr.stats.OnActivity(s.ID, 0, uint64(len(body)))
	if err := s.front.SendBody(body, more); err != nil {
		s.fail(err)
		return
	}
	if len(body) > 0 {
		_ = s.upstream.GrantCredit(uint32(len(body)))
	}
	if !more {
		s.finish()
	}
}

// handoff implements spec.md §4.F step 6: send an accept RPC with the
// full request+response and any buffered body; on ack, detach both
// transactions without closing them.
func (s *Session) handoff(hold HoldDirective) {
	s.setState(StateHandoff)
	args := inspect.Args{
		"request-method":  s.method,
		"request-uri":     s.uri,
		"request-headers": headersToPairs(s.headers),
		"request-body":    string(s.bodyPrefix),
		"response-code":   s.respCode,
		"response-headers": headersToPairs(s.respHeaders),
		"hold-mode":        hold.Mode,
		"hold-channel":     hold.Channel,
	}
	_, err := s.mgr.inspectClient.Call(s.mgr.queue, inspect.MethodAccept, args, s.mgr.cfg.AcceptDeadline, s.onAcceptResult)
	if err != nil {
		s.respondSynthetic(502, "Bad Gateway", nil, []byte("accept unavailable"))
	}
}

func (s *Session) onAcceptResult(res inspect.Result, err error) {
	if s.state != StateHandoff {
		return
	}
	if err != nil {
		s.respondSynthetic(502, "Bad Gateway", nil, []byte("accept failed"))
		return
	}
	if ok, _ := res["ack"].(bool); !ok {
		s.respondSynthetic(502, "Bad Gateway", nil, []byte("accept NAK"))
		return
	}
	// Detach: ownership passes to the handler. Neither transaction is
	// closed; the Manager simply stops tracking this session.
	s.mgr.stats.RecordHandoff()
	s.setState(StateFinished)
	s.mgr.onSessionDone(s, "handoff")
}

func headersToPairs(headers []zhttp.Header) [][2]string {
	out := make([][2]string, len(headers))
	for i, h := range headers {
		out[i] = [2]string{h.Name, h.Value}
	}
	return out
}
