package zhttp

import (
	"fmt"
	"sync"
	"time"
)

// State is a transaction's position in the ZHTTP lifecycle.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateConnected
	StateStreaming
	StateFinishing
	StateFinished
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateFinishing:
		return "finishing"
	case StateFinished:
		return "finished"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// ErrorKind classifies why a transaction entered StateErrored.
type ErrorKind int

const (
	ErrTransport ErrorKind = iota
	ErrPeer
	ErrTimeout
	ErrPolicyRejected
	ErrBodyTooLarge
	ErrCreditExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTransport:
		return "TransportError"
	case ErrPeer:
		return "PeerError"
	case ErrTimeout:
		return "Timeout"
	case ErrPolicyRejected:
		return "PolicyRejected"
	case ErrBodyTooLarge:
		return "BodyTooLarge"
	case ErrCreditExhausted:
		return "CreditExhausted"
	default:
		return "UnknownError"
	}
}

// Error is a terminal transaction failure. All ErrorKinds are terminal:
// a transaction observing one moves to StateErrored and stays there.
type Error struct {
	Kind    ErrorKind
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// sender abstracts how a Transaction ships a Message to its peer, so the
// state machine doesn't depend on core/bus directly (tests substitute a
// recording stub).
type sender interface {
	sendMessage(m Message) error
}

// Transaction is one ZHTTP request/response exchange, identified by id.
// A Transaction is owned by a single worker's event loop; its methods
// are not safe to call concurrently from other goroutines (the same
// single-threaded-per-worker rule as the rest of the loop package).
type Transaction struct {
	ID         string
	clientSide bool // true: we initiate to an upstream. false: we received from a front-end.

	mu    sync.Mutex
	state State
	err   *Error

	sendSeq uint32
	recvSeq uint32

	// sendCredits is how many more body bytes we are allowed to emit.
	// creditsGranted is how many we've told the peer it may send us,
	// accumulated as GrantCredit is called.
	sendCredits    uint32
	creditsGranted uint32
	lowWaterMark   uint32

	keepAliveInterval time.Duration
	lastRecv          time.Time

	peer sender

	lastCode        int  // status code carried by the most recent header frame, client-side
	sentHeaders     bool // our own header frame has gone out (SendHeaders or Start)
	headersReceived bool // the peer's header frame has arrived (distinguishes StateStarting-awaiting-response from StateStarting-streaming-body on a client-side transaction)

	onHeaders func(method, uri string, headers []Header)
	onBody    func(body []byte, more bool)
	onCredit  func(credits uint32)
	onState   func(State)
}

// NewTransaction constructs a transaction in StateIdle. clientSide is
// true when this side initiates the request (dispatching to an
// upstream); false when this side is receiving from a front-end.
func NewTransaction(id string, clientSide bool, peer sender) *Transaction {
	return &Transaction{
		ID:         id,
		clientSide: clientSide,
		state:      StateIdle,
		lastRecv:   time.Now(),
		peer:       peer,
	}
}

// State returns the current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the terminal error, if the transaction is in StateErrored.
func (t *Transaction) Err() *Error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Code returns the status code carried by the most recent header frame
// (set for client-side transactions, whose peer reports a response
// status rather than a method+URI).
func (t *Transaction) Code() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCode
}

func (t *Transaction) setState(s State) {
	t.state = s
	if t.onState != nil {
		t.onState(s)
	}
}

func (t *Transaction) fail(kind ErrorKind, code int, msg string) {
	t.err = &Error{Kind: kind, Code: code, Message: msg}
	t.setState(StateErrored)
}

// OnHeaders sets the callback fired when request/response headers
// arrive (server-side: the initiating peer's method/URI; client-side:
// the upstream's status headers carried via Method="" / Code).
func (t *Transaction) OnHeaders(f func(method, uri string, headers []Header)) { t.onHeaders = f }

// OnBody sets the callback fired for each received body chunk.
func (t *Transaction) OnBody(f func(body []byte, more bool)) { t.onBody = f }

// OnCredit sets the callback fired when the peer grants additional send
// credits.
func (t *Transaction) OnCredit(f func(credits uint32)) { t.onCredit = f }

// OnStateChange sets the callback fired on every state transition.
func (t *Transaction) OnStateChange(f func(State)) { t.onState = f }

// Deliver processes one message received for this transaction. The
// caller (Engine) is responsible for id-based routing.
//
// User callbacks (OnHeaders/OnBody/OnCredit) are invoked after t.mu is
// released, not while holding it: a callback commonly re-enters the same
// Transaction (e.g. onRequestBody's GrantCredit, onUpstreamBody's
// GrantCredit), and GrantCredit locks t.mu itself. Calling out while
// still holding the lock would self-deadlock the worker loop on its own
// first forwarded chunk. State mutations that must be atomic with the
// frame's arrival happen first, locked; the decision of what to call
// and with which arguments is captured into locals, then the lock is
// dropped before anything user-supplied runs.
func (t *Transaction) Deliver(m Message) {
	t.mu.Lock()

	t.lastRecv = time.Now()

	if t.state == StateFinished || t.state == StateErrored {
		t.mu.Unlock()
		return // terminal; stray/late frames are discarded
	}

	var callHeaders, callBody, callCredit bool

	switch m.Type {
	case KindData:
		callHeaders, callBody = t.deliverDataLocked(m)
	case KindCredit:
		// Inbound credit increases the send budget monotonically, per
		// spec.md §3; it never replaces it.
		t.sendCredits += m.Credits
		callCredit = true
	case KindKeepAlive:
		// lastRecv already bumped above; nothing else to do.
	case KindError:
		t.fail(ErrPeer, m.Code, m.Reason)
	case KindCancel:
		t.fail(ErrPeer, 0, "canceled by peer")
	case KindClose:
		if t.state == StateStreaming || t.state == StateConnected || t.state == StateFinishing {
			t.setState(StateFinished)
		}
	}

	onHeaders, onBody, onCredit := t.onHeaders, t.onBody, t.onCredit
	t.mu.Unlock()

	if callHeaders && onHeaders != nil {
		onHeaders(m.Method, m.URI, m.Headers)
	}
	if callBody && onBody != nil {
		onBody(m.Body, m.More)
	}
	if callCredit && onCredit != nil {
		onCredit(m.Credits)
	}
}

// deliverDataLocked applies a KindData frame's state transition and
// reports which callback(s) Deliver should fire once unlocked. The first
// data frame received on either side carries headers (a server-side
// transaction's request line, or a client-side transaction's response
// status); every one after that carries body. clientSide is already past
// StateIdle by the time a response exists (Start moved it to
// StateStarting before anything arrived), so "headers not yet received"
// is tracked with its own flag rather than inferred from state alone.
func (t *Transaction) deliverDataLocked(m Message) (callHeaders, callBody bool) {
	if !t.headersReceived {
		t.headersReceived = true
		t.lastCode = m.Code
		switch t.state {
		case StateIdle:
			t.setState(StateStarting)
		case StateStarting:
			t.setState(StateConnected)
		}
		return true, false
	}

	switch t.state {
	case StateStarting, StateConnected, StateStreaming, StateFinishing:
		if t.state != StateStreaming && t.state != StateFinishing {
			t.setState(StateStreaming)
		}
		if !m.More && t.readyToFinish() {
			t.setState(StateFinished)
		}
		return false, true
	}
	return false, false
}

// readyToFinish reports whether both directions have reached
// end-of-body. Simplified to "peer signaled end and we are not still
// waiting to emit a response" — callers finish explicitly via Finish()
// once their own side has also completed, so this only covers the
// pure-receive completion path.
func (t *Transaction) readyToFinish() bool {
	return t.clientSide // upstream responses finish as soon as body ends; server-side sessions call Finish() once their own response is sent.
}

// GrantCredit sends the peer a credit frame for credits more body bytes
// right away and adds them to creditsGranted, per the flow-control
// contract in spec.md §4.D. It applies no low-water-mark check of its
// own; the caller decides when to grant.
func (t *Transaction) GrantCredit(credits uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.creditsGranted += credits
	t.sendSeq++
	return t.peer.sendMessage(Message{
		ID: t.ID, Seq: t.sendSeq, Type: KindCredit, Credits: credits,
	})
}

// SendCredits reports how many more body bytes SendBody will currently
// accept before refusing with ErrCreditExhausted.
func (t *Transaction) SendCredits() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendCredits
}

// Start sends the initial data frame carrying request/response headers,
// moving Idle -> Starting (client-side: opening an upstream request).
func (t *Transaction) Start(method, uri string, headers []Header) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateIdle {
		return fmt.Errorf("zhttp: Start called in state %s", t.state)
	}
	t.setState(StateStarting)
	t.sendSeq++
	t.sentHeaders = true
	return t.peer.sendMessage(Message{
		ID: t.ID, Seq: t.sendSeq, Type: KindData, Method: method, URI: uri, Headers: headers, More: true,
	})
}

// SendHeaders emits our own header frame carrying a response status,
// used by a server-side transaction once it has a status/headers to
// answer the front-end with (the receive-side state already advanced
// past Idle by the time a response exists, so this does not require
// Idle the way Start does). Calling it twice is refused.
func (t *Transaction) SendHeaders(code int, reason string, headers []Header) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sentHeaders {
		return fmt.Errorf("zhttp: SendHeaders already called")
	}
	t.sentHeaders = true
	t.sendSeq++
	return t.peer.sendMessage(Message{
		ID: t.ID, Seq: t.sendSeq, Type: KindData, Code: code, Reason: reason, Headers: headers, More: true,
	})
}

// SendBody sends a body chunk, enforcing the credit budget: emitting more
// bytes than granted is refused with ErrCreditExhausted rather than sent.
func (t *Transaction) SendBody(body []byte, more bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateStarting && t.state != StateConnected && t.state != StateStreaming {
		return fmt.Errorf("zhttp: SendBody called in state %s", t.state)
	}
	if uint32(len(body)) > t.sendCredits {
		t.fail(ErrCreditExhausted, 0, "send would exceed granted credits")
		return t.err
	}

	t.sendCredits -= uint32(len(body))
	if t.state != StateStreaming {
		t.setState(StateStreaming)
	}
	t.sendSeq++
	err := t.peer.sendMessage(Message{ID: t.ID, Seq: t.sendSeq, Type: KindData, Body: body, More: more})
	if err != nil {
		t.fail(ErrTransport, 0, err.Error())
		return err
	}
	if !more {
		t.setState(StateFinishing)
	}
	return nil
}

// ReceiveCredit is called by the engine when a credit message arrives
// outside of Deliver's normal routing (kept for symmetry/tests); in
// practice Deliver handles KindCredit directly.
func (t *Transaction) ReceiveCredit(credits uint32) {
	t.mu.Lock()
	t.sendCredits += credits
	t.mu.Unlock()
}

// KeepAliveDue reports whether, given now, a keep-alive frame is due to
// be emitted (every T/2) or the peer's silence has exceeded T, the
// latter being a transport-level error per spec.md §4.D.
func (t *Transaction) KeepAliveDue(now time.Time, interval time.Duration) (sendKeepAlive bool, timedOut bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if interval <= 0 {
		return false, false
	}
	silence := now.Sub(t.lastRecv)
	if silence >= interval {
		return false, true
	}
	return silence >= interval/2, false
}

// SendKeepAlive emits a keep-alive frame.
func (t *Transaction) SendKeepAlive() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendSeq++
	return t.peer.sendMessage(Message{ID: t.ID, Seq: t.sendSeq, Type: KindKeepAlive})
}

// Cancel aborts the transaction locally and notifies the peer.
func (t *Transaction) Cancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateFinished || t.state == StateErrored {
		return nil
	}
	t.sendSeq++
	err := t.peer.sendMessage(Message{ID: t.ID, Seq: t.sendSeq, Type: KindCancel})
	t.fail(ErrTimeout, 0, "canceled locally")
	return err
}

// Finish marks the transaction complete after the local side has also
// finished sending (used by the server side, whose readyToFinish rule
// defers to explicit completion rather than receive-only).
func (t *Transaction) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateFinished && t.state != StateErrored {
		t.setState(StateFinished)
	}
}

// Expire marks the transaction as timed out due to keep-alive silence.
func (t *Transaction) Expire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail(ErrTimeout, 0, "keep-alive interval exceeded")
}
