package zhttp

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pushpin/pushpin/core/bus"
	"github.com/pushpin/pushpin/core/deferred"
)

var ErrEngineClosed = errors.New("zhttp: engine closed")

// socketSender adapts a bus.Socket + fixed peer id into the sender
// interface a Transaction uses to ship frames.
type socketSender struct {
	socket *bus.Socket
	peerID string
	wire   WireCodec
}

func (s *socketSender) sendMessage(m Message) error {
	parts, err := encodeMessage(m, s.wire)
	if err != nil {
		return err
	}
	if s.peerID == "" {
		return s.socket.Send(parts)
	}
	return s.socket.SendTo(s.peerID, parts)
}

// Engine multiplexes ZHTTP transactions over one core/bus.Socket, playing
// the role core/rpc/client.Client and core/rpc/server.Server play for
// unary RPC: a pending-transaction table keyed by id, fed by a single
// socket read loop, generalized to a streaming protocol.
type Engine struct {
	socket     *bus.Socket
	serverSide bool
	wire       WireCodec
	queue      *deferred.Queue

	mu   sync.Mutex
	txns map[string]*Transaction

	// onNewTransaction is invoked exactly once per transaction, the first
	// time a frame for an unseen id arrives on a server-side engine,
	// handing the caller the Transaction (and the bus peer id it arrived
	// from, e.g. to look up the connection's peer address for XFF
	// decisions) to attach OnBody/OnHeaders to before any further frames
	// are delivered.
	onNewTransaction func(*Transaction, string)
}

// NewEngine wires an Engine to socket. serverSide controls whether an
// unseen transaction id auto-creates a Transaction (server-side, per
// spec.md §4.D "on data with an id not seen, allocate a transaction") or
// is rejected as a protocol error (client-side: we always create the
// Transaction ourselves before any frame for it can arrive). Frames this
// engine sends are encoded with CodecJSON; use SetWireCodec to switch an
// endpoint to the protobuf encoding.
//
// queue is the owning worker's deferred-call queue. socket runs its read
// loop on its own per-peer goroutine (core/bus), so every dispatch is
// marshaled through queue.Defer rather than invoked directly on that
// goroutine: it's what keeps every Transaction and the Session state it
// drives touched by exactly one goroutine, the worker's. Pass nil only
// for a socket that never shares state with a worker loop (e.g. a test
// double standing in for the far end of the wire).
func NewEngine(socket *bus.Socket, serverSide bool, queue *deferred.Queue) *Engine {
	e := &Engine{socket: socket, serverSide: serverSide, wire: CodecJSON, queue: queue, txns: make(map[string]*Transaction)}
	if queue != nil {
		socket.SetHandler(func(peerID string, parts [][]byte) {
			queue.Defer(func() { e.dispatch(peerID, parts) })
		})
	} else {
		socket.SetHandler(e.dispatch)
	}
	return e
}

// SetWireCodec selects which type-byte this engine emits when sending.
// Receiving accepts either codec regardless of this setting.
func (e *Engine) SetWireCodec(w WireCodec) { e.wire = w }

// OnNewTransaction registers the callback fired when a server-side engine
// allocates a transaction for a previously unseen id.
func (e *Engine) OnNewTransaction(f func(*Transaction, string)) { e.onNewTransaction = f }

// Open creates a client-side transaction bound to peerID (the upstream
// connection to address) and registers it for inbound routing.
func (e *Engine) Open(id string, peerID string) *Transaction {
	t := NewTransaction(id, true, &socketSender{socket: e.socket, peerID: peerID, wire: e.wire})
	e.mu.Lock()
	e.txns[id] = t
	e.mu.Unlock()
	return t
}

// Close removes a finished transaction from the routing table. Callers
// invoke this once a Transaction reaches Finished or Errored.
func (e *Engine) Close(id string) {
	e.mu.Lock()
	delete(e.txns, id)
	e.mu.Unlock()
}

// Get returns a currently tracked transaction by id.
func (e *Engine) Get(id string) (*Transaction, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.txns[id]
	return t, ok
}

// Count reports the number of transactions currently tracked.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.txns)
}

func (e *Engine) dispatch(peerID string, parts [][]byte) {
	m, err := decodeMessage(parts)
	if err != nil {
		return // malformed frame: no transaction id to attribute it to
	}

	e.mu.Lock()
	t, ok := e.txns[m.ID]
	if !ok {
		if !e.serverSide {
			e.mu.Unlock()
			return // client side never auto-creates; stray reply, drop it
		}
		t = NewTransaction(m.ID, false, &socketSender{socket: e.socket, peerID: peerID, wire: e.wire})
		e.txns[m.ID] = t
	}
	e.mu.Unlock()

	if !ok && e.onNewTransaction != nil {
		e.onNewTransaction(t, peerID)
	}

	t.Deliver(m)
}

// String aids debugging/logging.
func (e *Engine) String() string {
	side := "client"
	if e.serverSide {
		side = "server"
	}
	return fmt.Sprintf("zhttp.Engine(%s, %d txns)", side, e.Count())
}
