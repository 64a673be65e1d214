// Package inspect implements the inspect/accept RPC client (spec.md
// §4.G): a request/reply client over core/bus with a per-call deadline
// and a bounded outstanding set, used for pre-dispatch inspection and
// post-response hold handoff against the external handler process.
//
// Calls are asynchronous: Call posts the frame and returns immediately;
// the result is delivered by invoking the caller's callback on the
// *deferred.Queue supplied to Call, so a reply or timeout always
// completes on the worker's own event-loop turn rather than on the bus
// socket's read-loop goroutine. This generalizes
// core/rpc/client.Client's pending-map-plus-Done-channel pattern to the
// single-threaded-per-worker model the rest of the core uses.
package inspect

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pushpin/pushpin/core/bus"
	"github.com/pushpin/pushpin/core/deferred"
)

// Method names named by spec.md §4.G.
const (
	MethodInspect   = "inspect"
	MethodAccept    = "accept"
	MethodConncheck = "conncheck"
	MethodRefresh   = "refresh"
	MethodReport    = "report"
)

var (
	ErrTimeout        = errors.New("inspect: timeout")
	ErrTransport      = errors.New("inspect: transport error")
	ErrMalformedReply = errors.New("inspect: malformed reply")
	ErrNoEndpoint     = errors.New("inspect: no endpoint configured for method")
)

// RemoteError wraps an error reply carried back from the handler.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("inspect: remote error %d: %s", e.Code, e.Message)
}

// Args and Result are maps of primitive+list values, per spec.md §4.G.
type Args map[string]interface{}
type Result map[string]interface{}

type envelope struct {
	ID     string                 `json:"id"`
	Method string                 `json:"method,omitempty"`
	Args   map[string]interface{} `json:"args,omitempty"`
	Result map[string]interface{} `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
	Code   int                    `json:"code,omitempty"`
}

type pendingCall struct {
	queue    *deferred.Queue
	cb       func(Result, error)
	timer    *time.Timer
	done     atomic.Bool
}

// Client is the inspect/accept RPC client. One Client typically serves a
// whole worker; outstanding calls are tracked per Client, abandoned (by
// id, with late replies discarded) rather than per-session cancellation.
type Client struct {
	mu        sync.RWMutex
	endpoints map[string]*bus.Socket // method -> REQ socket
	nextID    atomic.Uint64
	pending   sync.Map // id string -> *pendingCall
	maxOutstanding int
	outstanding    atomic.Int64

	// InspectTimeoutAction controls what happens when an inspect call
	// times out: spec.md's documented existing behavior is "permit",
	// kept configurable per the Open Question in spec.md §9.
	InspectTimeoutAction string
}

// NewClient creates a client with no endpoints bound yet; call Connect
// once per method before issuing calls for it.
func NewClient() *Client {
	return &Client{
		endpoints:             make(map[string]*bus.Socket),
		maxOutstanding:        1024,
		InspectTimeoutAction: "permit",
	}
}

// SetMaxOutstanding bounds the number of in-flight calls across all
// methods; Call returns an error once the bound is reached.
func (c *Client) SetMaxOutstanding(n int) { c.maxOutstanding = n }

// Connect wires method to a REQ socket connected to spec (one of
// handler_inspect_spec, handler_accept_spec, etc. from the config).
// Multiple methods may share the same spec by calling Connect once per
// method with the same underlying socket via ConnectShared.
func (c *Client) Connect(method, spec string) error {
	sock := bus.NewSocket(bus.RoleReq)
	sock.SetHandler(c.onReply)
	if err := sock.Connect(spec); err != nil {
		return fmt.Errorf("inspect: connect %s for %s: %w", spec, method, err)
	}
	c.mu.Lock()
	c.endpoints[method] = sock
	c.mu.Unlock()
	return nil
}

// ConnectShared registers an already-connected socket for method,
// letting several methods multiplex one REQ socket (e.g. handler
// endpoints that serve both inspect and conncheck).
func (c *Client) ConnectShared(method string, sock *bus.Socket) {
	sock.SetHandler(c.onReply)
	c.mu.Lock()
	c.endpoints[method] = sock
	c.mu.Unlock()
}

// Call issues method asynchronously and invokes cb on queue once a
// reply arrives or deadline elapses, whichever comes first. The
// returned id can be used for logging; calls are otherwise fire-and-
// forget from the caller's perspective.
func (c *Client) Call(queue *deferred.Queue, method string, args Args, deadline time.Duration, cb func(Result, error)) (string, error) {
	c.mu.RLock()
	sock, ok := c.endpoints[method]
	c.mu.RUnlock()
	if !ok {
		return "", ErrNoEndpoint
	}

	if c.outstanding.Load() >= int64(c.maxOutstanding) {
		return "", fmt.Errorf("inspect: %d outstanding calls exceeds bound", c.maxOutstanding)
	}

	id := fmt.Sprintf("insp-%d", c.nextID.Add(1))
	pc := &pendingCall{queue: queue, cb: cb}
	c.pending.Store(id, pc)
	c.outstanding.Add(1)

	pc.timer = time.AfterFunc(deadline, func() { c.completeTimeout(id) })

	env := envelope{ID: id, Method: method, Args: args}
	payload, err := json.Marshal(env)
	if err != nil {
		c.abandon(id)
		return "", fmt.Errorf("inspect: encode args: %w", err)
	}

	if err := sock.Send([][]byte{[]byte(id), payload}); err != nil {
		c.abandon(id)
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return id, nil
}

func (c *Client) onReply(_ string, parts [][]byte) {
	if len(parts) != 2 {
		return
	}
	var env envelope
	if err := json.Unmarshal(parts[1], &env); err != nil {
		return
	}
	c.complete(env.ID, env)
}

func (c *Client) complete(id string, env envelope) {
	v, ok := c.pending.LoadAndDelete(id)
	if !ok {
		return // abandoned, or already timed out: stray reply discarded by id
	}
	pc := v.(*pendingCall)
	if !pc.done.CompareAndSwap(false, true) {
		return
	}
	pc.timer.Stop()
	c.outstanding.Add(-1)

	var result Result
	var err error
	switch {
	case env.Error != "":
		err = &RemoteError{Code: env.Code, Message: env.Error}
	case env.Result == nil:
		err = ErrMalformedReply
	default:
		result = env.Result
	}
	pc.queue.Defer(func() { pc.cb(result, err) })
}

func (c *Client) completeTimeout(id string) {
	v, ok := c.pending.LoadAndDelete(id)
	if !ok {
		return // reply arrived first and already completed this call
	}
	pc := v.(*pendingCall)
	if !pc.done.CompareAndSwap(false, true) {
		return
	}
	c.outstanding.Add(-1)
	pc.queue.Defer(func() { pc.cb(nil, ErrTimeout) })
}

func (c *Client) abandon(id string) {
	if v, ok := c.pending.LoadAndDelete(id); ok {
		pc := v.(*pendingCall)
		pc.timer.Stop()
		c.outstanding.Add(-1)
	}
}

// Abandon drops a call by id without invoking its callback, used when
// the owning session terminates before a reply arrives (spec.md §4.G:
// "on session termination, outstanding calls are abandoned").
func (c *Client) Abandon(id string) {
	c.abandon(id)
}

// Outstanding reports the number of in-flight calls.
func (c *Client) Outstanding() int64 { return c.outstanding.Load() }

// Close closes every connected endpoint socket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, sock := range c.endpoints {
		if err := sock.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
