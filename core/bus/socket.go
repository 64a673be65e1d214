package bus

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
)

// Role selects a socket's delivery semantics.
type Role int

const (
	RolePush Role = iota
	RolePull
	RolePub
	RoleSub
	RoleReq
	RoleRep
	RoleDealer
	RoleRouter
)

func (r Role) String() string {
	switch r {
	case RolePush:
		return "PUSH"
	case RolePull:
		return "PULL"
	case RolePub:
		return "PUB"
	case RoleSub:
		return "SUB"
	case RoleReq:
		return "REQ"
	case RoleRep:
		return "REP"
	case RoleDealer:
		return "DEALER"
	case RoleRouter:
		return "ROUTER"
	default:
		return "UNKNOWN"
	}
}

var ErrSocketClosed = errors.New("bus: socket closed")

// Handler is invoked once per received message. peerID identifies the
// sending peer (stable for the lifetime of its connection) so REP and
// ROUTER sockets can address a reply back with SendTo.
type Handler func(peerID string, parts [][]byte)

type peer struct {
	id      string
	conn    net.Conn
	writeMu sync.Mutex
	closed  bool
}

func (p *peer) send(parts [][]byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.closed {
		return ErrSocketClosed
	}
	return writeMultipart(p.conn, parts)
}

func (p *peer) close() {
	p.writeMu.Lock()
	p.closed = true
	p.writeMu.Unlock()
	p.conn.Close()
}

// Socket is a message-bus endpoint bound or connected under one Role.
// Delivery is best-effort and FIFO per peer; ordering across peers is not
// promised, matching spec.md §4.C.
type Socket struct {
	role     Role
	handler  Handler
	listener net.Listener

	mu      sync.Mutex
	peers   map[string]*peer
	order   []string // insertion order, for round-robin
	rrNext  int
	closed  bool
	nextSeq uint64
}

// NewSocket creates an unbound, unconnected socket for role.
func NewSocket(role Role) *Socket {
	return &Socket{
		role:  role,
		peers: make(map[string]*peer),
	}
}

// SetHandler installs the callback invoked for every received message.
// Must be set before Bind/Connect to avoid missing early messages.
func (s *Socket) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Bind listens on spec and accepts connections, each becoming a peer.
// PUSH/PULL, PUB/SUB, ROUTER, and REP sockets are typically bound.
func (s *Socket) Bind(spec string) error {
	ep, err := ParseEndpoint(spec)
	if err != nil {
		return err
	}
	ln, err := ep.listen()
	if err != nil {
		return fmt.Errorf("bus: bind %s: %w", spec, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go s.acceptLoop(ln)
	return nil
}

func (s *Socket) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			log.Printf("bus: accept error on %s role: %v", s.role, err)
			return
		}
		s.adopt(conn)
	}
}

// Connect dials spec and adds the resulting connection as a peer.
// PUSH/PULL (connecting side), SUB, REQ, and DEALER sockets are typically
// connected.
func (s *Socket) Connect(spec string) error {
	ep, err := ParseEndpoint(spec)
	if err != nil {
		return err
	}
	conn, err := ep.dial()
	if err != nil {
		return fmt.Errorf("bus: connect %s: %w", spec, err)
	}
	s.adopt(conn)
	return nil
}

func (s *Socket) adopt(conn net.Conn) {
	id := conn.RemoteAddr().String()
	s.mu.Lock()
	s.nextSeq++
	p := &peer{id: fmt.Sprintf("%s#%d", id, s.nextSeq), conn: conn}
	s.peers[p.id] = p
	s.order = append(s.order, p.id)
	s.mu.Unlock()

	go s.readLoop(p)
}

func (s *Socket) readLoop(p *peer) {
	defer s.drop(p)
	for {
		parts, err := readMultipart(p.conn)
		if err != nil {
			if err != io.EOF {
				log.Printf("bus: read error from peer %s: %v", p.id, err)
			}
			return
		}

		s.mu.Lock()
		h := s.handler
		s.mu.Unlock()
		if h != nil {
			h(p.id, parts)
		}
	}
}

func (s *Socket) drop(p *peer) {
	p.close()
	s.mu.Lock()
	delete(s.peers, p.id)
	for i, id := range s.order {
		if id == p.id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// Send delivers parts according to the socket's role:
//   - PUSH, REQ, DEALER: unicast to the next peer, round-robin.
//   - PUB: broadcast to every connected peer.
//   - PULL, SUB, REP, ROUTER: Send is invalid; use SendTo to reply.
func (s *Socket) Send(parts [][]byte) error {
	switch s.role {
	case RolePub:
		return s.broadcast(parts)
	case RolePush, RoleReq, RoleDealer:
		return s.sendRoundRobin(parts)
	default:
		return fmt.Errorf("bus: Send not valid for role %s; use SendTo", s.role)
	}
}

// SendTo addresses a specific peer by id, for REP/ROUTER replies.
func (s *Socket) SendTo(peerID string, parts [][]byte) error {
	s.mu.Lock()
	p, ok := s.peers[peerID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("bus: unknown peer %q", peerID)
	}
	return p.send(parts)
}

func (s *Socket) sendRoundRobin(parts [][]byte) error {
	s.mu.Lock()
	if len(s.order) == 0 {
		s.mu.Unlock()
		return errors.New("bus: no connected peers")
	}
	s.rrNext %= len(s.order)
	id := s.order[s.rrNext]
	s.rrNext++
	p := s.peers[id]
	s.mu.Unlock()
	return p.send(parts)
}

func (s *Socket) broadcast(parts [][]byte) error {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	var firstErr error
	for _, p := range peers {
		if err := p.send(parts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PeerCount reports the number of currently connected peers.
func (s *Socket) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Close shuts down the listener (if bound) and every peer connection.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, p := range peers {
		p.close()
	}
	return nil
}
