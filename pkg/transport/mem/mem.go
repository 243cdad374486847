// Package mem provides an in-process transport keyed directly by peer
// identity. It exists for tests and single-process wiring: connections are
// channel pairs, delivery is deterministic, and failures can be injected to
// exercise the session failure paths.
package mem

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"peermsg/pkg/transport"
)

// Network is a registry of endpoints reachable by identity.
type Network struct {
	mu   sync.Mutex
	eps  map[transport.PeerID]*Endpoint
	loss float64 // probability an unreliable frame is dropped in flight
}

func NewNetwork() *Network {
	return &Network{eps: make(map[transport.PeerID]*Endpoint)}
}

// SetLoss makes the network drop unreliable frames with probability p.
// Reliable frames are never affected.
func (n *Network) SetLoss(p float64) {
	n.mu.Lock()
	n.loss = p
	n.mu.Unlock()
}

func (n *Network) lossP() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.loss
}

// Endpoint registers an identity on the network and returns its endpoint.
func (n *Network) Endpoint(id transport.PeerID) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.eps[id]; ok {
		return nil, fmt.Errorf("mem: endpoint %s already registered", id)
	}
	e := &Endpoint{
		id:      id,
		net:     n,
		inbound: make(chan *conn, 8),
		closeCh: make(chan struct{}),
	}
	n.eps[id] = e
	return e, nil
}

func (n *Network) lookup(id transport.PeerID) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.eps[id]
}

func (n *Network) remove(id transport.PeerID) {
	n.mu.Lock()
	delete(n.eps, id)
	n.mu.Unlock()
}

// Endpoint is one identity's attachment point. It implements both
// transport.Dialer (outbound by identity) and transport.Listener (inbound).
type Endpoint struct {
	id      transport.PeerID
	net     *Network
	inbound chan *conn
	closeCh chan struct{}
	once    sync.Once
}

func (e *Endpoint) ID() transport.PeerID { return e.id }

func (e *Endpoint) Addr() string { return "mem://" + string(e.id) }

// Open dials the endpoint registered under peer.
func (e *Endpoint) Open(ctx context.Context, peer transport.PeerID) (transport.Conn, error) {
	re := e.net.lookup(peer)
	if re == nil {
		return nil, fmt.Errorf("%w: %s", transport.ErrNoRoute, peer)
	}
	local, remote := newPair(e.net, e.id, peer)
	select {
	case re.inbound <- remote:
	case <-re.closeCh:
		local.teardown(transport.StateProblemDetectedLocally, "remote endpoint closed")
		return nil, fmt.Errorf("%w: %s", transport.ErrNoRoute, peer)
	case <-ctx.Done():
		local.teardown(transport.StateClosed, "dial canceled")
		return nil, ctx.Err()
	default:
		// accept backlog full
		local.teardown(transport.StateProblemDetectedLocally, "accept backlog full")
		return nil, transport.ErrBusy
	}
	return local, nil
}

// Accept returns the next inbound connection.
func (e *Endpoint) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.closeCh:
		return nil, errors.New("mem: endpoint closed")
	case c := <-e.inbound:
		return c, nil
	}
}

func (e *Endpoint) Close() error {
	e.once.Do(func() {
		close(e.closeCh)
		e.net.remove(e.id)
	})
	return nil
}

// conn is one half of an in-memory connection pair.
type conn struct {
	net    *Network
	local  transport.PeerID
	remote transport.PeerID

	inbox chan []byte
	twin  *conn

	mu            sync.Mutex
	state         transport.ConnState
	reason        string
	lastActivity  time.Time
	establishedAt time.Time
	closed        chan struct{}
	once          sync.Once
}

const inboxDepth = 256

func newPair(n *Network, dialer, target transport.PeerID) (*conn, *conn) {
	now := time.Now()
	a := &conn{net: n, local: dialer, remote: target, inbox: make(chan []byte, inboxDepth),
		state: transport.StateConnected, establishedAt: now, lastActivity: now, closed: make(chan struct{})}
	b := &conn{net: n, local: target, remote: dialer, inbox: make(chan []byte, inboxDepth),
		state: transport.StateConnected, establishedAt: now, lastActivity: now, closed: make(chan struct{})}
	a.twin, b.twin = b, a
	return a, b
}

func (c *conn) Peer() transport.PeerID { return c.remote }
func (c *conn) Kind() transport.Kind   { return transport.KindMem }

func (c *conn) State() transport.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) Info() transport.ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return transport.ConnInfo{
		Peer:          c.remote,
		Kind:          transport.KindMem,
		State:         c.state,
		LocalAddr:     "mem://" + string(c.local),
		RemoteAddr:    "mem://" + string(c.remote),
		EstablishedAt: c.establishedAt,
		LastActivity:  c.lastActivity,
		EndReason:     c.reason,
	}
}

func (c *conn) Send(frame []byte, reliable bool) error {
	c.mu.Lock()
	if c.state.Terminal() {
		st := c.state
		c.mu.Unlock()
		return stateErr(st, c.reason)
	}
	c.lastActivity = time.Now()
	c.mu.Unlock()

	if !reliable && c.net.lossP() > 0 && rand.Float64() < c.net.lossP() {
		return nil // dropped in flight, by request
	}
	cp := append([]byte(nil), frame...)
	select {
	case c.twin.inbox <- cp:
		return nil
	case <-c.closed:
		return stateErr(c.State(), c.endReason())
	default:
		if !reliable {
			return nil // unreliable overflow is a silent drop
		}
		return transport.ErrBusy
	}
}

func (c *conn) Recv() ([]byte, error) {
	// Drain queued frames even after the connection ended, so a graceful
	// close does not eat in-flight messages.
	select {
	case b := <-c.inbox:
		c.touch()
		return b, nil
	default:
	}
	select {
	case b := <-c.inbox:
		c.touch()
		return b, nil
	case <-c.closed:
		select {
		case b := <-c.inbox:
			c.touch()
			return b, nil
		default:
		}
		return nil, stateErr(c.State(), c.endReason())
	}
}

func (c *conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *conn) endReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Close ends the connection gracefully: the remote side observes
// closed-by-peer, not a failure.
func (c *conn) Close() error {
	c.teardown(transport.StateClosed, "closed locally")
	c.twin.teardown(transport.StateClosedByPeer, "closed by peer")
	return nil
}

// Fail simulates a transport-level disruption visible on both sides, for
// exercising failure handling in tests.
func (c *conn) Fail(reason string) {
	c.teardown(transport.StateProblemDetectedLocally, reason)
	c.twin.teardown(transport.StateProblemDetectedLocally, reason)
}

// Fail breaks a transport.Conn created by this package. It is a test hook;
// other conn types are ignored.
func Fail(c transport.Conn, reason string) {
	if mc, ok := c.(*conn); ok {
		mc.Fail(reason)
	}
}

func (c *conn) teardown(st transport.ConnState, reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = st
		c.reason = reason
		c.mu.Unlock()
		close(c.closed)
	})
}

func stateErr(st transport.ConnState, reason string) error {
	switch st {
	case transport.StateClosedByPeer:
		return transport.ErrClosedByPeer
	case transport.StateProblemDetectedLocally:
		if reason == "" {
			reason = "problem detected"
		}
		return fmt.Errorf("mem: %s", reason)
	default:
		return transport.ErrClosed
	}
}
