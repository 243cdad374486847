package transport

import (
	"context"
	"errors"
	"time"
)

// Kind identifies the underlying link type of a connection.
type Kind int

const (
	KindUnknown Kind = iota
	KindQUIC
	KindTCP
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindQUIC:
		return "quic"
	case KindTCP:
		return "tcp"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// PeerID is an opaque stable peer identity (e.g. a public key hash).
type PeerID string

// ConnState mirrors the lifecycle a connection reports. The messages layer
// caches the last observed value for status queries; the connection itself
// is authoritative.
type ConnState int

const (
	StateNone ConnState = iota
	StateConnecting
	StateFindingRoute
	StateConnected
	StateClosedByPeer
	StateProblemDetectedLocally
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateConnecting:
		return "connecting"
	case StateFindingRoute:
		return "finding-route"
	case StateConnected:
		return "connected"
	case StateClosedByPeer:
		return "closed-by-peer"
	case StateProblemDetectedLocally:
		return "problem-detected-locally"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final for the connection: no further
// traffic can flow and the owner should discard or re-dial.
func (s ConnState) Terminal() bool {
	switch s {
	case StateClosedByPeer, StateProblemDetectedLocally, StateClosed:
		return true
	default:
		return false
	}
}

// ConnInfo is a snapshot of connection details for status queries and
// failure reporting.
type ConnInfo struct {
	Peer          PeerID
	Kind          Kind
	State         ConnState
	LocalAddr     string
	RemoteAddr    string
	EstablishedAt time.Time
	LastActivity  time.Time
	EndReason     string // human-readable reason once State is terminal
}

// Sentinel errors connections return; the messages layer maps them onto its
// result taxonomy.
var (
	// ErrBusy signals transient backpressure: the frame was not taken and
	// the caller may retry.
	ErrBusy = errors.New("transport: busy")
	// ErrClosed is returned after a local Close.
	ErrClosed = errors.New("transport: connection closed")
	// ErrClosedByPeer is returned when the remote side closed gracefully.
	ErrClosedByPeer = errors.New("transport: closed by peer")
	// ErrNoRoute is returned by dialers that cannot resolve or reach a peer.
	ErrNoRoute = errors.New("transport: no route to peer")
)

// Conn is a single established (or establishing) connection to one peer,
// carrying opaque frames. Frames sent reliable arrive exactly once and in
// send order; frames sent unreliable are best effort. Exactly one goroutine
// is expected to call Recv; Send may be called from multiple goroutines.
type Conn interface {
	Peer() PeerID
	Kind() Kind

	// Send transmits one frame. Unreliable frames may be silently dropped
	// by the link. Returns ErrBusy on transient backpressure and a
	// terminal error once the connection is down.
	Send(frame []byte, reliable bool) error

	// Recv blocks for the next inbound frame. Returns ErrClosedByPeer on a
	// graceful remote close and another error on local close or failure.
	Recv() ([]byte, error)

	// State returns the current lifecycle state.
	State() ConnState

	// Info returns a detail snapshot for diagnostics.
	Info() ConnInfo

	Close() error
}

// Listener accepts inbound connections.
type Listener interface {
	// Accept blocks until an inbound connection is available or ctx is done.
	Accept(ctx context.Context) (Conn, error)
	Addr() string
	Close() error
}

// Transport provides address-based dialing and listening for one link kind.
type Transport interface {
	Kind() Kind
	// Listen starts accepting inbound connections on address.
	Listen(ctx context.Context, address string) (Listener, error)
	// Dial connects to address. When expect is non-empty the transport must
	// fail if the authenticated remote identity does not match.
	Dial(ctx context.Context, address string, expect PeerID) (Conn, error)
}

// Dialer opens a connection to a peer addressed by identity alone. This is
// the boundary the messages layer depends on; address resolution and
// transport selection stay behind it.
type Dialer interface {
	Open(ctx context.Context, peer PeerID) (Conn, error)
}
