// Package tcp implements the transport over plain TCP with length-prefixed
// frames (u32 LE) and a signed hello identity exchange on connect.
// Unreliable sends degrade to reliable delivery: a TCP stream has no
// datagram path, and best-effort permits over-delivery.
package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"peermsg/pkg/identity"
	"peermsg/pkg/protocol"
	"peermsg/pkg/transport"
)

// wire frame: u32 LE length, 1 type byte, payload
const (
	frameData    = byte(0x00)
	frameGoodbye = byte(0x01)

	maxFrame         = protocol.MaxPayload + 1024
	handshakeTimeout = 10 * time.Second
)

// Transport dials and listens with the given local identity.
type Transport struct {
	id *identity.Identity
}

func New(id *identity.Identity) *Transport { return &Transport{id: id} }

func (t *Transport) Kind() transport.Kind { return transport.KindTCP }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	tl := &listener{id: t.id, l: l, newCh: make(chan *conn, 8), closeCh: make(chan struct{})}
	go tl.acceptLoop()
	go func() { <-ctx.Done(); _ = tl.Close() }()
	return tl, nil
}

func (t *Transport) Dial(ctx context.Context, address string, expect transport.PeerID) (transport.Conn, error) {
	d := &net.Dialer{}
	nc, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	c := newConn(nc)
	peer, err := exchangeHello(c, t.id)
	if err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("tcp hello: %w", err)
	}
	if expect != "" && peer != expect {
		_ = nc.Close()
		return nil, fmt.Errorf("tcp: peer identity mismatch: got %s, want %s", peer, expect)
	}
	c.peer = peer
	go func() { <-ctx.Done(); _ = c.Close() }()
	return c, nil
}

type listener struct {
	id      *identity.Identity
	l       net.Listener
	newCh   chan *conn
	closeCh chan struct{}
	once    sync.Once
}

func (l *listener) Addr() string { return l.l.Addr().String() }

func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, errors.New("tcp listener closed")
	case c := <-l.newCh:
		return c, nil
	}
}

func (l *listener) Close() error {
	l.once.Do(func() { close(l.closeCh) })
	return l.l.Close()
}

func (l *listener) acceptLoop() {
	for {
		nc, err := l.l.Accept()
		if err != nil {
			return
		}
		// handshake off the accept loop so a stalled peer cannot block it
		go func() {
			c := newConn(nc)
			peer, err := exchangeHello(c, l.id)
			if err != nil {
				zap.L().Debug("tcp inbound hello failed",
					zap.String("remote", nc.RemoteAddr().String()), zap.Error(err))
				_ = nc.Close()
				return
			}
			c.peer = peer
			select {
			case l.newCh <- c:
			case <-l.closeCh:
				_ = c.Close()
			default:
				_ = c.Close()
			}
		}()
	}
}

type conn struct {
	c  net.Conn
	br *bufio.Reader

	mu            sync.Mutex // guards writes and state
	bw            *bufio.Writer
	state         transport.ConnState
	reason        string
	lastActivity  time.Time
	establishedAt time.Time

	peer transport.PeerID
}

func newConn(nc net.Conn) *conn {
	now := time.Now()
	return &conn{
		c:             nc,
		br:            bufio.NewReader(nc),
		bw:            bufio.NewWriter(nc),
		state:         transport.StateConnected,
		establishedAt: now,
		lastActivity:  now,
	}
}

func (c *conn) Peer() transport.PeerID { return c.peer }
func (c *conn) Kind() transport.Kind   { return transport.KindTCP }

func (c *conn) State() transport.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) Info() transport.ConnInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return transport.ConnInfo{
		Peer:          c.peer,
		Kind:          transport.KindTCP,
		State:         c.state,
		LocalAddr:     c.c.LocalAddr().String(),
		RemoteAddr:    c.c.RemoteAddr().String(),
		EstablishedAt: c.establishedAt,
		LastActivity:  c.lastActivity,
		EndReason:     c.reason,
	}
}

func (c *conn) Send(frame []byte, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return c.stateErrLocked()
	}
	if err := c.writeFrameLocked(frameData, frame); err != nil {
		c.state = transport.StateProblemDetectedLocally
		c.reason = err.Error()
		return err
	}
	c.lastActivity = time.Now()
	return nil
}

func (c *conn) writeFrameLocked(typ byte, payload []byte) error {
	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[:4], uint32(len(payload)+1))
	hdr[4] = typ
	if _, err := c.bw.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := c.bw.Write(payload); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *conn) Recv() ([]byte, error) {
	typ, payload, err := readFrame(c.br)
	if err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == transport.StateClosed {
			return nil, transport.ErrClosed
		}
		if !c.state.Terminal() {
			c.state = transport.StateProblemDetectedLocally
			c.reason = err.Error()
		}
		return nil, c.stateErrLocked()
	}
	if typ == frameGoodbye {
		c.mu.Lock()
		c.state = transport.StateClosedByPeer
		c.reason = "closed by peer"
		c.mu.Unlock()
		_ = c.c.Close()
		return nil, transport.ErrClosedByPeer
	}
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return payload, nil
}

func (c *conn) stateErrLocked() error {
	switch c.state {
	case transport.StateClosedByPeer:
		return transport.ErrClosedByPeer
	case transport.StateClosed:
		return transport.ErrClosed
	default:
		if c.reason == "" {
			return transport.ErrClosed
		}
		return fmt.Errorf("tcp: %s", c.reason)
	}
}

func (c *conn) Close() error {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return nil
	}
	c.state = transport.StateClosed
	c.reason = "closed locally"
	// best-effort goodbye so the peer sees a graceful close, not a failure
	_ = c.c.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.writeFrameLocked(frameGoodbye, nil)
	c.mu.Unlock()
	return c.c.Close()
}

func readFrame(br *bufio.Reader) (byte, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := int(binary.LittleEndian.Uint32(hdr[:]))
	if n < 1 || n > maxFrame {
		return 0, nil, fmt.Errorf("invalid frame size: %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return 0, nil, err
	}
	return buf[0], buf[1:], nil
}

// exchangeHello swaps signed hellos on a fresh connection and returns the
// authenticated remote identity.
func exchangeHello(c *conn, id *identity.Identity) (transport.PeerID, error) {
	_ = c.c.SetDeadline(time.Now().Add(handshakeTimeout))
	defer func() { _ = c.c.SetDeadline(time.Time{}) }()

	mine, err := transport.BuildHello(id.Priv)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	err = c.writeFrameLocked(frameData, mine)
	c.mu.Unlock()
	if err != nil {
		return "", err
	}
	typ, theirs, err := readFrame(c.br)
	if err != nil {
		return "", err
	}
	if typ != frameData {
		return "", errors.New("unexpected frame before hello")
	}
	return transport.VerifyHello(theirs)
}
