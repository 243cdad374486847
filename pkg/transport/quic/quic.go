// Package quic implements the transport over QUIC: reliable envelopes as
// length-prefixed frames (u32 LE) on a single control stream, unreliable
// envelopes as QUIC datagrams. Connections exchange a signed hello on the
// control stream before they are handed out.
package quic

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"peermsg/pkg/identity"
	"peermsg/pkg/protocol"
	"peermsg/pkg/transport"
)

const (
	alpnProto        = "peermsg"
	maxFrame         = protocol.MaxPayload + 1024
	handshakeTimeout = 10 * time.Second
	rxDepth          = 64
)

// Transport dials and listens with the given local identity. Peer identity
// is authenticated by the hello exchange, not by TLS certificates; the
// ephemeral self-signed certificate only bootstraps the encrypted channel.
type Transport struct {
	id       *identity.Identity
	tlsConf  *tls.Config
	quicConf *quicgo.Config
}

func New(id *identity.Identity) (*Transport, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	return &Transport{
		id: id,
		tlsConf: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpnProto},
			MinVersion:   tls.VersionTLS13,
		},
		quicConf: &quicgo.Config{EnableDatagrams: true},
	}, nil
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	l, err := quicgo.ListenAddr(address, t.tlsConf, t.quicConf)
	if err != nil {
		return nil, err
	}
	ql := &listener{id: t.id, l: l, newCh: make(chan *conn, 8), closeCh: make(chan struct{})}
	go ql.acceptLoop(ctx)
	go func() { <-ctx.Done(); _ = ql.Close() }()
	return ql, nil
}

func (t *Transport) Dial(ctx context.Context, address string, expect transport.PeerID) (transport.Conn, error) {
	tlsClient := &tls.Config{
		InsecureSkipVerify: true, // identity is authenticated by the hello
		NextProtos:         []string{alpnProto},
		MinVersion:         tls.VersionTLS13,
	}
	qc, err := quicgo.DialAddr(ctx, address, tlsClient, t.quicConf)
	if err != nil {
		return nil, err
	}
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	st, err := qc.OpenStreamSync(hctx)
	if err != nil {
		_ = qc.CloseWithError(1, "open stream failed")
		return nil, err
	}
	c := newConn(qc, st)
	peer, err := exchangeHello(c, t.id)
	if err != nil {
		_ = qc.CloseWithError(1, "hello failed")
		return nil, fmt.Errorf("quic hello: %w", err)
	}
	if expect != "" && peer != expect {
		_ = qc.CloseWithError(1, "identity mismatch")
		return nil, fmt.Errorf("quic: peer identity mismatch: got %s, want %s", peer, expect)
	}
	c.peer = peer
	c.run()
	return c, nil
}

type listener struct {
	id      *identity.Identity
	l       *quicgo.Listener
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
		return nil, errors.New("quic listener closed")
	case c := <-l.newCh:
		return c, nil
	}
}

func (l *listener) Close() error {
	l.once.Do(func() { close(l.closeCh) })
	return l.l.Close()
}

func (l *listener) acceptLoop(ctx context.Context) {
	for {
		qc, err := l.l.Accept(ctx)
		if err != nil {
			return
		}
		go func() {
			hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
			defer cancel()
			st, err := qc.AcceptStream(hctx)
			if err != nil {
				_ = qc.CloseWithError(1, "accept stream failed")
				return
			}
			c := newConn(qc, st)
			peer, err := exchangeHello(c, l.id)
			if err != nil {
				zap.L().Debug("quic inbound hello failed",
					zap.String("remote", qc.RemoteAddr().String()), zap.Error(err))
				_ = qc.CloseWithError(1, "hello failed")
				return
			}
			c.peer = peer
			c.run()
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
	qc   quicgo.Connection
	st   quicgo.Stream
	peer transport.PeerID

	rx     chan []byte
	closed chan struct{}
	once   sync.Once

	wmu sync.Mutex // serializes stream writes

	mu            sync.Mutex
	state         transport.ConnState
	reason        string
	lastActivity  time.Time
	establishedAt time.Time
}

func newConn(qc quicgo.Connection, st quicgo.Stream) *conn {
	now := time.Now()
	return &conn{
		qc:            qc,
		st:            st,
		rx:            make(chan []byte, rxDepth),
		closed:        make(chan struct{}),
		state:         transport.StateConnected,
		establishedAt: now,
		lastActivity:  now,
	}
}

// run starts the pumps merging stream frames and datagrams into rx.
func (c *conn) run() {
	go c.streamLoop()
	go c.datagramLoop()
}

func (c *conn) streamLoop() {
	for {
		frame, err := readFrame(c.st)
		if err != nil {
			c.end(err)
			return
		}
		select {
		case c.rx <- frame:
		case <-c.closed:
			return
		}
	}
}

func (c *conn) datagramLoop() {
	for {
		b, err := c.qc.ReceiveDatagram(context.Background())
		if err != nil {
			// the stream loop classifies the connection end
			return
		}
		select {
		case c.rx <- b:
		case <-c.closed:
			return
		default:
			// unreliable overflow is a silent drop
		}
	}
}

func (c *conn) Peer() transport.PeerID { return c.peer }
func (c *conn) Kind() transport.Kind   { return transport.KindQUIC }

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
		Kind:          transport.KindQUIC,
		State:         c.state,
		LocalAddr:     c.qc.LocalAddr().String(),
		RemoteAddr:    c.qc.RemoteAddr().String(),
		EstablishedAt: c.establishedAt,
		LastActivity:  c.lastActivity,
		EndReason:     c.reason,
	}
}

func (c *conn) Send(frame []byte, reliable bool) error {
	c.mu.Lock()
	if c.state.Terminal() {
		defer c.mu.Unlock()
		return c.stateErrLocked()
	}
	c.lastActivity = time.Now()
	c.mu.Unlock()

	if !reliable {
		if err := c.qc.SendDatagram(frame); err != nil {
			// too large or not negotiated: best effort permits the drop
			zap.L().Debug("datagram send dropped", zap.Error(err))
		}
		return nil
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := writeFrame(c.st, frame); err != nil {
		c.mu.Lock()
		if !c.state.Terminal() {
			c.state = transport.StateProblemDetectedLocally
			c.reason = err.Error()
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *conn) Recv() ([]byte, error) {
	select {
	case b := <-c.rx:
		c.touch()
		return b, nil
	default:
	}
	select {
	case b := <-c.rx:
		c.touch()
		return b, nil
	case <-c.closed:
		select {
		case b := <-c.rx:
			c.touch()
			return b, nil
		default:
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.stateErrLocked()
	}
}

func (c *conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *conn) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		if !c.state.Terminal() {
			c.state = transport.StateClosed
			c.reason = "closed locally"
		}
		c.mu.Unlock()
		close(c.closed)
	})
	return c.qc.CloseWithError(0, "bye")
}

// end records why the connection stopped. Application error code 0 from the
// remote is a graceful close; anything else is a detected problem.
func (c *conn) end(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		if !c.state.Terminal() {
			var appErr *quicgo.ApplicationError
			if errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == 0 {
				c.state = transport.StateClosedByPeer
				c.reason = "closed by peer"
			} else {
				c.state = transport.StateProblemDetectedLocally
				c.reason = err.Error()
			}
		}
		c.mu.Unlock()
		close(c.closed)
	})
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
		return fmt.Errorf("quic: %s", c.reason)
	}
}

func writeFrame(w io.Writer, frame []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(frame)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(hdr[:]))
	if n > maxFrame {
		return nil, fmt.Errorf("invalid frame size: %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// exchangeHello swaps signed hellos on the control stream and returns the
// authenticated remote identity.
func exchangeHello(c *conn, id *identity.Identity) (transport.PeerID, error) {
	mine, err := transport.BuildHello(id.Priv)
	if err != nil {
		return "", err
	}
	if err := writeFrame(c.st, mine); err != nil {
		return "", err
	}
	theirs, err := readFrame(c.st)
	if err != nil {
		return "", err
	}
	return transport.VerifyHello(theirs)
}

// selfSignedCert generates a short-lived self-signed TLS certificate for
// the QUIC handshake.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
