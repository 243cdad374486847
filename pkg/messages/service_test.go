package messages

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"peermsg/pkg/protocol"
	"peermsg/pkg/transport"
	"peermsg/pkg/transport/mem"
)

const (
	peerA = transport.PeerID("peer-a")
	peerB = transport.PeerID("peer-b")
)

type testPair struct {
	net   *mem.Network
	a, b  *Service
	dialA *recordingDialer
}

// recordingDialer remembers the connections it opened so tests can inject
// transport failures on them.
type recordingDialer struct {
	inner transport.Dialer
	mu    sync.Mutex
	conns []transport.Conn
}

func (d *recordingDialer) Open(ctx context.Context, peer transport.PeerID) (transport.Conn, error) {
	c, err := d.inner.Open(ctx, peer)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *recordingDialer) last() transport.Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func newTestPair(t *testing.T, optsA, optsB Options) *testPair {
	t.Helper()
	n := mem.NewNetwork()
	ea, err := n.Endpoint(peerA)
	if err != nil {
		t.Fatalf("endpoint a: %v", err)
	}
	eb, err := n.Endpoint(peerB)
	if err != nil {
		t.Fatalf("endpoint b: %v", err)
	}
	dialA := &recordingDialer{inner: ea}
	optsA.Dialer = dialA
	optsB.Dialer = eb
	if optsA.Logger == nil {
		optsA.Logger = zap.NewNop()
	}
	if optsB.Logger == nil {
		optsB.Logger = zap.NewNop()
	}
	a := New(optsA)
	b := New(optsB)
	a.Serve(ea)
	b.Serve(eb)
	t.Cleanup(func() {
		a.Close()
		b.Close()
		_ = ea.Close()
		_ = eb.Close()
	})
	return &testPair{net: n, a: a, b: b, dialA: dialA}
}

func waitEvent(t *testing.T, s *Service, timeout time.Duration) Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if e, ok := s.PollEvent(); ok {
			return e
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no event within %v", timeout)
	return nil
}

func expectNoEvent(t *testing.T, s *Service, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if e, ok := s.PollEvent(); ok {
			t.Fatalf("unexpected event: %#v", e)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitMessages(t *testing.T, s *Service, channel uint32, n int, timeout time.Duration) []*Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var got []*Message
	for time.Now().Before(deadline) {
		got = append(got, s.ReceiveMessagesOnChannel(channel, n-len(got))...)
		if len(got) >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("got %d/%d messages on channel %d within %v", len(got), n, channel, timeout)
	return nil
}

func waitState(t *testing.T, s *Service, peer transport.PeerID, want transport.ConnState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if st, _ := s.GetSessionConnectionInfo(peer); st == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	st, _ := s.GetSessionConnectionInfo(peer)
	t.Fatalf("state = %s, want %s", st, want)
}

func TestSendCreatesSessionAndRequest(t *testing.T) {
	p := newTestPair(t, Options{}, Options{})

	if r := p.a.SendMessageToUser(peerB, []byte("hello"), 0, 3); r != Ok {
		t.Fatalf("send = %s", r)
	}

	e := waitEvent(t, p.b, time.Second)
	req, ok := e.(SessionRequest)
	if !ok || req.Remote != peerA {
		t.Fatalf("expected SessionRequest from peer-a, got %#v", e)
	}
	// exactly one initial request, no duplicate right away
	expectNoEvent(t, p.b, 50*time.Millisecond)

	if !p.b.AcceptSessionWithUser(peerA) {
		t.Fatalf("accept should find the pending session")
	}
	// idempotent on an already accepted session
	if !p.b.AcceptSessionWithUser(peerA) {
		t.Fatalf("accept should be idempotent")
	}

	msgs := waitMessages(t, p.b, 3, 1, time.Second)
	m := msgs[0]
	if string(m.Payload) != "hello" || m.Peer != peerA || m.Channel != 3 || !m.Reliable {
		t.Fatalf("message mismatch: %#v", m)
	}
	m.Release()
}

func TestAcceptWithoutSession(t *testing.T) {
	p := newTestPair(t, Options{}, Options{})
	if p.b.AcceptSessionWithUser("nobody") {
		t.Fatalf("accept of unknown peer should be false")
	}
}

func TestReliableOrderingSameChannel(t *testing.T) {
	p := newTestPair(t, Options{}, Options{})

	const n = 100
	for i := 0; i < n; i++ {
		if r := p.a.SendMessageToUser(peerB, []byte(fmt.Sprintf("msg-%03d", i)), 0, 1); r != Ok {
			t.Fatalf("send %d = %s", i, r)
		}
	}
	msgs := waitMessages(t, p.b, 1, n, 2*time.Second)
	for i, m := range msgs {
		if want := fmt.Sprintf("msg-%03d", i); string(m.Payload) != want {
			t.Fatalf("message %d = %q, want %q", i, m.Payload, want)
		}
		m.Release()
	}
	// exactly once: nothing left over
	if extra := p.b.ReceiveMessagesOnChannel(1, 10); len(extra) != 0 {
		t.Fatalf("unexpected extra messages: %d", len(extra))
	}
}

func TestCrossChannelDelivery(t *testing.T) {
	p := newTestPair(t, Options{}, Options{})

	p.a.SendMessageToUser(peerB, []byte("on-one"), 0, 1)
	p.a.SendMessageToUser(peerB, []byte("on-two"), 0, 2)

	// both arrive; no relative order is promised across channels
	m1 := waitMessages(t, p.b, 1, 1, time.Second)
	m2 := waitMessages(t, p.b, 2, 1, time.Second)
	if string(m1[0].Payload) != "on-one" || string(m2[0].Payload) != "on-two" {
		t.Fatalf("payload mismatch: %q %q", m1[0].Payload, m2[0].Payload)
	}
	m1[0].Release()
	m2[0].Release()
}

func TestReceiveEmptyIsNonBlocking(t *testing.T) {
	p := newTestPair(t, Options{}, Options{})
	start := time.Now()
	if msgs := p.b.ReceiveMessagesOnChannel(7, 10); msgs != nil {
		t.Fatalf("expected no messages, got %d", len(msgs))
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatalf("receive on empty channel blocked")
	}
}

func TestInvalidParameters(t *testing.T) {
	p := newTestPair(t, Options{}, Options{})
	if r := p.a.SendMessageToUser("", []byte("x"), 0, 0); r != InvalidParameter {
		t.Fatalf("empty identity: %s", r)
	}
	if r := p.a.SendMessageToUser(peerB, make([]byte, protocol.MaxPayload+1), 0, 0); r != InvalidParameter {
		t.Fatalf("oversized payload: %s", r)
	}
	if r := p.a.SendMessageToUser(peerB, []byte("x"), 0, protocol.MaxChannel); r != InvalidParameter {
		t.Fatalf("bad channel: %s", r)
	}
}

func TestCloseSession(t *testing.T) {
	p := newTestPair(t, Options{}, Options{})

	if p.a.CloseSessionWithUser(peerB) {
		t.Fatalf("close of unknown session should be false")
	}
	p.a.SendMessageToUser(peerB, []byte("hi"), 0, 0)
	waitMessages(t, p.b, 0, 1, time.Second)[0].Release()
	waitEvent(t, p.b, time.Second) // drain the SessionRequest

	if !p.a.CloseSessionWithUser(peerB) {
		t.Fatalf("close of live session should be true")
	}
	if st, _ := p.a.GetSessionConnectionInfo(peerB); st != transport.StateNone {
		t.Fatalf("state after close = %s", st)
	}
	// peer-initiated graceful close: no SessionFailed on the other side
	waitState(t, p.b, peerA, transport.StateNone, time.Second)
	expectNoEvent(t, p.b, 50*time.Millisecond)
}

func TestCloseChannelLastChannelClosesSession(t *testing.T) {
	p := newTestPair(t, Options{}, Options{})

	p.a.SendMessageToUser(peerB, []byte("x"), 0, 1)
	p.a.SendMessageToUser(peerB, []byte("y"), 0, 2)
	waitState(t, p.a, peerB, transport.StateConnected, time.Second)

	if p.a.CloseChannelWithUser(peerB, 99) {
		t.Fatalf("closing a never-opened channel should be false")
	}
	if !p.a.CloseChannelWithUser(peerB, 1) {
		t.Fatalf("closing open channel should be true")
	}
	if st, _ := p.a.GetSessionConnectionInfo(peerB); st == transport.StateNone {
		t.Fatalf("session should survive while channel 2 is open")
	}
	if !p.a.CloseChannelWithUser(peerB, 2) {
		t.Fatalf("closing last channel should be true")
	}
	if st, _ := p.a.GetSessionConnectionInfo(peerB); st != transport.StateNone {
		t.Fatalf("state after last channel close = %s", st)
	}
}

func TestIdleReapIsSilent(t *testing.T) {
	p := newTestPair(t,
		Options{IdleTimeout: 60 * time.Millisecond, ReapInterval: 10 * time.Millisecond},
		Options{IdleTimeout: 60 * time.Millisecond, ReapInterval: 10 * time.Millisecond})

	p.a.SendMessageToUser(peerB, []byte("hi"), 0, 0)
	waitMessages(t, p.b, 0, 1, time.Second)[0].Release()
	waitEvent(t, p.b, time.Second) // SessionRequest

	waitState(t, p.a, peerB, transport.StateNone, time.Second)
	waitState(t, p.b, peerA, transport.StateNone, time.Second)
	expectNoEvent(t, p.a, 50*time.Millisecond)
	expectNoEvent(t, p.b, 50*time.Millisecond)
}

func TestSessionFailedAndAutoRestart(t *testing.T) {
	p := newTestPair(t, Options{}, Options{})

	p.a.SendMessageToUser(peerB, []byte("hi"), 0, 0)
	waitState(t, p.a, peerB, transport.StateConnected, time.Second)

	mem.Fail(p.dialA.last(), "wire cut")

	e := waitEvent(t, p.a, time.Second)
	failed, ok := e.(SessionFailed)
	if !ok || failed.Remote != peerB {
		t.Fatalf("expected SessionFailed for peer-b, got %#v", e)
	}
	if failed.Info.EndReason == "" {
		t.Fatalf("failure info should carry a reason")
	}
	if st, info := p.a.GetSessionConnectionInfo(peerB); st != transport.StateProblemDetectedLocally || info.EndReason == "" {
		t.Fatalf("post-failure state = %s info=%#v", st, info)
	}

	if r := p.a.SendMessageToUser(peerB, []byte("again"), 0, 0); r != NoConnection {
		t.Fatalf("send to broken session = %s, want no-connection", r)
	}
	if r := p.a.SendMessageToUser(peerB, []byte("again"), SendAutoRestartBrokenSession, 0); r != Ok {
		t.Fatalf("auto-restart send = %s", r)
	}
	// the restarted session delivers, and peer-b sees a fresh request
	waitMessages(t, p.b, 0, 1, time.Second)[0].Release()
}

func TestDialFailure(t *testing.T) {
	p := newTestPair(t, Options{DialTimeout: 100 * time.Millisecond}, Options{})

	if r := p.a.SendMessageToUser("peer-missing", []byte("hi"), 0, 0); r != Ok {
		t.Fatalf("send = %s, want synchronous ok", r)
	}
	e := waitEvent(t, p.a, time.Second)
	failed, ok := e.(SessionFailed)
	if !ok || failed.Remote != "peer-missing" {
		t.Fatalf("expected SessionFailed, got %#v", e)
	}
	if r := p.a.SendMessageToUser("peer-missing", []byte("hi"), 0, 0); r != NoConnection {
		t.Fatalf("follow-up send = %s, want no-connection", r)
	}
	// explicit close clears the session and its post-mortem
	if !p.a.CloseSessionWithUser("peer-missing") {
		t.Fatalf("close should find the broken session")
	}
	if st, _ := p.a.GetSessionConnectionInfo("peer-missing"); st != transport.StateNone {
		t.Fatalf("state after close = %s", st)
	}
}

func TestUnreliableToleratesLoss(t *testing.T) {
	p := newTestPair(t, Options{}, Options{})

	// establish first so loss only affects the payload sends
	p.a.SendMessageToUser(peerB, []byte("warmup"), 0, 5)
	waitMessages(t, p.b, 5, 1, time.Second)[0].Release()

	p.net.SetLoss(1.0)
	for i := 0; i < 10; i++ {
		if r := p.a.SendMessageToUser(peerB, []byte("gone"), SendUnreliable, 5); r != Ok {
			t.Fatalf("unreliable send = %s", r)
		}
	}
	p.net.SetLoss(0)
	// a test must not assert delivery of unreliable messages, only that the
	// path keeps working afterwards
	p.a.SendMessageToUser(peerB, []byte("still-here"), SendUnreliable, 5)
	msgs := waitMessages(t, p.b, 5, 1, time.Second)
	last := msgs[len(msgs)-1]
	if last.Reliable {
		t.Fatalf("expected unreliable flag on delivery")
	}
	for _, m := range msgs {
		m.Release()
	}
}

func TestRequestRenotification(t *testing.T) {
	p := newTestPair(t, Options{}, Options{RequestNotifyEvery: 30 * time.Millisecond})

	p.a.SendMessageToUser(peerB, []byte("one"), 0, 0)
	e := waitEvent(t, p.b, time.Second)
	if _, ok := e.(SessionRequest); !ok {
		t.Fatalf("expected SessionRequest, got %#v", e)
	}
	// the application neither accepts nor closes; more data keeps arriving
	time.Sleep(50 * time.Millisecond)
	p.a.SendMessageToUser(peerB, []byte("two"), 0, 0)
	e = waitEvent(t, p.b, time.Second)
	if req, ok := e.(SessionRequest); !ok || req.Remote != peerA {
		t.Fatalf("expected repeated SessionRequest, got %#v", e)
	}
}

func TestSessionLimit(t *testing.T) {
	p := newTestPair(t, Options{MaxSessions: 1}, Options{})

	if r := p.a.SendMessageToUser(peerB, []byte("hi"), 0, 0); r != Ok {
		t.Fatalf("first session send = %s", r)
	}
	if r := p.a.SendMessageToUser("peer-c", []byte("hi"), 0, 0); r != LimitExceeded {
		t.Fatalf("over-limit send = %s, want limit-exceeded", r)
	}
}

// stuckDialer blocks until its context is canceled, keeping sessions in the
// connecting state.
type stuckDialer struct{}

func (stuckDialer) Open(ctx context.Context, _ transport.PeerID) (transport.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSendBufferBackpressure(t *testing.T) {
	s := New(Options{
		Dialer:          stuckDialer{},
		Logger:          zap.NewNop(),
		SendBufferDepth: 2,
		DialTimeout:     time.Minute,
	})
	defer s.Close()

	if r := s.SendMessageToUser(peerB, []byte("1"), 0, 0); r != Ok {
		t.Fatalf("buffered send 1 = %s", r)
	}
	if r := s.SendMessageToUser(peerB, []byte("2"), 0, 0); r != Ok {
		t.Fatalf("buffered send 2 = %s", r)
	}
	if r := s.SendMessageToUser(peerB, []byte("3"), 0, 0); r != Busy {
		t.Fatalf("over-buffer send = %s, want busy", r)
	}
	// NoDelay skips the buffer entirely, so it is not rejected
	if r := s.SendMessageToUser(peerB, []byte("4"), SendNoDelay, 0); r != Ok {
		t.Fatalf("no-delay send = %s", r)
	}
	if st, _ := s.GetSessionConnectionInfo(peerB); st != transport.StateConnecting {
		t.Fatalf("state while dialing = %s", st)
	}
}

func TestSendNeverBlocksOnHandshake(t *testing.T) {
	s := New(Options{Dialer: stuckDialer{}, Logger: zap.NewNop(), DialTimeout: time.Minute})
	defer s.Close()

	start := time.Now()
	if r := s.SendMessageToUser(peerB, []byte("hello"), 0, 0); r != Ok {
		t.Fatalf("send = %s", r)
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatalf("send waited on the handshake")
	}
}
