package messages

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"peermsg/pkg/protocol"
	"peermsg/pkg/transport"
)

// session binds one remote identity to at most one underlying connection
// plus the set of channels opened with that peer. All fields behind mu; the
// activity clock is atomic so the reaper can read it without contention.
type session struct {
	svc  *Service
	peer transport.PeerID

	mu            sync.Mutex
	conn          transport.Conn
	state         transport.ConnState // last observed; conn is authoritative
	lastInfo      transport.ConnInfo  // snapshot kept once the conn is gone
	pendingAccept bool
	open          map[uint32]struct{}
	buf           []outFrame // outbound frames awaiting the handshake
	lastNotify    time.Time
	done          bool // removed from the session table

	lastActivity atomic.Int64 // unix nanos
}

type outFrame struct {
	frame    []byte
	reliable bool
}

// connFailure reports a connection that died during a send, for the service
// to fail out of band.
type connFailure struct {
	conn transport.Conn
	err  error
}

func newSession(s *Service, peer transport.PeerID) *session {
	sess := &session{
		svc:  s,
		peer: peer,
		open: make(map[uint32]struct{}),
	}
	sess.touch()
	return sess
}

func (ss *session) touch() { ss.lastActivity.Store(time.Now().UnixNano()) }

func (ss *session) idleSince() time.Time {
	return time.Unix(0, ss.lastActivity.Load())
}

func (ss *session) cachedState() transport.ConnState {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.state
}

func (ss *session) isPending() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.pendingAccept
}

// submit hands one encoded frame to the session: sent right away when the
// connection is up, buffered while it establishes, dropped when the caller
// asked for NoDelay. Sending to the peer also implicitly accepts a pending
// inbound session. A non-nil connFailure tells the caller the connection
// died under this send.
func (ss *session) submit(frame []byte, channel uint32, reliable bool, flags int, bufDepth int) (Result, *connFailure) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.done || ss.state.Terminal() {
		return NoConnection, nil
	}
	ss.pendingAccept = false
	ss.open[channel] = struct{}{}
	ss.touch()

	if ss.conn != nil {
		// conn.Send under mu keeps call order on this session
		if err := ss.conn.Send(frame, reliable); err != nil {
			if errors.Is(err, transport.ErrBusy) {
				return Busy, nil
			}
			return Ok, &connFailure{conn: ss.conn, err: err}
		}
		return Ok, nil
	}
	if flags&SendNoDelay != 0 {
		// caller opted into dropping rather than buffering
		return Ok, nil
	}
	if len(ss.buf) >= bufDepth {
		return Busy, nil
	}
	ss.buf = append(ss.buf, outFrame{frame: frame, reliable: reliable})
	return Ok, nil
}

// connectSession dials the session's peer asynchronously and attaches the
// resulting connection, flushing anything buffered meanwhile.
func (s *Service) connectSession(sess *session) {
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.DialTimeout)
	defer cancel()
	conn, err := s.dialer.Open(ctx, sess.peer)
	if err != nil {
		s.failDial(sess, err)
		return
	}
	if !s.attach(sess, conn) {
		// the session got a connection some other way, or is gone
		_ = conn.Close()
	}
}

// attach installs conn as the session's connection, flushes the buffered
// frames and starts the read pump. Returns false if the session cannot take
// the connection.
func (s *Service) attach(sess *session, conn transport.Conn) bool {
	sess.mu.Lock()
	if sess.done || sess.conn != nil || sess.state.Terminal() {
		sess.mu.Unlock()
		return false
	}
	sess.conn = conn
	sess.state = conn.State()
	buf := sess.buf
	sess.buf = nil
	var sendErr error
	for _, f := range buf {
		if err := conn.Send(f.frame, f.reliable); err != nil {
			if errors.Is(err, transport.ErrBusy) {
				s.log.Warn("dropping buffered frame on backpressure",
					zap.String("peer", string(sess.peer)))
				continue
			}
			sendErr = err
			break
		}
	}
	sess.touch()
	sess.mu.Unlock()

	if sendErr != nil {
		s.failConn(sess, conn, sendErr)
		return true
	}
	s.wg.Add(1)
	go s.readLoop(sess, conn)
	return true
}

// readLoop drains inbound frames from one connection and demultiplexes them
// into the per-channel queues, until the connection ends.
func (s *Service) readLoop(sess *session, conn transport.Conn) {
	defer s.wg.Done()
	for {
		b, err := conn.Recv()
		if err != nil {
			s.connEnded(sess, conn, err)
			return
		}
		var env protocol.Envelope
		if derr := env.DecodeFrame(b); derr != nil {
			s.log.Warn("dropping malformed frame",
				zap.String("peer", string(sess.peer)), zap.Error(derr))
			continue
		}
		s.dispatchInbound(sess, env)
	}
}

// dispatchInbound appends one decoded envelope to its channel's queue,
// creating the queue on first reference, and re-notifies a still-unaccepted
// session at most once per notify interval.
func (s *Service) dispatchInbound(sess *session, env protocol.Envelope) {
	notify := false
	sess.mu.Lock()
	if sess.done {
		sess.mu.Unlock()
		return
	}
	sess.open[env.Channel] = struct{}{}
	sess.touch()
	if sess.pendingAccept && time.Since(sess.lastNotify) >= s.opts.RequestNotifyEvery {
		sess.lastNotify = time.Now()
		notify = true
	}
	sess.mu.Unlock()

	if notify {
		s.events.emit(SessionRequest{Remote: sess.peer})
	}
	m := newMessage(sess.peer, env.Channel, env.Reliable, env.Payload)
	if !s.queue(env.Channel, true).push(m) {
		m.Release()
		s.log.Warn("channel queue full, dropping message",
			zap.String("peer", string(sess.peer)), zap.Uint32("channel", env.Channel))
	}
}

// connEnded classifies why a connection's read pump stopped. A graceful
// remote close tears the session down silently; anything else not caused by
// our own close marks the session broken and posts SessionFailed.
func (s *Service) connEnded(sess *session, conn transport.Conn, err error) {
	st := conn.State()
	switch {
	case st == transport.StateClosedByPeer:
		s.mu.Lock()
		if s.sessions[sess.peer] == sess && sess.ownsConn(conn) {
			s.dropSessionLocked(sess)
			s.log.Debug("session closed by peer", zap.String("peer", string(sess.peer)))
		}
		s.mu.Unlock()
	case st == transport.StateClosed:
		// our own close; the closer already handled the session
	default:
		s.failConn(sess, conn, err)
	}
}

func (ss *session) ownsConn(conn transport.Conn) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.conn == conn
}

// failDial records a failed connection attempt: the session stays in the
// table in a broken state (so plain sends return NoConnection until the
// caller restarts or closes it) and SessionFailed is posted.
func (s *Service) failDial(sess *session, err error) {
	info := transport.ConnInfo{
		Peer:         sess.peer,
		State:        transport.StateProblemDetectedLocally,
		EndReason:    "dial failed: " + err.Error(),
		LastActivity: time.Now(),
	}
	s.failSession(sess, nil, info)
}

// failConn records a connection that died while attached to its session.
func (s *Service) failConn(sess *session, conn transport.Conn, err error) {
	info := conn.Info()
	info.State = transport.StateProblemDetectedLocally
	if info.EndReason == "" && err != nil {
		info.EndReason = err.Error()
	}
	s.failSession(sess, conn, info)
}

func (s *Service) failSession(sess *session, conn transport.Conn, info transport.ConnInfo) {
	s.mu.Lock()
	if s.sessions[sess.peer] != sess {
		s.mu.Unlock()
		return
	}
	sess.mu.Lock()
	if sess.done || sess.conn != conn {
		sess.mu.Unlock()
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if conn != nil {
		_ = conn.Close()
		sess.conn = nil
	}
	sess.state = info.State
	sess.lastInfo = info
	sess.buf = nil
	sess.mu.Unlock()
	s.retained.Put(sess.peer, info)
	s.mu.Unlock()

	s.events.emit(SessionFailed{Remote: sess.peer, Info: info})
	s.log.Warn("session failed",
		zap.String("peer", string(sess.peer)),
		zap.String("reason", info.EndReason))
}
