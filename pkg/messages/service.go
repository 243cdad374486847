// Package messages implements connectionless, datagram-style messaging on
// top of a connection-oriented transport. Callers address peers by identity;
// sessions and their single underlying connection are created, reused, and
// reaped implicitly. Reliable messages sent on one channel to one peer are
// delivered exactly once and in send order; nothing is promised across
// channels or for unreliable messages.
package messages

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"peermsg/pkg/infostore"
	"peermsg/pkg/protocol"
	"peermsg/pkg/transport"
)

// Options tunes a Service. Zero values take the defaults documented on each
// field.
type Options struct {
	// Dialer opens connections by peer identity. Required.
	Dialer transport.Dialer
	// Logger defaults to zap.L().
	Logger *zap.Logger

	// IdleTimeout is how long a session may sit without traffic before the
	// reaper closes it silently. Default 3m.
	IdleTimeout time.Duration
	// ReapInterval is the reaper sweep period. Default 30s.
	ReapInterval time.Duration
	// RequestNotifyEvery rate-limits repeated SessionRequest notifications
	// for an unaccepted session. Default 10s.
	RequestNotifyEvery time.Duration
	// DialTimeout bounds the asynchronous connection handshake. Default 10s.
	DialTimeout time.Duration
	// FailedInfoTTL is how long connection details of a failed session stay
	// queryable after the session is gone. Default 2m.
	FailedInfoTTL time.Duration

	// MaxSessions bounds concurrent sessions. Default 1024.
	MaxSessions int
	// MaxPendingSessions bounds inbound sessions awaiting acceptance.
	// Default 128.
	MaxPendingSessions int
	// ChannelQueueDepth caps each channel's inbound queue. Default 512.
	ChannelQueueDepth int
	// SendBufferDepth caps frames buffered per session while its connection
	// is still establishing. Default 128.
	SendBufferDepth int
	// EventQueueDepth caps the notification queue. Default 64.
	EventQueueDepth int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.L()
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 3 * time.Minute
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = 30 * time.Second
	}
	if o.RequestNotifyEvery <= 0 {
		o.RequestNotifyEvery = 10 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.FailedInfoTTL <= 0 {
		o.FailedInfoTTL = 2 * time.Minute
	}
	if o.MaxSessions <= 0 {
		o.MaxSessions = 1024
	}
	if o.MaxPendingSessions <= 0 {
		o.MaxPendingSessions = 128
	}
	if o.ChannelQueueDepth <= 0 {
		o.ChannelQueueDepth = 512
	}
	if o.SendBufferDepth <= 0 {
		o.SendBufferDepth = 128
	}
	if o.EventQueueDepth <= 0 {
		o.EventQueueDepth = 64
	}
	return o
}

// Service is the send/receive surface. One instance owns the session table,
// the per-channel inbound queues, and the event queue. Safe for concurrent
// use from any goroutine.
type Service struct {
	opts   Options
	log    *zap.Logger
	dialer transport.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[transport.PeerID]*session
	queues   map[uint32]*channelQueue
	closed   bool

	events   *notifier
	retained *infostore.Store
}

// New creates a Service and starts its idle reaper.
func New(opts Options) *Service {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		opts:     opts,
		log:      opts.Logger,
		dialer:   opts.Dialer,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[transport.PeerID]*session),
		queues:   make(map[uint32]*channelQueue),
		events:   newNotifier(opts.EventQueueDepth, opts.Logger),
		retained: infostore.New(opts.FailedInfoTTL),
	}
	s.wg.Add(1)
	go s.reaper()
	return s
}

// Close tears down every session and stops background work. Idempotent.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, sess := range s.sessions {
		s.dropSessionLocked(sess)
	}
	s.mu.Unlock()
	s.cancel()
	s.retained.Close()
	s.wg.Wait()
}

// Serve accepts inbound connections from l until the service closes or the
// listener fails. Closing the listener is the caller's job.
func (s *Service) Serve(l transport.Listener) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			c, err := l.Accept(s.ctx)
			if err != nil {
				return
			}
			s.adoptInbound(c)
		}
	}()
}

// Events returns the notification queue. Either drain this channel or call
// PollEvent; mixing both splits the stream between consumers.
func (s *Service) Events() <-chan Event { return s.events.ch }

// PollEvent returns the next pending notification without blocking.
func (s *Service) PollEvent() (Event, bool) { return s.events.poll() }

// SendMessageToUser sends payload to peer on the given channel, implicitly
// creating (and, for inbound-pending sessions, accepting) the session. It
// never waits for the handshake; failures after an Ok return surface as
// SessionFailed events.
func (s *Service) SendMessageToUser(peer transport.PeerID, payload []byte, flags int, channel uint32) Result {
	if peer == "" || len(payload) > protocol.MaxPayload || channel >= protocol.MaxChannel {
		return InvalidParameter
	}
	reliable := flags&SendUnreliable == 0
	env := protocol.Envelope{Channel: channel, Reliable: reliable, Payload: payload}
	frame, err := env.EncodeFrame()
	if err != nil {
		return InvalidParameter
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return NoConnection
	}
	sess := s.sessions[peer]
	if sess != nil && sess.cachedState().Terminal() {
		if flags&SendAutoRestartBrokenSession == 0 {
			s.mu.Unlock()
			return NoConnection
		}
		s.dropSessionLocked(sess)
		sess = nil
	}
	if sess == nil {
		if len(s.sessions) >= s.opts.MaxSessions {
			s.mu.Unlock()
			return LimitExceeded
		}
		sess = s.newSessionLocked(peer)
	}
	s.mu.Unlock()

	res, failed := sess.submit(frame, channel, reliable, flags, s.opts.SendBufferDepth)
	if failed != nil {
		s.failConn(sess, failed.conn, failed.err)
	}
	return res
}

// ReceiveMessagesOnChannel pops up to max messages queued on channel across
// all senders, in arrival order. Never blocks; returns nil when the queue is
// empty. The caller owns the returned messages and should Release them.
func (s *Service) ReceiveMessagesOnChannel(channel uint32, max int) []*Message {
	s.mu.Lock()
	q := s.queues[channel]
	s.mu.Unlock()
	if q == nil {
		return nil
	}
	return q.popN(max)
}

// AcceptSessionWithUser clears the pending state of an inbound session.
// Returns true whenever a session with peer exists, accepted or not; false
// if there is none.
func (s *Service) AcceptSessionWithUser(peer transport.PeerID) bool {
	s.mu.Lock()
	sess := s.sessions[peer]
	s.mu.Unlock()
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	sess.pendingAccept = false
	sess.mu.Unlock()
	return true
}

// CloseSessionWithUser closes the connection, discards the session's
// channels and their queued messages, and removes the session. Returns false
// if no session existed.
func (s *Service) CloseSessionWithUser(peer transport.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[peer]
	if sess == nil {
		return false
	}
	s.dropSessionLocked(sess)
	// an explicit close also discards any retained post-mortem
	s.retained.Delete(peer)
	return true
}

// CloseChannelWithUser closes one channel with peer, discarding its queued
// messages from that peer. Closing the last open channel closes the session.
// Returns false if the session or channel did not exist.
func (s *Service) CloseChannelWithUser(peer transport.PeerID, channel uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessions[peer]
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	_, ok := sess.open[channel]
	if ok {
		delete(sess.open, channel)
	}
	last := ok && len(sess.open) == 0
	sess.mu.Unlock()
	if !ok {
		return false
	}
	if q := s.queues[channel]; q != nil {
		q.purgePeer(peer)
	}
	if last {
		s.dropSessionLocked(sess)
		s.retained.Delete(peer)
	}
	return true
}

// GetSessionConnectionInfo reports the last known state of the session with
// peer. With no session it consults the short-lived post-mortem store for
// recently failed sessions and otherwise reports StateNone.
func (s *Service) GetSessionConnectionInfo(peer transport.PeerID) (transport.ConnState, transport.ConnInfo) {
	s.mu.Lock()
	sess := s.sessions[peer]
	s.mu.Unlock()
	if sess != nil {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		if sess.conn != nil {
			info := sess.conn.Info()
			sess.state = info.State
			return info.State, info
		}
		info := sess.lastInfo
		info.Peer = peer
		info.State = sess.state
		return sess.state, info
	}
	if info, ok := s.retained.Get(peer); ok {
		return info.State, info
	}
	return transport.StateNone, transport.ConnInfo{Peer: peer, State: transport.StateNone}
}

// queue returns the inbound queue for channel, creating it on first
// reference when create is set.
func (s *Service) queue(channel uint32, create bool) *channelQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[channel]
	if q == nil && create {
		q = newChannelQueue(s.opts.ChannelQueueDepth)
		s.queues[channel] = q
	}
	return q
}

// newSessionLocked creates an outbound session and starts its dial. Caller
// holds s.mu.
func (s *Service) newSessionLocked(peer transport.PeerID) *session {
	sess := newSession(s, peer)
	sess.state = transport.StateConnecting
	s.sessions[peer] = sess
	s.wg.Add(1)
	go s.connectSession(sess)
	return sess
}

// dropSessionLocked removes a session from the table, closes its connection
// and purges its queued inbound messages. Silent: no event, no retention.
// Caller holds s.mu.
func (s *Service) dropSessionLocked(sess *session) {
	delete(s.sessions, sess.peer)
	sess.mu.Lock()
	sess.done = true
	conn := sess.conn
	sess.conn = nil
	open := sess.open
	sess.open = nil
	sess.buf = nil
	sess.mu.Unlock()
	for ch := range open {
		if q := s.queues[ch]; q != nil {
			q.purgePeer(sess.peer)
		}
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// adoptInbound folds a freshly accepted connection into the session table:
// either it completes a session we are concurrently dialing, or it creates a
// new session in the pending-accept state.
func (s *Service) adoptInbound(c transport.Conn) {
	peer := c.Peer()
	if peer == "" {
		_ = c.Close()
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = c.Close()
		return
	}
	sess := s.sessions[peer]
	if sess != nil && sess.cachedState().Terminal() {
		// peer is talking to us again after the old session broke
		s.dropSessionLocked(sess)
		sess = nil
	}
	created := false
	if sess == nil {
		pending := 0
		for _, x := range s.sessions {
			if x.isPending() {
				pending++
			}
		}
		if pending >= s.opts.MaxPendingSessions {
			s.mu.Unlock()
			s.log.Warn("too many pending sessions, refusing inbound",
				zap.String("peer", string(peer)))
			_ = c.Close()
			return
		}
		sess = newSession(s, peer)
		sess.pendingAccept = true
		sess.lastNotify = time.Now()
		s.sessions[peer] = sess
		created = true
	}
	s.mu.Unlock()

	if !s.attach(sess, c) {
		// session already has a live connection or is gone
		_ = c.Close()
		return
	}
	if created {
		s.events.emit(SessionRequest{Remote: peer})
		s.log.Info("session request", zap.String("peer", string(peer)))
	}
}
