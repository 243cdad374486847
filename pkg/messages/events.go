package messages

import (
	"go.uber.org/zap"

	"peermsg/pkg/transport"
)

// Event is a notification produced as session state transitions are
// observed. Consume via Events() or PollEvent().
type Event interface{ event() }

// SessionRequest is posted when a remote peer sends to us and no session
// exists yet. It is re-posted periodically while the peer keeps sending and
// the application has neither accepted nor closed the session.
type SessionRequest struct {
	Remote transport.PeerID
}

// SessionFailed is posted when a connection fails to establish or is
// disrupted in a way that is not a graceful local or remote close. Idle
// timeouts and peer-initiated closes never produce it.
type SessionFailed struct {
	Remote transport.PeerID
	Info   transport.ConnInfo
}

func (SessionRequest) event() {}
func (SessionFailed) event()  {}

// notifier is a bounded event queue. Emission never blocks: when the
// application is not draining, the newest event is dropped with a warning.
type notifier struct {
	ch  chan Event
	log *zap.Logger
}

func newNotifier(depth int, log *zap.Logger) *notifier {
	if depth <= 0 {
		depth = 64
	}
	return &notifier{ch: make(chan Event, depth), log: log}
}

func (n *notifier) emit(e Event) {
	select {
	case n.ch <- e:
	default:
		n.log.Warn("event queue full, dropping event", zap.Any("event", e))
	}
}

func (n *notifier) poll() (Event, bool) {
	select {
	case e := <-n.ch:
		return e, true
	default:
		return nil, false
	}
}
