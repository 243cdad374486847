package messages

import (
	"sync"

	"peermsg/pkg/transport"
)

// channelQueue is the inbound FIFO for one channel id, shared across all
// senders that have the channel open. Capped: the dispatcher drops the
// newest message when an application stops draining.
type channelQueue struct {
	mu   sync.Mutex
	msgs []*Message
	cap  int
}

func newChannelQueue(cap int) *channelQueue {
	return &channelQueue{cap: cap}
}

// push appends a message in arrival order. Returns false when the queue is
// at capacity and the message was not taken.
func (q *channelQueue) push(m *Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) >= q.cap {
		return false
	}
	q.msgs = append(q.msgs, m)
	return true
}

// popN removes and returns up to n messages, preserving arrival order.
func (q *channelQueue) popN(n int) []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || len(q.msgs) == 0 {
		return nil
	}
	if n > len(q.msgs) {
		n = len(q.msgs)
	}
	out := make([]*Message, n)
	copy(out, q.msgs[:n])
	rest := copy(q.msgs, q.msgs[n:])
	for i := rest; i < len(q.msgs); i++ {
		q.msgs[i] = nil
	}
	q.msgs = q.msgs[:rest]
	return out
}

// purgePeer discards queued messages from one sender, releasing them.
func (q *channelQueue) purgePeer(peer transport.PeerID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.msgs[:0]
	for _, m := range q.msgs {
		if m.Peer == peer {
			m.Release()
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(q.msgs); i++ {
		q.msgs[i] = nil
	}
	q.msgs = kept
}

func (q *channelQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}
