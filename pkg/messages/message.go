package messages

import (
	"sync"
	"time"

	"peermsg/pkg/transport"
)

// Message is one received payload. Ownership transfers to the caller on
// retrieval; call Release when done so the backing object can be reused.
type Message struct {
	Payload  []byte
	Channel  uint32
	Peer     transport.PeerID
	Reliable bool
	Received time.Time
}

var msgPool = sync.Pool{New: func() any { return new(Message) }}

func newMessage(peer transport.PeerID, channel uint32, reliable bool, payload []byte) *Message {
	m := msgPool.Get().(*Message)
	m.Payload = payload
	m.Channel = channel
	m.Peer = peer
	m.Reliable = reliable
	m.Received = time.Now()
	return m
}

// Release returns the message to the internal pool. The message and its
// payload must not be touched afterwards.
func (m *Message) Release() {
	if m == nil {
		return
	}
	*m = Message{}
	msgPool.Put(m)
}
