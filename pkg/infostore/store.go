// Package infostore retains the last known connection details of sessions
// that ended in failure, for a bounded time. The messages layer consults it
// so a status query shortly after a failure can still report what went
// wrong; entries expire on their own, so unclaimed post-mortems do not
// accumulate.
package infostore

import (
	"sync"
	"sync/atomic"
	"time"

	"peermsg/pkg/transport"
)

// Store is a TTL-bounded map of peer id to final ConnInfo. Safe for
// concurrent use.
type Store struct {
	ttl     time.Duration
	nowFn   func() time.Time
	closeCh chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	entries map[transport.PeerID]entry

	mExpired atomic.Uint64
}

type entry struct {
	info     transport.ConnInfo
	expireAt time.Time
}

// sweepEvery is how often the background sweeper scans for expired entries.
// Reads also expire lazily, so the sweep only bounds idle memory.
const sweepEvery = 30 * time.Second

// New creates a store whose entries live for ttl after Put.
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	s := &Store{
		ttl:     ttl,
		nowFn:   time.Now,
		closeCh: make(chan struct{}),
		entries: make(map[transport.PeerID]entry),
	}
	s.wg.Add(1)
	go s.sweeper()
	return s
}

// Close stops the background sweeper.
func (s *Store) Close() {
	select {
	case <-s.closeCh:
		return
	default:
	}
	close(s.closeCh)
	s.wg.Wait()
}

// Put records the final info for a peer, replacing any earlier record and
// restarting its TTL.
func (s *Store) Put(id transport.PeerID, info transport.ConnInfo) {
	if id == "" {
		return
	}
	s.mu.Lock()
	s.entries[id] = entry{info: info, expireAt: s.nowFn().Add(s.ttl)}
	s.mu.Unlock()
}

// Get returns the retained info for a peer, expiring it lazily if its TTL
// has passed.
func (s *Store) Get(id transport.PeerID) (transport.ConnInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return transport.ConnInfo{}, false
	}
	if s.nowFn().After(e.expireAt) {
		delete(s.entries, id)
		s.mExpired.Add(1)
		return transport.ConnInfo{}, false
	}
	return e.info, true
}

// Delete drops the record for a peer, if any.
func (s *Store) Delete(id transport.PeerID) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Expired returns how many entries have aged out since the store was made.
func (s *Store) Expired() uint64 { return s.mExpired.Load() }

func (s *Store) sweeper() {
	defer s.wg.Done()
	t := time.NewTicker(sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-t.C:
			now := s.nowFn()
			s.mu.Lock()
			for id, e := range s.entries {
				if now.After(e.expireAt) {
					delete(s.entries, id)
					s.mExpired.Add(1)
				}
			}
			s.mu.Unlock()
		}
	}
}
