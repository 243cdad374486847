package infostore

import (
	"testing"
	"time"

	"peermsg/pkg/transport"
)

func TestPutGetDelete(t *testing.T) {
	s := New(time.Minute)
	defer s.Close()

	info := transport.ConnInfo{
		Peer:      "pk:ed25519:abc",
		State:     transport.StateProblemDetectedLocally,
		EndReason: "handshake timeout",
	}
	s.Put(info.Peer, info)
	got, ok := s.Get(info.Peer)
	if !ok {
		t.Fatalf("expected entry present")
	}
	if got.State != transport.StateProblemDetectedLocally || got.EndReason != "handshake timeout" {
		t.Fatalf("info mismatch: %#v", got)
	}
	s.Delete(info.Peer)
	if _, ok := s.Get(info.Peer); ok {
		t.Fatalf("expected entry gone after Delete")
	}
}

func TestLazyExpiry(t *testing.T) {
	s := New(time.Minute)
	defer s.Close()

	now := time.Now()
	s.nowFn = func() time.Time { return now }
	s.Put("peer-a", transport.ConnInfo{Peer: "peer-a", State: transport.StateClosed})

	now = now.Add(30 * time.Second)
	if _, ok := s.Get("peer-a"); !ok {
		t.Fatalf("expected entry alive before TTL")
	}
	now = now.Add(31 * time.Second)
	if _, ok := s.Get("peer-a"); ok {
		t.Fatalf("expected entry expired after TTL")
	}
	if s.Expired() == 0 {
		t.Fatalf("expected Expired > 0")
	}
}

func TestPutRestartsTTL(t *testing.T) {
	s := New(time.Minute)
	defer s.Close()

	now := time.Now()
	s.nowFn = func() time.Time { return now }
	s.Put("peer-b", transport.ConnInfo{Peer: "peer-b"})
	now = now.Add(45 * time.Second)
	s.Put("peer-b", transport.ConnInfo{Peer: "peer-b"})
	now = now.Add(45 * time.Second)
	if _, ok := s.Get("peer-b"); !ok {
		t.Fatalf("expected refreshed entry alive at 90s")
	}
}
