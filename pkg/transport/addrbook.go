package transport

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Route is one known way to reach a peer.
type Route struct {
	Kind    Kind
	Address string
}

// AddrBook maps peer identities to dialable addresses. It is seeded from
// configuration; inbound source addresses are not recorded because a
// connection's source port is not the peer's listening address.
type AddrBook struct {
	mu     sync.RWMutex
	routes map[PeerID]Route
}

func NewAddrBook() *AddrBook {
	return &AddrBook{routes: make(map[PeerID]Route)}
}

// Put records (or replaces) the route for a peer.
func (b *AddrBook) Put(id PeerID, r Route) {
	if id == "" || r.Address == "" {
		return
	}
	b.mu.Lock()
	b.routes[id] = r
	b.mu.Unlock()
}

// Lookup returns the route for a peer, if known.
func (b *AddrBook) Lookup(id PeerID) (Route, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.routes[id]
	return r, ok
}

// Forget drops the route for a peer.
func (b *AddrBook) Forget(id PeerID) {
	b.mu.Lock()
	delete(b.routes, id)
	b.mu.Unlock()
}

// BookDialer resolves identities through an AddrBook and dials with the
// matching registered transport. It implements Dialer.
type BookDialer struct {
	book       *AddrBook
	transports map[Kind]Transport
}

func NewBookDialer(book *AddrBook, trs ...Transport) *BookDialer {
	m := make(map[Kind]Transport, len(trs))
	for _, tr := range trs {
		m[tr.Kind()] = tr
	}
	return &BookDialer{book: book, transports: m}
}

func (d *BookDialer) Open(ctx context.Context, peer PeerID) (Conn, error) {
	r, ok := d.book.Lookup(peer)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, peer)
	}
	tr := d.transports[r.Kind]
	if tr == nil {
		return nil, fmt.Errorf("%w: no %s transport for %s", ErrNoRoute, r.Kind, peer)
	}
	c, err := tr.Dial(ctx, r.Address, peer)
	if err != nil {
		zap.L().Debug("dial failed",
			zap.String("peer", string(peer)),
			zap.String("kind", r.Kind.String()),
			zap.String("addr", r.Address),
			zap.Error(err))
		return nil, err
	}
	return c, nil
}
