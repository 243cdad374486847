package transport

import "testing"

func TestAddrBookPutLookupForget(t *testing.T) {
	b := NewAddrBook()
	id := PeerID("pk:ed25519:abc")

	if _, ok := b.Lookup(id); ok {
		t.Fatal("lookup on empty book succeeded")
	}
	b.Put(id, Route{Kind: KindTCP, Address: "10.0.0.1:7777"})
	r, ok := b.Lookup(id)
	if !ok || r.Address != "10.0.0.1:7777" || r.Kind != KindTCP {
		t.Fatalf("lookup = %+v, %v", r, ok)
	}

	// replacement wins
	b.Put(id, Route{Kind: KindQUIC, Address: "10.0.0.1:4433"})
	r, _ = b.Lookup(id)
	if r.Kind != KindQUIC {
		t.Fatalf("route not replaced: %+v", r)
	}

	b.Forget(id)
	if _, ok := b.Lookup(id); ok {
		t.Fatal("lookup after forget succeeded")
	}
}

func TestAddrBookIgnoresEmpty(t *testing.T) {
	b := NewAddrBook()
	b.Put("", Route{Kind: KindTCP, Address: "x"})
	b.Put("pk:ed25519:abc", Route{})
	if _, ok := b.Lookup("pk:ed25519:abc"); ok {
		t.Fatal("empty route stored")
	}
}
