package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
)

func TestHelloRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	data, err := BuildHello(priv)
	if err != nil {
		t.Fatalf("BuildHello: %v", err)
	}
	id, err := VerifyHello(data)
	if err != nil {
		t.Fatalf("VerifyHello: %v", err)
	}
	if want := CanonicalPeerID("ed25519", pub); id != want {
		t.Fatalf("peer id = %s, want %s", id, want)
	}
}

func TestHelloRejectsTamperedKey(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	pubB, _, _ := ed25519.GenerateKey(rand.Reader)

	data, err := BuildHello(priv)
	if err != nil {
		t.Fatal(err)
	}
	var h Hello
	if err := cbor.Unmarshal(data, &h); err != nil {
		t.Fatal(err)
	}
	// swap in a different public key, keeping the original signature
	h.PubKey = pubB
	forged, err := helloEnc.Marshal(h)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := VerifyHello(forged); err == nil {
		t.Fatal("expected verification failure for substituted key")
	}
}

func TestHelloRejectsStaleTimestamp(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)

	h := Hello{
		Version:   helloVersion,
		Alg:       "ed25519",
		PubKey:    append([]byte(nil), priv.Public().(ed25519.PublicKey)...),
		Nonce:     make([]byte, 16),
		Timestamp: time.Now().Add(-time.Hour).UnixMilli(),
	}
	h.Sig = ed25519.Sign(priv, helloTranscript(h))
	data, err := helloEnc.Marshal(h)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := VerifyHello(data); err == nil {
		t.Fatal("expected rejection of stale hello")
	}
}

func TestHelloRejectsGarbage(t *testing.T) {
	if _, err := VerifyHello([]byte("not cbor at all")); err == nil {
		t.Fatal("expected decode error")
	}
}
