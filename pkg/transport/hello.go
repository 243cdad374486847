package transport

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
)

// Hello is the signed identity message each side sends on a freshly
// established tcp/quic connection, before any envelopes. It binds an
// ed25519 public key to a fresh nonce and a timestamp.
type Hello struct {
	Version   uint32 `cbor:"ver"`
	Alg       string `cbor:"alg"`
	PubKey    []byte `cbor:"pubkey"`
	Nonce     []byte `cbor:"nonce"`
	Timestamp int64  `cbor:"ts_unix_ms"`
	Sig       []byte `cbor:"sig"`
}

const helloVersion = 1

// helloMaxSkew bounds the accepted clock difference for Hello timestamps.
const helloMaxSkew = 5 * time.Minute

var helloEnc cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	helloEnc = em
}

// CanonicalPeerID constructs a peer id from public key bytes.
// The format is pk:<alg>:<base64url-nopad(pubkey)>.
func CanonicalPeerID(alg string, pub []byte) PeerID {
	alg = strings.ToLower(strings.TrimSpace(alg))
	return PeerID("pk:" + alg + ":" + base64.RawURLEncoding.EncodeToString(pub))
}

// BuildHello constructs and signs a Hello for the given private key and
// returns it CBOR-encoded.
func BuildHello(priv ed25519.PrivateKey) ([]byte, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	h := Hello{
		Version:   helloVersion,
		Alg:       "ed25519",
		PubKey:    append([]byte(nil), priv.Public().(ed25519.PublicKey)...),
		Nonce:     nonce,
		Timestamp: time.Now().UnixMilli(),
	}
	h.Sig = ed25519.Sign(priv, helloTranscript(h))
	return helloEnc.Marshal(h)
}

// VerifyHello decodes and verifies a received Hello and returns the
// canonical peer id it authenticates.
func VerifyHello(data []byte) (PeerID, error) {
	var h Hello
	if err := cbor.Unmarshal(data, &h); err != nil {
		return "", fmt.Errorf("decode hello: %w", err)
	}
	if h.Version != helloVersion {
		return "", fmt.Errorf("unsupported hello version: %d", h.Version)
	}
	if h.Alg != "ed25519" {
		return "", fmt.Errorf("unsupported hello alg: %s", h.Alg)
	}
	if len(h.PubKey) != ed25519.PublicKeySize {
		return "", errors.New("bad pubkey length")
	}
	if len(h.Sig) != ed25519.SignatureSize {
		return "", errors.New("bad signature length")
	}
	if dt := time.Now().UnixMilli() - h.Timestamp; dt > int64(helloMaxSkew/time.Millisecond) || dt < -int64(helloMaxSkew/time.Millisecond) {
		return "", errors.New("hello timestamp out of bounds")
	}
	if !ed25519.Verify(ed25519.PublicKey(h.PubKey), helloTranscript(h), h.Sig) {
		return "", errors.New("hello signature invalid")
	}
	return CanonicalPeerID(h.Alg, h.PubKey), nil
}

// helloTranscript builds the byte string covered by the signature. Fields
// are length-prefixed so no two transcripts collide.
func helloTranscript(h Hello) []byte {
	var buf bytes.Buffer
	buf.WriteString("peermsg-hello-v1")
	writeField := func(b []byte) {
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(b)))
		buf.Write(l[:])
		buf.Write(b)
	}
	writeField([]byte(h.Alg))
	writeField(h.PubKey)
	writeField(h.Nonce)
	var ts [8]byte
	binary.LittleEndian.PutUint64(ts[:], uint64(h.Timestamp))
	buf.Write(ts[:])
	return buf.Bytes()
}
