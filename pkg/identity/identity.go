// Package identity manages the node's ed25519 key and its canonical peer id.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"peermsg/pkg/config"
	"peermsg/pkg/transport"
)

// Identity is the local node's key material and derived peer id.
type Identity struct {
	Priv ed25519.PrivateKey
	ID   transport.PeerID
}

// Generate creates a fresh ed25519 identity.
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return fromKey(priv), nil
}

// Load builds an identity from configuration: an inline base64url key, a key
// file, or a freshly generated key when neither is set.
func Load(c config.IdentityConfig) (*Identity, error) {
	if alg := strings.ToLower(strings.TrimSpace(c.Alg)); alg != "" && alg != "ed25519" {
		return nil, fmt.Errorf("unsupported identity.alg: %q", c.Alg)
	}

	if s := strings.TrimSpace(c.PrivateKey); s != "" {
		b, err := base64.RawURLEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode identity.private_key: %w", err)
		}
		return fromKeyBytes(b)
	}

	if f := strings.TrimSpace(c.PrivateKeyFile); f != "" {
		raw, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read identity.private_key_file: %w", err)
		}
		txt := strings.TrimSpace(string(raw))
		if b, err := base64.RawURLEncoding.DecodeString(txt); err == nil {
			return fromKeyBytes(b)
		}
		// assume raw key bytes
		return fromKeyBytes(raw)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	zap.L().Info("generated new ed25519 identity (persist it to identity.private_key)",
		zap.String("peer_id", string(id.ID)))
	return id, nil
}

// Encode returns the private key in the base64url form Load accepts.
func (id *Identity) Encode() string {
	return base64.RawURLEncoding.EncodeToString(id.Priv)
}

func fromKeyBytes(b []byte) (*Identity, error) {
	switch len(b) {
	case ed25519.PrivateKeySize:
		return fromKey(ed25519.PrivateKey(b)), nil
	case ed25519.SeedSize:
		return fromKey(ed25519.NewKeyFromSeed(b)), nil
	default:
		return nil, fmt.Errorf("bad ed25519 key length: %d", len(b))
	}
}

func fromKey(priv ed25519.PrivateKey) *Identity {
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{Priv: priv, ID: transport.CanonicalPeerID("ed25519", pub)}
}
