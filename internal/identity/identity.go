package identity

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/unicornultrafoundation/wgcore/internal/noise"
)

// Identity holds the node's static Curve25519 keypair.
type Identity struct {
	PrivateKey noise.PrivateKey
	PublicKey  noise.PublicKey
}

// Generate creates a new random identity.
func Generate() (*Identity, error) {
	sk, err := noise.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &Identity{PrivateKey: sk, PublicKey: sk.Public()}, nil
}

// FromPrivateKey recreates an identity from a private key.
func FromPrivateKey(privKey noise.PrivateKey) *Identity {
	return &Identity{PrivateKey: privKey, PublicKey: privKey.Public()}
}

// LoadOrGenerate loads an identity from file, or generates and saves a
// new one. The key file holds the raw 32 private key bytes, mode 0600.
func LoadOrGenerate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) == noise.PrivateKeySize {
		var sk noise.PrivateKey
		copy(sk[:], data)
		noise.SetZero(data)
		return FromPrivateKey(sk), nil
	}
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}
	if err := os.WriteFile(path, id.PrivateKey[:], 0600); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	return id, nil
}

// PublicKeyHex returns the public key as a hex string.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.PublicKey[:])
}

// String returns a human-readable identity summary.
func (id *Identity) String() string {
	return fmt.Sprintf("Identity{pubkey=%s...}", id.PublicKeyHex()[:16])
}
