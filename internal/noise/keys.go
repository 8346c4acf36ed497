package noise

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

const (
	// PublicKeySize is the Curve25519 public key size.
	PublicKeySize = 32
	// PrivateKeySize is the Curve25519 private key size.
	PrivateKeySize = 32
	// PresharedKeySize is the optional symmetric pre-shared key size.
	PresharedKeySize = 32
	// SessionKeySize is the ChaCha20-Poly1305 transport key size.
	SessionKeySize = chacha20poly1305.KeySize
	// TagSize is the Poly1305 authentication tag size.
	TagSize = chacha20poly1305.Overhead
	// NonceSize is the ChaCha20-Poly1305 nonce size.
	NonceSize = chacha20poly1305.NonceSize
)

var (
	ErrZeroSharedSecret = errors.New("x25519 produced an all-zero shared secret")
	ErrBadKeyLength     = errors.New("key must be 32 bytes")
)

// PrivateKey is a clamped Curve25519 secret scalar.
type PrivateKey [PrivateKeySize]byte

// PublicKey is a Curve25519 public point.
type PublicKey [PublicKeySize]byte

// PresharedKey is an optional 32-byte symmetric key mixed into the
// handshake. The all-zero value means "no PSK" and is what the
// protocol uses when none is configured.
type PresharedKey [PresharedKeySize]byte

// SessionKey is a transport AEAD key derived by a completed handshake.
type SessionKey [SessionKeySize]byte

// NewPrivateKey generates a random, clamped private key.
func NewPrivateKey() (PrivateKey, error) {
	var sk PrivateKey
	if _, err := rand.Read(sk[:]); err != nil {
		return sk, fmt.Errorf("generate private key: %w", err)
	}
	sk.clamp()
	return sk, nil
}

func (sk *PrivateKey) clamp() {
	sk[0] &= 248
	sk[31] &= 127
	sk[31] |= 64
}

// Public derives the Curve25519 public point for sk.
func (sk *PrivateKey) Public() PublicKey {
	var pk PublicKey
	apk := (*[PublicKeySize]byte)(&pk)
	ask := (*[PrivateKeySize]byte)(sk)
	curve25519.ScalarBaseMult(apk, ask)
	return pk
}

// SharedSecret performs X25519 scalar multiplication with pk.
// All-zero outputs are rejected so a malicious low-order point cannot
// force a known session key during the handshake.
func (sk *PrivateKey) SharedSecret(pk PublicKey) ([32]byte, error) {
	var ss [32]byte
	out, err := curve25519.X25519(sk[:], pk[:])
	if err != nil {
		return ss, fmt.Errorf("x25519: %w", err)
	}
	copy(ss[:], out)
	if IsZero(ss[:]) {
		return ss, ErrZeroSharedSecret
	}
	return ss, nil
}

// IsZero reports whether b is all zeros, in constant time.
func IsZero(b []byte) bool {
	acc := 1
	for _, v := range b {
		acc &= subtle.ConstantTimeByteEq(v, 0)
	}
	return acc == 1
}

// SetZero wipes b. Buffers holding secret material go through here on
// every release path.
func SetZero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Equals compares two public keys in constant time.
func (pk PublicKey) Equals(other PublicKey) bool {
	return subtle.ConstantTimeCompare(pk[:], other[:]) == 1
}

// IsZero reports whether the public key is unset.
func (pk PublicKey) IsZero() bool {
	return IsZero(pk[:])
}

// Hex returns the public key as a hex string.
func (pk PublicKey) Hex() string {
	return hex.EncodeToString(pk[:])
}

// String returns an abbreviated form for logging.
func (pk PublicKey) String() string {
	return pk.Hex()[:16] + "..."
}

// PublicKeyFromHex parses a 64-character hex public key.
func PublicKeyFromHex(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != PublicKeySize {
		return pk, ErrBadKeyLength
	}
	copy(pk[:], b)
	return pk, nil
}

// PresharedKeyFromHex parses a 64-character hex pre-shared key.
func PresharedKeyFromHex(s string) (PresharedKey, error) {
	var psk PresharedKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return psk, fmt.Errorf("decode preshared key: %w", err)
	}
	if len(b) != PresharedKeySize {
		return psk, ErrBadKeyLength
	}
	copy(psk[:], b)
	return psk, nil
}
