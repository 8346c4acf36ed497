package noise

import (
	"crypto/hmac"
	"hash"

	"golang.org/x/crypto/blake2s"
)

// The WireGuard KDF: HMAC-BLAKE2s based extract-then-expand producing
// up to three 32-byte outputs. The byte sequence must match the
// whitepaper exactly or nothing interoperates.

// Hash computes BLAKE2s-256 over the concatenation of its inputs.
func Hash(parts ...[]byte) [blake2s.Size]byte {
	h, _ := blake2s.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	var out [blake2s.Size]byte
	h.Sum(out[:0])
	return out
}

// MAC computes keyed BLAKE2s-128 over the concatenation of its inputs.
func MAC(key []byte, parts ...[]byte) [blake2s.Size128]byte {
	m, _ := blake2s.New128(key)
	for _, p := range parts {
		m.Write(p)
	}
	var out [blake2s.Size128]byte
	m.Sum(out[:0])
	return out
}

func newBlake2s() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

func hmacBlake2s(sum *[blake2s.Size]byte, key, in []byte) {
	m := hmac.New(newBlake2s, key)
	m.Write(in)
	m.Sum(sum[:0])
}

// KDF1 derives one key from the chaining input.
func KDF1(t0 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmacBlake2s(&prk, key, input)
	hmacBlake2s(t0, prk[:], []byte{0x1})
	SetZero(prk[:])
}

// KDF2 derives two keys from the chaining input.
func KDF2(t0, t1 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmacBlake2s(&prk, key, input)
	hmacBlake2s(t0, prk[:], []byte{0x1})
	hmacBlake2s(t1, prk[:], append(t0[:], 0x2))
	SetZero(prk[:])
}

// KDF3 derives three keys from the chaining input.
func KDF3(t0, t1, t2 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmacBlake2s(&prk, key, input)
	hmacBlake2s(t0, prk[:], []byte{0x1})
	hmacBlake2s(t1, prk[:], append(t0[:], 0x2))
	hmacBlake2s(t2, prk[:], append(t1[:], 0x3))
	SetZero(prk[:])
}

func mixHash(dst, h *[blake2s.Size]byte, data []byte) {
	hh, _ := blake2s.New256(nil)
	hh.Write(h[:])
	hh.Write(data)
	hh.Sum(dst[:0])
}

func mixKey(dst, ck *[blake2s.Size]byte, data []byte) {
	KDF1(dst, ck[:], data)
}
