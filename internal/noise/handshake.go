package noise

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.zx2c4.com/wireguard/tai64n"
)

// Protocol constants. These feed the initial hash transcript and the
// MAC key derivations; changing any of them breaks interoperability.
const (
	Construction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	Identifier   = "WireGuard v1 zx2c4 Jason@zx2c4.com"
	LabelMAC1    = "mac1----"
	LabelCookie  = "cookie--"
)

var (
	ErrAuthFailure    = errors.New("handshake authentication failed")
	ErrStaleTimestamp = errors.New("handshake timestamp not newer than last accepted")
	ErrUnknownPeer    = errors.New("initiation from unknown static key")
	ErrInvalidState   = errors.New("handshake message out of sequence")
)

var (
	initialChainKey [blake2s.Size]byte
	initialHash     [blake2s.Size]byte
	zeroNonce       [chacha20poly1305.NonceSize]byte
)

func init() {
	initialChainKey = blake2s.Sum256([]byte(Construction))
	mixHash(&initialHash, &initialChainKey, []byte(Identifier))
}

// State tracks handshake progress between message exchanges.
type State int

const (
	StateZeroed State = iota
	StateInitiationCreated
	StateInitiationConsumed
	StateResponseCreated
	StateResponseConsumed
)

func (s State) String() string {
	switch s {
	case StateZeroed:
		return "zeroed"
	case StateInitiationCreated:
		return "initiation-created"
	case StateInitiationConsumed:
		return "initiation-consumed"
	case StateResponseCreated:
		return "response-created"
	case StateResponseConsumed:
		return "response-consumed"
	default:
		return "unknown"
	}
}

// Handshake holds the transient Noise state for one peer. It lives
// inside the peer and is reused across handshake attempts; Clear wipes
// everything that must not outlive an attempt.
type Handshake struct {
	mu                      sync.Mutex
	timeNow                 func() time.Time
	state                   State
	hash                    [blake2s.Size]byte
	chainKey                [blake2s.Size]byte
	localEphemeral          PrivateKey
	localIndex              uint32
	remoteIndex             uint32
	remoteStatic            PublicKey
	remoteEphemeral         PublicKey
	presharedKey            PresharedKey
	precomputedStaticStatic [32]byte
	lastTimestamp           tai64n.Timestamp
}

// NewHandshake creates handshake state for a peer with the given
// remote static key. Precompute must be called before any message can
// be produced or consumed.
func NewHandshake(remoteStatic PublicKey, psk PresharedKey) *Handshake {
	return &Handshake{
		timeNow:      time.Now,
		remoteStatic: remoteStatic,
		presharedKey: psk,
	}
}

// SetTimeSource replaces the clock behind initiation timestamps. Only
// for tests with a mock clock.
func (h *Handshake) SetTimeSource(now func() time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeNow = now
}

// timestampWhitener masks the low nanosecond bits of initiation
// timestamps so they do not leak a precise clock reading.
const timestampWhitener = uint32(1<<24 - 1)

// stampTime encodes t as a TAI64N timestamp, whitened the same way
// tai64n.Now does it.
func stampTime(t time.Time) tai64n.Timestamp {
	var ts tai64n.Timestamp
	secs := 0x400000000000000a + uint64(t.Unix())
	nano := uint32(t.Nanosecond()) &^ timestampWhitener
	binary.BigEndian.PutUint64(ts[:], secs)
	binary.BigEndian.PutUint32(ts[8:], nano)
	return ts
}

// Precompute caches DH(local static, remote static). Called at peer
// creation and again whenever the local private key changes. A failed
// DH (low-order remote point) leaves the cache zero, which every
// message path treats as a hard failure.
func (h *Handshake) Precompute(local *PrivateKey) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ss, err := local.SharedSecret(h.remoteStatic)
	if err != nil {
		SetZero(h.precomputedStaticStatic[:])
		return err
	}
	h.precomputedStaticStatic = ss
	return nil
}

// SetPresharedKey replaces the PSK used by future handshakes.
func (h *Handshake) SetPresharedKey(psk PresharedKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.presharedKey = psk
}

// RemoteStatic returns the peer's long-term public key.
func (h *Handshake) RemoteStatic() PublicKey {
	return h.remoteStatic
}

// LocalIndex returns the index assigned to the in-flight handshake.
func (h *Handshake) LocalIndex() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.localIndex
}

// State returns the current handshake progress.
func (h *Handshake) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Clear wipes ephemeral secrets and transcript state.
func (h *Handshake) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clearLocked()
}

func (h *Handshake) clearLocked() {
	SetZero(h.localEphemeral[:])
	SetZero(h.remoteEphemeral[:])
	SetZero(h.chainKey[:])
	SetZero(h.hash[:])
	h.localIndex = 0
	h.state = StateZeroed
}

// CreateInitiation builds the first handshake message. The sender
// index must already be registered with the caller's index table; the
// returned message carries no MACs yet (the cookie layer fills them).
func (h *Handshake) CreateInitiation(local *PrivateKey, localPublic PublicKey, sender uint32) (*Initiation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if IsZero(h.precomputedStaticStatic[:]) {
		return nil, ErrAuthFailure
	}

	var err error
	h.hash = initialHash
	h.chainKey = initialChainKey
	h.localEphemeral, err = NewPrivateKey()
	if err != nil {
		return nil, err
	}

	mixHash(&h.hash, &h.hash, h.remoteStatic[:])

	msg := Initiation{
		Sender:    sender,
		Ephemeral: h.localEphemeral.Public(),
	}
	mixKey(&h.chainKey, &h.chainKey, msg.Ephemeral[:])
	mixHash(&h.hash, &h.hash, msg.Ephemeral[:])

	// encrypt the static identity
	ss, err := h.localEphemeral.SharedSecret(h.remoteStatic)
	if err != nil {
		return nil, err
	}
	var key [chacha20poly1305.KeySize]byte
	KDF2(&h.chainKey, &key, h.chainKey[:], ss[:])
	SetZero(ss[:])
	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg.Static[:0], zeroNonce[:], localPublic[:], h.hash[:])
	mixHash(&h.hash, &h.hash, msg.Static[:])

	// encrypt the timestamp under the static-static secret
	KDF2(&h.chainKey, &key, h.chainKey[:], h.precomputedStaticStatic[:])
	timestamp := stampTime(h.timeNow())
	aead, _ = chacha20poly1305.New(key[:])
	aead.Seal(msg.Timestamp[:0], zeroNonce[:], timestamp[:], h.hash[:])
	mixHash(&h.hash, &h.hash, msg.Timestamp[:])
	SetZero(key[:])

	h.localIndex = sender
	h.state = StateInitiationCreated
	return &msg, nil
}

// ConsumeInitiation processes an initiation on the responder side.
// lookup maps a decrypted static key to the owning peer's handshake;
// it returns nil for unknown keys. MAC validation happens before this
// is called.
func ConsumeInitiation(msg *Initiation, local *PrivateKey, localPublic PublicKey, lookup func(PublicKey) *Handshake) (*Handshake, error) {
	var (
		hash     [blake2s.Size]byte
		chainKey [blake2s.Size]byte
	)

	mixHash(&hash, &initialHash, localPublic[:])
	mixHash(&hash, &hash, msg.Ephemeral[:])
	mixKey(&chainKey, &initialChainKey, msg.Ephemeral[:])

	// decrypt the sender's static identity
	var peerPK PublicKey
	var key [chacha20poly1305.KeySize]byte
	ss, err := local.SharedSecret(msg.Ephemeral)
	if err != nil {
		return nil, err
	}
	KDF2(&chainKey, &key, chainKey[:], ss[:])
	SetZero(ss[:])
	aead, _ := chacha20poly1305.New(key[:])
	if _, err := aead.Open(peerPK[:0], zeroNonce[:], msg.Static[:], hash[:]); err != nil {
		return nil, ErrAuthFailure
	}
	mixHash(&hash, &hash, msg.Static[:])

	h := lookup(peerPK)
	if h == nil {
		return nil, ErrUnknownPeer
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if IsZero(h.precomputedStaticStatic[:]) {
		return nil, ErrAuthFailure
	}

	// decrypt and verify the timestamp
	var timestamp tai64n.Timestamp
	KDF2(&chainKey, &key, chainKey[:], h.precomputedStaticStatic[:])
	aead, _ = chacha20poly1305.New(key[:])
	if _, err := aead.Open(timestamp[:0], zeroNonce[:], msg.Timestamp[:], hash[:]); err != nil {
		return nil, ErrAuthFailure
	}
	mixHash(&hash, &hash, msg.Timestamp[:])
	SetZero(key[:])

	if !timestamp.After(h.lastTimestamp) {
		return nil, ErrStaleTimestamp
	}
	h.lastTimestamp = timestamp

	h.hash = hash
	h.chainKey = chainKey
	h.remoteIndex = msg.Sender
	h.remoteEphemeral = msg.Ephemeral
	h.state = StateInitiationConsumed

	SetZero(hash[:])
	SetZero(chainKey[:])
	return h, nil
}

// CreateResponse builds the second handshake message after a consumed
// initiation. The sender index must already be registered.
func (h *Handshake) CreateResponse(sender uint32) (*Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateInitiationConsumed {
		return nil, ErrInvalidState
	}

	var err error
	msg := Response{
		Sender:   sender,
		Receiver: h.remoteIndex,
	}

	h.localEphemeral, err = NewPrivateKey()
	if err != nil {
		return nil, err
	}
	msg.Ephemeral = h.localEphemeral.Public()
	mixHash(&h.hash, &h.hash, msg.Ephemeral[:])
	mixKey(&h.chainKey, &h.chainKey, msg.Ephemeral[:])

	ss, err := h.localEphemeral.SharedSecret(h.remoteEphemeral)
	if err != nil {
		return nil, err
	}
	mixKey(&h.chainKey, &h.chainKey, ss[:])
	SetZero(ss[:])
	ss, err = h.localEphemeral.SharedSecret(h.remoteStatic)
	if err != nil {
		return nil, err
	}
	mixKey(&h.chainKey, &h.chainKey, ss[:])
	SetZero(ss[:])

	var tau [blake2s.Size]byte
	var key [chacha20poly1305.KeySize]byte
	KDF3(&h.chainKey, &tau, &key, h.chainKey[:], h.presharedKey[:])
	mixHash(&h.hash, &h.hash, tau[:])

	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg.Empty[:0], zeroNonce[:], nil, h.hash[:])
	mixHash(&h.hash, &h.hash, msg.Empty[:])
	SetZero(tau[:])
	SetZero(key[:])

	h.localIndex = sender
	h.state = StateResponseCreated
	return &msg, nil
}

// ConsumeResponse processes the response on the initiator side. The
// caller locates h via the message's receiver index.
func (h *Handshake) ConsumeResponse(msg *Response, local *PrivateKey) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateInitiationCreated {
		return ErrInvalidState
	}

	var (
		hash     [blake2s.Size]byte
		chainKey [blake2s.Size]byte
	)
	mixHash(&hash, &h.hash, msg.Ephemeral[:])
	mixKey(&chainKey, &h.chainKey, msg.Ephemeral[:])

	ss, err := h.localEphemeral.SharedSecret(msg.Ephemeral)
	if err != nil {
		return err
	}
	mixKey(&chainKey, &chainKey, ss[:])
	SetZero(ss[:])
	ss, err = local.SharedSecret(msg.Ephemeral)
	if err != nil {
		return err
	}
	mixKey(&chainKey, &chainKey, ss[:])
	SetZero(ss[:])

	var tau [blake2s.Size]byte
	var key [chacha20poly1305.KeySize]byte
	KDF3(&chainKey, &tau, &key, chainKey[:], h.presharedKey[:])
	mixHash(&hash, &hash, tau[:])

	aead, _ := chacha20poly1305.New(key[:])
	if _, err := aead.Open(nil, zeroNonce[:], msg.Empty[:], hash[:]); err != nil {
		SetZero(tau[:])
		SetZero(key[:])
		return ErrAuthFailure
	}
	mixHash(&hash, &hash, msg.Empty[:])
	SetZero(tau[:])
	SetZero(key[:])

	h.hash = hash
	h.chainKey = chainKey
	h.remoteIndex = msg.Sender
	h.state = StateResponseConsumed

	SetZero(hash[:])
	SetZero(chainKey[:])
	return nil
}

// SessionKeys derives the transport key pair from a completed
// handshake and wipes the transcript. The returned indices are
// (local, remote) as carried by transport headers.
func (h *Handshake) SessionKeys() (send, recv SessionKey, isInitiator bool, localIndex, remoteIndex uint32, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case StateResponseConsumed:
		KDF2((*[blake2s.Size]byte)(&send), (*[blake2s.Size]byte)(&recv), h.chainKey[:], nil)
		isInitiator = true
	case StateResponseCreated:
		KDF2((*[blake2s.Size]byte)(&recv), (*[blake2s.Size]byte)(&send), h.chainKey[:], nil)
		isInitiator = false
	default:
		err = ErrInvalidState
		return
	}

	localIndex = h.localIndex
	remoteIndex = h.remoteIndex
	h.clearLocked()
	return
}
