package noise

import (
	"crypto/hmac"
	"crypto/rand"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// CookieLifetime bounds both the responder's cookie secret rotation
// and how long a received cookie stays usable for MAC2.
const CookieLifetime = 120 * time.Second

// CookieChecker is the responder side of the cookie machinery: it
// validates MAC1/MAC2 on incoming handshake messages and mints cookie
// replies while under load.
type CookieChecker struct {
	mu      sync.RWMutex
	timeNow func() time.Time

	mac1Key       [blake2s.Size]byte
	encryptionKey [chacha20poly1305.KeySize]byte
	secret        [blake2s.Size]byte
	secretSet     time.Time
}

// CookieGenerator is the initiator side: it stamps MAC1 (and MAC2 when
// a fresh cookie is cached) onto outgoing handshake messages and
// consumes cookie replies.
type CookieGenerator struct {
	mu      sync.Mutex
	timeNow func() time.Time

	mac1Key       [blake2s.Size]byte
	encryptionKey [chacha20poly1305.KeySize]byte
	cookie        [blake2s.Size128]byte
	cookieSet     time.Time
	hasLastMAC1   bool
	lastMAC1      [blake2s.Size128]byte
}

// Init derives the MAC1 and cookie-encryption keys from pk, the static
// public key of the message *recipient*.
func (cc *CookieChecker) Init(pk PublicKey) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.timeNow == nil {
		cc.timeNow = time.Now
	}
	cc.mac1Key = Hash([]byte(LabelMAC1), pk[:])
	cc.encryptionKey = Hash([]byte(LabelCookie), pk[:])
	cc.secretSet = time.Time{}
}

// CheckMAC1 verifies the first MAC over msg, a full marshalled
// handshake message.
func (cc *CookieChecker) CheckMAC1(msg []byte) bool {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	smac2 := len(msg) - blake2s.Size128
	smac1 := smac2 - blake2s.Size128
	if smac1 < 0 {
		return false
	}
	mac1 := MAC(cc.mac1Key[:], msg[:smac1])
	return hmac.Equal(mac1[:], msg[smac1:smac2])
}

// CheckMAC2 verifies the second MAC against the cookie derived from
// src, the sender's address bytes. Returns false once the secret has
// aged out, forcing a fresh cookie exchange.
func (cc *CookieChecker) CheckMAC2(msg, src []byte) bool {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	if cc.timeNow().Sub(cc.secretSet) > CookieLifetime {
		return false
	}
	cookie := MAC(cc.secret[:], src)
	smac2 := len(msg) - blake2s.Size128
	if smac2 < 0 {
		return false
	}
	mac2 := MAC(cookie[:], msg[:smac2])
	return hmac.Equal(mac2[:], msg[smac2:])
}

// CreateReply builds a cookie reply for msg, binding the cookie to the
// sender's address and sealing it against the message's MAC1.
func (cc *CookieChecker) CreateReply(msg []byte, receiver uint32, src []byte) (*CookieReply, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if cc.timeNow().Sub(cc.secretSet) > CookieLifetime {
		if _, err := rand.Read(cc.secret[:]); err != nil {
			return nil, err
		}
		cc.secretSet = cc.timeNow()
	}

	cookie := MAC(cc.secret[:], src)

	smac2 := len(msg) - blake2s.Size128
	smac1 := smac2 - blake2s.Size128

	reply := &CookieReply{Receiver: receiver}
	if _, err := rand.Read(reply.Nonce[:]); err != nil {
		return nil, err
	}

	xaead, _ := chacha20poly1305.NewX(cc.encryptionKey[:])
	xaead.Seal(reply.Cookie[:0], reply.Nonce[:], cookie[:], msg[smac1:smac2])
	return reply, nil
}

// Init derives keys from pk, the static public key of the peer the
// generator sends handshakes to.
func (cg *CookieGenerator) Init(pk PublicKey) {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	if cg.timeNow == nil {
		cg.timeNow = time.Now
	}
	cg.mac1Key = Hash([]byte(LabelMAC1), pk[:])
	cg.encryptionKey = Hash([]byte(LabelCookie), pk[:])
	cg.cookieSet = time.Time{}
}

// ConsumeReply decrypts a cookie reply and caches the cookie for
// subsequent MAC2 stamping. The reply only authenticates against the
// MAC1 of the message that triggered it.
func (cg *CookieGenerator) ConsumeReply(msg *CookieReply) bool {
	cg.mu.Lock()
	defer cg.mu.Unlock()

	if !cg.hasLastMAC1 {
		return false
	}
	var cookie [blake2s.Size128]byte
	xaead, _ := chacha20poly1305.NewX(cg.encryptionKey[:])
	if _, err := xaead.Open(cookie[:0], msg.Nonce[:], msg.Cookie[:], cg.lastMAC1[:]); err != nil {
		return false
	}
	cg.cookie = cookie
	cg.cookieSet = cg.timeNow()
	return true
}

// AddMacs stamps MAC1, and MAC2 when a fresh cookie is cached, onto a
// fully marshalled handshake message.
func (cg *CookieGenerator) AddMacs(msg []byte) {
	smac2 := len(msg) - blake2s.Size128
	smac1 := smac2 - blake2s.Size128

	cg.mu.Lock()
	defer cg.mu.Unlock()

	mac1 := MAC(cg.mac1Key[:], msg[:smac1])
	copy(msg[smac1:smac2], mac1[:])
	cg.lastMAC1 = mac1
	cg.hasLastMAC1 = true

	if cg.timeNow().Sub(cg.cookieSet) > CookieLifetime {
		return
	}
	mac2 := MAC(cg.cookie[:], msg[:smac2])
	copy(msg[smac2:], mac2[:])
}
