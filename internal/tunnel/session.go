package tunnel

import (
	"crypto/cipher"
	"encoding/binary"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/unicornultrafoundation/wgcore/internal/noise"
	"github.com/unicornultrafoundation/wgcore/internal/replay"
)

// Counter limits. A session is retired before its 64-bit counter can
// wrap; rekeying starts long before that.
const (
	RekeyAfterMessages  = uint64(1) << 60
	RejectAfterMessages = ^uint64(0) - (uint64(1) << 13)
)

// Session is one directional AEAD key pair negotiated by a handshake,
// together with its send counter and receive replay window.
//
// Go gives no way to scrub the key schedule inside a cipher.AEAD, so
// retiring a session drops the references and lets the collector do
// it; the raw 32-byte keys are wiped as soon as the AEADs exist.
type Session struct {
	send    cipher.AEAD
	receive cipher.AEAD

	sendCounter  atomic.Uint64
	filter       replay.Filter
	receivedData atomic.Bool

	localIndex  uint32
	remoteIndex uint32
	isInitiator bool
	created     time.Time
}

func newSession(sendKey, recvKey noise.SessionKey, isInitiator bool, localIndex, remoteIndex uint32, now time.Time) *Session {
	s := &Session{
		localIndex:  localIndex,
		remoteIndex: remoteIndex,
		isInitiator: isInitiator,
		created:     now,
	}
	s.send, _ = chacha20poly1305.New(sendKey[:])
	s.receive, _ = chacha20poly1305.New(recvKey[:])
	noise.SetZero(sendKey[:])
	noise.SetZero(recvKey[:])
	return s
}

// nonce builds the 12-byte AEAD nonce: four zero bytes followed by the
// little-endian counter.
func nonce(counter uint64) [chacha20poly1305.NonceSize]byte {
	var n [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(n[4:], counter)
	return n
}

// encrypt seals plaintext (zero-padded to a 16-byte boundary) into a
// complete transport frame. Returns ErrCounterExhausted once the send
// counter reaches the reject cap; the caller then asks for a fresh
// handshake.
func (s *Session) encrypt(plaintext []byte) ([]byte, error) {
	counter := s.sendCounter.Add(1) - 1
	if counter >= RejectAfterMessages {
		return nil, ErrCounterExhausted
	}

	paddedLen := (len(plaintext) + 15) &^ 15
	padded := make([]byte, paddedLen)
	copy(padded, plaintext)

	frame := make([]byte, noise.MessageTransportHeaderSize, noise.MessageTransportHeaderSize+paddedLen+noise.TagSize)
	binary.LittleEndian.PutUint32(frame[0:], noise.MessageTransportType)
	binary.LittleEndian.PutUint32(frame[noise.MessageTransportOffsetReceiver:], s.remoteIndex)
	binary.LittleEndian.PutUint64(frame[noise.MessageTransportOffsetCounter:], counter)

	n := nonce(counter)
	frame = s.send.Seal(frame, n[:], padded, nil)
	return frame, nil
}

// decrypt opens a transport frame, committing the counter to the
// replay window only after the tag verifies. The returned plaintext
// still carries its zero padding.
func (s *Session) decrypt(frame []byte) ([]byte, uint64, error) {
	if len(frame) < noise.MessageKeepaliveSize {
		return nil, 0, ErrMessageTooShort
	}
	counter := binary.LittleEndian.Uint64(frame[noise.MessageTransportOffsetCounter:])
	if counter >= RejectAfterMessages {
		return nil, 0, ErrCounterExhausted
	}

	n := nonce(counter)
	plaintext, err := s.receive.Open(nil, n[:], frame[noise.MessageTransportOffsetContent:], nil)
	if err != nil {
		return nil, 0, ErrDecryptFailed
	}

	if s.filter.CheckAndCommit(counter) != replay.Accepted {
		return nil, 0, ErrReplay
	}
	return plaintext, counter, nil
}

// expired reports whether the session has outlived RejectAfterTime.
func (s *Session) expired(now time.Time) bool {
	return now.Sub(s.created) >= RejectAfterTime
}

// exhausted reports whether the send counter budget is gone.
func (s *Session) exhausted() bool {
	return s.sendCounter.Load() >= RejectAfterMessages
}
