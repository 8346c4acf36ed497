package noise

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.zx2c4.com/wireguard/tai64n"
)

// Wire message types. Each message starts with a 4-byte little-endian
// type field; only the low byte is ever non-zero.
const (
	MessageInitiationType  uint32 = 1
	MessageResponseType    uint32 = 2
	MessageCookieReplyType uint32 = 3
	MessageTransportType   uint32 = 4
)

const (
	MessageInitiationSize      = 148
	MessageResponseSize        = 92
	MessageCookieReplySize     = 64
	MessageTransportHeaderSize = 16
	// MessageKeepaliveSize is an empty transport message: header plus
	// the tag over zero bytes of padded plaintext.
	MessageKeepaliveSize = MessageTransportHeaderSize + TagSize

	MessageTransportOffsetReceiver = 4
	MessageTransportOffsetCounter  = 8
	MessageTransportOffsetContent  = 16
)

var ErrMessageLength = errors.New("message length mismatch")

// Initiation is the first handshake message (type 1, 148 bytes):
// type(4) sender(4) ephemeral(32) static(32+16) timestamp(12+16)
// mac1(16) mac2(16).
type Initiation struct {
	Sender    uint32
	Ephemeral PublicKey
	Static    [PublicKeySize + TagSize]byte
	Timestamp [tai64n.TimestampSize + TagSize]byte
	MAC1      [blake2s.Size128]byte
	MAC2      [blake2s.Size128]byte
}

// Response is the second handshake message (type 2, 92 bytes):
// type(4) sender(4) receiver(4) ephemeral(32) empty(0+16) mac1(16)
// mac2(16).
type Response struct {
	Sender    uint32
	Receiver  uint32
	Ephemeral PublicKey
	Empty     [TagSize]byte
	MAC1      [blake2s.Size128]byte
	MAC2      [blake2s.Size128]byte
}

// CookieReply is the under-load reply (type 3, 64 bytes):
// type(4) receiver(4) nonce(24) cookie(16+16).
type CookieReply struct {
	Receiver uint32
	Nonce    [chacha20poly1305.NonceSizeX]byte
	Cookie   [blake2s.Size128 + TagSize]byte
}

func (msg *Initiation) Marshal(b []byte) error {
	if len(b) != MessageInitiationSize {
		return ErrMessageLength
	}
	binary.LittleEndian.PutUint32(b[0:], MessageInitiationType)
	binary.LittleEndian.PutUint32(b[4:], msg.Sender)
	copy(b[8:], msg.Ephemeral[:])
	copy(b[40:], msg.Static[:])
	copy(b[88:], msg.Timestamp[:])
	copy(b[116:], msg.MAC1[:])
	copy(b[132:], msg.MAC2[:])
	return nil
}

func (msg *Initiation) Unmarshal(b []byte) error {
	if len(b) != MessageInitiationSize {
		return ErrMessageLength
	}
	msg.Sender = binary.LittleEndian.Uint32(b[4:])
	copy(msg.Ephemeral[:], b[8:40])
	copy(msg.Static[:], b[40:88])
	copy(msg.Timestamp[:], b[88:116])
	copy(msg.MAC1[:], b[116:132])
	copy(msg.MAC2[:], b[132:148])
	return nil
}

func (msg *Response) Marshal(b []byte) error {
	if len(b) != MessageResponseSize {
		return ErrMessageLength
	}
	binary.LittleEndian.PutUint32(b[0:], MessageResponseType)
	binary.LittleEndian.PutUint32(b[4:], msg.Sender)
	binary.LittleEndian.PutUint32(b[8:], msg.Receiver)
	copy(b[12:], msg.Ephemeral[:])
	copy(b[44:], msg.Empty[:])
	copy(b[60:], msg.MAC1[:])
	copy(b[76:], msg.MAC2[:])
	return nil
}

func (msg *Response) Unmarshal(b []byte) error {
	if len(b) != MessageResponseSize {
		return ErrMessageLength
	}
	msg.Sender = binary.LittleEndian.Uint32(b[4:])
	msg.Receiver = binary.LittleEndian.Uint32(b[8:])
	copy(msg.Ephemeral[:], b[12:44])
	copy(msg.Empty[:], b[44:60])
	copy(msg.MAC1[:], b[60:76])
	copy(msg.MAC2[:], b[76:92])
	return nil
}

func (msg *CookieReply) Marshal(b []byte) error {
	if len(b) != MessageCookieReplySize {
		return ErrMessageLength
	}
	binary.LittleEndian.PutUint32(b[0:], MessageCookieReplyType)
	binary.LittleEndian.PutUint32(b[4:], msg.Receiver)
	copy(b[8:], msg.Nonce[:])
	copy(b[32:], msg.Cookie[:])
	return nil
}

func (msg *CookieReply) Unmarshal(b []byte) error {
	if len(b) != MessageCookieReplySize {
		return ErrMessageLength
	}
	msg.Receiver = binary.LittleEndian.Uint32(b[4:])
	copy(msg.Nonce[:], b[8:32])
	copy(msg.Cookie[:], b[32:64])
	return nil
}
