package tunnel

import (
	"encoding/binary"
	"net/netip"
)

// Header field offsets for the inner IP packets, per RFC 791 and
// RFC 8200. The data path reads fields straight out of the buffer
// instead of unmarshalling whole headers.
const (
	ipv4HeaderLen         = 20
	ipv4offsetTotalLength = 2
	ipv4offsetDst         = 16

	ipv6HeaderLen           = 40
	ipv6offsetPayloadLength = 4
	ipv6offsetDst           = 24
)

// dstAddress extracts the destination address of a plaintext IP
// packet, identified by its first-nibble version field.
func dstAddress(packet []byte) (netip.Addr, error) {
	if len(packet) < 1 {
		return netip.Addr{}, ErrMessageTooShort
	}
	switch packet[0] >> 4 {
	case 4:
		if len(packet) < ipv4HeaderLen {
			return netip.Addr{}, ErrMalformedPacket
		}
		return netip.AddrFrom4([4]byte(packet[ipv4offsetDst : ipv4offsetDst+4])), nil
	case 6:
		if len(packet) < ipv6HeaderLen {
			return netip.Addr{}, ErrMalformedPacket
		}
		return netip.AddrFrom16([16]byte(packet[ipv6offsetDst : ipv6offsetDst+16])), nil
	default:
		return netip.Addr{}, ErrMalformedPacket
	}
}

// innerLength returns the on-the-wire length an IP packet declares for
// itself, used to strip AEAD zero padding after decryption. Returns
// ErrMalformedPacket if the declared length does not fit in buf.
func innerLength(buf []byte) (int, error) {
	if len(buf) < 1 {
		return 0, ErrMessageTooShort
	}
	var length int
	switch buf[0] >> 4 {
	case 4:
		if len(buf) < ipv4HeaderLen {
			return 0, ErrMalformedPacket
		}
		length = int(binary.BigEndian.Uint16(buf[ipv4offsetTotalLength:]))
		if length < ipv4HeaderLen {
			return 0, ErrMalformedPacket
		}
	case 6:
		if len(buf) < ipv6HeaderLen {
			return 0, ErrMalformedPacket
		}
		length = ipv6HeaderLen + int(binary.BigEndian.Uint16(buf[ipv6offsetPayloadLength:]))
	default:
		return 0, ErrMalformedPacket
	}
	if length > len(buf) {
		return 0, ErrMalformedPacket
	}
	return length, nil
}
