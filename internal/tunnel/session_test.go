package tunnel

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/unicornultrafoundation/wgcore/internal/noise"
)

func testSessionPair(now time.Time) (a, b *Session) {
	var k1, k2 noise.SessionKey
	for i := range k1 {
		k1[i] = 0x11
		k2[i] = 0x22
	}
	// a sends with k1 and receives with k2; b mirrors
	a = newSession(k1, k2, true, 100, 200, now)
	k1, k2 = noise.SessionKey{}, noise.SessionKey{}
	for i := range k1 {
		k1[i] = 0x11
		k2[i] = 0x22
	}
	b = newSession(k2, k1, false, 200, 100, now)
	return
}

func TestSessionRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a, b := testSessionPair(now)

	payloads := [][]byte{
		nil,
		[]byte("x"),
		bytes.Repeat([]byte{0xAA}, 16),
		bytes.Repeat([]byte{0xBB}, 1337),
	}
	for _, payload := range payloads {
		frame, err := a.encrypt(payload)
		if err != nil {
			t.Fatalf("encrypt %d bytes: %v", len(payload), err)
		}
		if binary.LittleEndian.Uint32(frame[4:]) != 200 {
			t.Fatal("frame does not carry the remote index")
		}
		plaintext, _, err := b.decrypt(frame)
		if err != nil {
			t.Fatalf("decrypt %d bytes: %v", len(payload), err)
		}
		if len(plaintext)%16 != 0 {
			t.Fatalf("plaintext not 16-aligned: %d", len(plaintext))
		}
		if !bytes.Equal(plaintext[:len(payload)], payload) {
			t.Fatal("payload corrupted")
		}
		for _, pad := range plaintext[len(payload):] {
			if pad != 0 {
				t.Fatal("padding not zero")
			}
		}
	}
}

func TestSessionCounterExhaustion(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a, _ := testSessionPair(now)
	a.sendCounter.Store(RejectAfterMessages)
	if _, err := a.encrypt([]byte("late")); err != ErrCounterExhausted {
		t.Fatalf("got %v, want ErrCounterExhausted", err)
	}
	if !a.exhausted() {
		t.Fatal("session not reported exhausted")
	}
}

func TestSessionRejectsHugeCounter(t *testing.T) {
	now := time.Unix(1700000000, 0)
	_, b := testSessionPair(now)
	frame := make([]byte, noise.MessageKeepaliveSize)
	binary.LittleEndian.PutUint32(frame, noise.MessageTransportType)
	binary.LittleEndian.PutUint32(frame[4:], 200)
	binary.LittleEndian.PutUint64(frame[8:], RejectAfterMessages)
	if _, _, err := b.decrypt(frame); err != ErrCounterExhausted {
		t.Fatalf("got %v, want ErrCounterExhausted", err)
	}
}

func TestSessionExpiredAfterRejectTime(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a, _ := testSessionPair(now)
	if a.expired(now.Add(RejectAfterTime - time.Second)) {
		t.Fatal("expired too early")
	}
	if !a.expired(now.Add(RejectAfterTime)) {
		t.Fatal("not expired at RejectAfterTime")
	}
}
