package tunnel

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/unicornultrafoundation/wgcore/internal/noise"
)

// fakeClock is the injected time source for timer tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fillKey(fill byte) noise.PrivateKey {
	var sk noise.PrivateKey
	for i := range sk {
		sk[i] = fill
	}
	return sk
}

var (
	epA = netip.MustParseAddrPort("192.0.2.1:51820")
	epB = netip.MustParseAddrPort("192.0.2.2:51820")

	addrA = netip.MustParseAddr("10.0.0.1")
	addrB = netip.MustParseAddr("10.0.0.2")
)

// newTestPair wires two tunnels to each other on a shared fake clock.
func newTestPair(t *testing.T) (a, b *Tunnel, clock *fakeClock) {
	t.Helper()
	clock = newFakeClock()

	a = New(fillKey(0x01), testLogger())
	a.SetTimeSource(clock.Now)
	b = New(fillKey(0x02), testLogger())
	b.SetTimeSource(clock.Now)

	peerB, err := a.AddPeer(b.PublicKey())
	if err != nil {
		t.Fatalf("a.AddPeer: %v", err)
	}
	peerB.SetEndpoint(epB)
	if err := a.SetAllowedIPs(b.PublicKey(), []netip.Prefix{netip.PrefixFrom(addrB, 32)}); err != nil {
		t.Fatalf("a.SetAllowedIPs: %v", err)
	}

	peerA, err := b.AddPeer(a.PublicKey())
	if err != nil {
		t.Fatalf("b.AddPeer: %v", err)
	}
	peerA.SetEndpoint(epA)
	if err := b.SetAllowedIPs(a.PublicKey(), []netip.Prefix{netip.PrefixFrom(addrA, 32)}); err != nil {
		t.Fatalf("b.SetAllowedIPs: %v", err)
	}
	return a, b, clock
}

// ipv4Packet builds a minimal IPv4 packet with the given total length.
func ipv4Packet(src, dst netip.Addr, total int) []byte {
	buf := make([]byte, total)
	buf[0] = 0x45
	binary.BigEndian.PutUint16(buf[2:], uint16(total))
	buf[8] = 64 // ttl
	buf[9] = 1  // icmp
	copy(buf[12:16], src.AsSlice())
	copy(buf[16:20], dst.AsSlice())
	return buf
}

func oneNetworkWrite(t *testing.T, actions []Action, err error) Action {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != ActionWriteToNetwork {
		t.Fatalf("expected one network write, got %v", actions)
	}
	return actions[0]
}

// encapsulate pushes one plaintext packet through src and asserts it
// produced a single outbound frame.
func encapsulate(t *testing.T, src *Tunnel, packet []byte) Action {
	t.Helper()
	actions, err := src.HandleTunnelPacket(packet)
	return oneNetworkWrite(t, actions, err)
}

// establish runs the full handshake between a and b, triggered by one
// dropped outbound packet on a.
func establish(t *testing.T, a, b *Tunnel) {
	t.Helper()
	trigger := ipv4Packet(addrA, addrB, 64)

	init := encapsulate(t, a, trigger)
	if len(init.Data) != noise.MessageInitiationSize {
		t.Fatalf("initiation size = %d, want %d", len(init.Data), noise.MessageInitiationSize)
	}
	if init.Endpoint != epB {
		t.Fatalf("initiation endpoint = %v, want %v", init.Endpoint, epB)
	}

	respActs, err := b.HandleNetworkPacket(init.Data, epA)
	resp := oneNetworkWrite(t, respActs, err)
	if len(resp.Data) != noise.MessageResponseSize {
		t.Fatalf("response size = %d, want %d", len(resp.Data), noise.MessageResponseSize)
	}

	actions, err := a.HandleNetworkPacket(resp.Data, epB)
	if err != nil {
		t.Fatalf("consume response: %v", err)
	}
	if len(actions) != 0 {
		t.Fatalf("unexpected actions after response: %v", actions)
	}
}

// sendData pushes one plaintext packet from src to dst and returns
// what dst delivered to its tunnel device.
func sendData(t *testing.T, src, dst *Tunnel, packet []byte, from netip.AddrPort) []byte {
	t.Helper()
	frame := encapsulate(t, src, packet)
	actions, err := dst.HandleNetworkPacket(frame.Data, from)
	if err != nil {
		t.Fatalf("decapsulate: %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != ActionWriteToTunnel {
		t.Fatalf("expected one tunnel write, got %v", actions)
	}
	return actions[0].Data
}

// --- S1: handshake ---

func TestHandshakeScenario(t *testing.T) {
	a, b, _ := newTestPair(t)
	establish(t, a, b)

	// A can now send data immediately
	ping := ipv4Packet(addrA, addrB, 64)
	frame := encapsulate(t, a, ping)
	if got := binary.LittleEndian.Uint32(frame.Data); got != noise.MessageTransportType {
		t.Fatalf("frame type = %d, want transport", got)
	}
	if len(frame.Data) != noise.MessageTransportHeaderSize+64+noise.TagSize {
		t.Fatalf("transport frame size = %d", len(frame.Data))
	}

	status := a.ListPeers()
	if len(status) != 1 || status[0].LastHandshake.IsZero() {
		t.Fatal("handshake completion not recorded")
	}
}

// --- S2: ping-pong round trip ---

func TestPingPong(t *testing.T) {
	a, b, _ := newTestPair(t)
	establish(t, a, b)

	ping := ipv4Packet(addrA, addrB, 64)
	delivered := sendData(t, a, b, ping, epA)
	if !bytes.Equal(delivered, ping) {
		t.Fatal("ping did not round-trip to B's tunnel")
	}

	pong := ipv4Packet(addrB, addrA, 64)
	delivered = sendData(t, b, a, pong, epB)
	if !bytes.Equal(delivered, pong) {
		t.Fatal("pong did not round-trip to A's tunnel")
	}
}

// Padding must be stripped according to the inner length field.
func TestPaddingStripped(t *testing.T) {
	a, b, _ := newTestPair(t)
	establish(t, a, b)

	odd := ipv4Packet(addrA, addrB, 61)
	frame := encapsulate(t, a, odd)
	// 61 pads to 64 on the wire
	if len(frame.Data) != noise.MessageTransportHeaderSize+64+noise.TagSize {
		t.Fatalf("padded frame size = %d", len(frame.Data))
	}
	actions, err := b.HandleNetworkPacket(frame.Data, epA)
	if err != nil {
		t.Fatalf("decapsulate: %v", err)
	}
	if len(actions) != 1 || !bytes.Equal(actions[0].Data, odd) {
		t.Fatalf("padding not stripped: delivered %d bytes, want %d", len(actions[0].Data), len(odd))
	}
}

// --- S3: passive keepalive ---

func TestKeepaliveAfterIdle(t *testing.T) {
	a, b, clock := newTestPair(t)
	establish(t, a, b)

	clock.Advance(KeepaliveTimeout)
	actions := b.UpdateTimers()
	if len(actions) != 1 || actions[0].Kind != ActionWriteToNetwork {
		t.Fatalf("expected one keepalive, got %v", actions)
	}
	if len(actions[0].Data) != noise.MessageKeepaliveSize {
		t.Fatalf("keepalive size = %d, want %d", len(actions[0].Data), noise.MessageKeepaliveSize)
	}

	// A accepts it without delivering anything to the tunnel
	got, err := a.HandleNetworkPacket(actions[0].Data, epB)
	if err != nil {
		t.Fatalf("keepalive rejected: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("keepalive produced actions: %v", got)
	}

	// and it does not provoke a keepalive back from A
	clock.Advance(KeepaliveTimeout)
	for _, act := range a.UpdateTimers() {
		if len(act.Data) == noise.MessageKeepaliveSize {
			t.Fatal("keepalive answered with a keepalive")
		}
	}
}

// --- S4 / property 4: replay ---

func TestReplayDropped(t *testing.T) {
	a, b, _ := newTestPair(t)
	establish(t, a, b)

	ping := ipv4Packet(addrA, addrB, 64)
	frame := encapsulate(t, a, ping)

	actions, err := b.HandleNetworkPacket(frame.Data, epA)
	if err != nil || len(actions) != 1 {
		t.Fatalf("first delivery: actions=%v err=%v", actions, err)
	}
	actions, err = b.HandleNetworkPacket(frame.Data, epA)
	if err != ErrReplay {
		t.Fatalf("replay: got err %v, want ErrReplay", err)
	}
	if len(actions) != 0 {
		t.Fatalf("replay produced actions: %v", actions)
	}
}

// --- Property 3: strict counter monotonicity ---

func TestCounterMonotonicity(t *testing.T) {
	a, b, _ := newTestPair(t)
	establish(t, a, b)

	ping := ipv4Packet(addrA, addrB, 64)
	const n = 10000
	for i := uint64(0); i < n; i++ {
		frame := encapsulate(t, a, ping)
		counter := binary.LittleEndian.Uint64(frame.Data[noise.MessageTransportOffsetCounter:])
		if counter != i {
			t.Fatalf("encapsulation %d emitted counter %d", i, counter)
		}
	}
}

// --- Property 7: session promotion on rekey ---

func TestInitiatorKeepsOldSessionUntilConfirmed(t *testing.T) {
	a, b, clock := newTestPair(t)
	establish(t, a, b)

	ping := ipv4Packet(addrA, addrB, 64)
	pong := ipv4Packet(addrB, addrA, 64)
	sendData(t, a, b, ping, epA)
	sendData(t, b, a, pong, epB)

	oldFrame := encapsulate(t, a, ping)
	oldReceiver := binary.LittleEndian.Uint32(oldFrame.Data[noise.MessageTransportOffsetReceiver:])
	if _, err := b.HandleNetworkPacket(oldFrame.Data, epA); err != nil {
		t.Fatalf("pre-rekey delivery: %v", err)
	}

	// age out the current session past the rekey threshold
	clock.Advance(RekeyAfterTime + time.Second)
	actions := a.UpdateTimers()
	if len(actions) != 1 || len(actions[0].Data) != noise.MessageInitiationSize {
		t.Fatalf("expected rekey initiation, got %v", actions)
	}
	respActs, err := b.HandleNetworkPacket(actions[0].Data, epA)
	resp := oneNetworkWrite(t, respActs, err)
	if _, err := a.HandleNetworkPacket(resp.Data, epB); err != nil {
		t.Fatalf("consume rekey response: %v", err)
	}

	// A still sends on the old session: nothing confirmed the new one
	frame := encapsulate(t, a, ping)
	receiver := binary.LittleEndian.Uint32(frame.Data[noise.MessageTransportOffsetReceiver:])
	if receiver != oldReceiver {
		t.Fatal("initiator switched sessions before confirmation")
	}
	if _, err := b.HandleNetworkPacket(frame.Data, epA); err != nil {
		t.Fatalf("old-session delivery after rekey: %v", err)
	}

	// B talks on the new session, which confirms it for A
	delivered := sendData(t, b, a, pong, epB)
	if !bytes.Equal(delivered, pong) {
		t.Fatal("pong lost during rekey")
	}

	frame = encapsulate(t, a, ping)
	receiver = binary.LittleEndian.Uint32(frame.Data[noise.MessageTransportOffsetReceiver:])
	if receiver == oldReceiver {
		t.Fatal("initiator did not promote the confirmed session")
	}
	if _, err := b.HandleNetworkPacket(frame.Data, epA); err != nil {
		t.Fatalf("new-session delivery: %v", err)
	}
}

// --- Property 9: timer-driven rekey ---

func TestRekeyAfterTimeTriggersInitiation(t *testing.T) {
	a, b, clock := newTestPair(t)
	establish(t, a, b)

	clock.Advance(RekeyAfterTime + time.Second)
	actions := a.UpdateTimers()
	if len(actions) != 1 || len(actions[0].Data) != noise.MessageInitiationSize {
		t.Fatalf("expected initiation after RekeyAfterTime, got %v", actions)
	}

	// the responder side does not rekey on age
	for _, act := range b.UpdateTimers() {
		if len(act.Data) == noise.MessageInitiationSize {
			t.Fatal("responder initiated a time-based rekey")
		}
	}
}

// --- S5 / property 8: cookies under load ---

func TestCookieUnderLoad(t *testing.T) {
	a, b, clock := newTestPair(t)
	b.ForceUnderLoad(true)

	trigger := ipv4Packet(addrA, addrB, 64)
	init := encapsulate(t, a, trigger)

	// under load, the initiation without mac2 yields only a cookie reply
	replyActs, err := b.HandleNetworkPacket(init.Data, epA)
	reply := oneNetworkWrite(t, replyActs, err)
	if len(reply.Data) != noise.MessageCookieReplySize {
		t.Fatalf("cookie reply size = %d, want %d", len(reply.Data), noise.MessageCookieReplySize)
	}
	if !b.ListPeers()[0].LastHandshake.IsZero() {
		t.Fatal("handshake state created for uncookied initiation")
	}

	// A digests the cookie and retries with mac2
	if _, err := a.HandleNetworkPacket(reply.Data, epB); err != nil {
		t.Fatalf("consume cookie reply: %v", err)
	}
	clock.Advance(RekeyTimeout)
	retry := a.UpdateTimers()
	if len(retry) != 1 || len(retry[0].Data) != noise.MessageInitiationSize {
		t.Fatalf("expected retried initiation, got %v", retry)
	}
	respActs, err := b.HandleNetworkPacket(retry[0].Data, epA)
	resp := oneNetworkWrite(t, respActs, err)
	if len(resp.Data) != noise.MessageResponseSize {
		t.Fatalf("cookied initiation not answered: %d bytes", len(resp.Data))
	}
	if _, err := a.HandleNetworkPacket(resp.Data, epB); err != nil {
		t.Fatalf("consume response: %v", err)
	}

	// data flows despite the load
	b.ForceUnderLoad(false)
	delivered := sendData(t, a, b, trigger, epA)
	if !bytes.Equal(delivered, trigger) {
		t.Fatal("data lost after cookie dance")
	}
}

func TestUnderLoadDetection(t *testing.T) {
	_, b, _ := newTestPair(t)

	junk := make([]byte, noise.MessageInitiationSize)
	rand.Read(junk[4:])
	binary.LittleEndian.PutUint32(junk, noise.MessageInitiationType)

	if b.underLoad() {
		t.Fatal("under load before any traffic")
	}
	for i := 0; i <= underLoadThreshold; i++ {
		b.HandleNetworkPacket(junk, epA)
	}
	if !b.underLoad() {
		t.Fatal("handshake burst did not flip the under-load state")
	}
}

// --- S6: session expiry ---

func TestSessionExpiry(t *testing.T) {
	a, b, clock := newTestPair(t)
	establish(t, a, b)

	ping := ipv4Packet(addrA, addrB, 64)
	sendData(t, a, b, ping, epA)

	clock.Advance(RejectAfterTime + time.Second)
	a.UpdateTimers()
	b.UpdateTimers()

	// the next outbound packet finds no session and re-initiates
	actions, err := a.HandleTunnelPacket(ping)
	if err != nil {
		t.Fatalf("post-expiry encapsulate: %v", err)
	}
	if len(actions) != 1 || len(actions[0].Data) != noise.MessageInitiationSize {
		t.Fatalf("expected re-handshake, got %v", actions)
	}

	// complete it and confirm traffic resumes
	respActs, err := b.HandleNetworkPacket(actions[0].Data, epA)
	resp := oneNetworkWrite(t, respActs, err)
	if _, err := a.HandleNetworkPacket(resp.Data, epB); err != nil {
		t.Fatalf("re-handshake response: %v", err)
	}
	delivered := sendData(t, a, b, ping, epA)
	if !bytes.Equal(delivered, ping) {
		t.Fatal("traffic did not resume after expiry")
	}
}

// --- Endpoint roaming ---

func TestEndpointUpdatedOnAuthenticatedReceive(t *testing.T) {
	a, b, _ := newTestPair(t)
	establish(t, a, b)

	roamed := netip.MustParseAddrPort("198.51.100.7:7777")
	ping := ipv4Packet(addrA, addrB, 64)
	frame := encapsulate(t, a, ping)
	if _, err := b.HandleNetworkPacket(frame.Data, roamed); err != nil {
		t.Fatalf("roamed delivery: %v", err)
	}

	st := b.ListPeers()[0]
	if st.Endpoint != roamed {
		t.Fatalf("endpoint = %v, want %v", st.Endpoint, roamed)
	}

	// replies now go to the roamed address
	pong := ipv4Packet(addrB, addrA, 64)
	reply := encapsulate(t, b, pong)
	if reply.Endpoint != roamed {
		t.Fatalf("reply endpoint = %v, want %v", reply.Endpoint, roamed)
	}
}

// A failed decrypt must not move the endpoint.
func TestBadFrameDoesNotMoveEndpoint(t *testing.T) {
	a, b, _ := newTestPair(t)
	establish(t, a, b)

	ping := ipv4Packet(addrA, addrB, 64)
	frame := encapsulate(t, a, ping)
	tampered := append([]byte(nil), frame.Data...)
	tampered[len(tampered)-1] ^= 0xFF

	attacker := netip.MustParseAddrPort("203.0.113.66:6666")
	if _, err := b.HandleNetworkPacket(tampered, attacker); err != ErrDecryptFailed {
		t.Fatalf("got %v, want ErrDecryptFailed", err)
	}
	if st := b.ListPeers()[0]; st.Endpoint == attacker {
		t.Fatal("endpoint moved on failed decrypt")
	}
}

// --- Dispatch edges ---

func TestDispatchErrors(t *testing.T) {
	a, _, _ := newTestPair(t)

	cases := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrMessageTooShort},
		{"short", []byte{4, 0}, ErrMessageTooShort},
		{"unknown type", []byte{9, 0, 0, 0, 1, 2, 3, 4}, ErrUnknownMessageType},
		{"truncated transport", append([]byte{4, 0, 0, 0}, make([]byte, 8)...), ErrMessageTooShort},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.HandleNetworkPacket(tt.data, epB); err != tt.want {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNoRouteDropsPacket(t *testing.T) {
	a, _, _ := newTestPair(t)
	stray := ipv4Packet(addrA, netip.MustParseAddr("172.16.0.9"), 64)
	if _, err := a.HandleTunnelPacket(stray); err != ErrNoPeer {
		t.Fatalf("got %v, want ErrNoPeer", err)
	}
}

func TestTransportForUnknownIndex(t *testing.T) {
	a, _, _ := newTestPair(t)
	frame := make([]byte, noise.MessageKeepaliveSize)
	binary.LittleEndian.PutUint32(frame, noise.MessageTransportType)
	binary.LittleEndian.PutUint32(frame[4:], 0xABCDEF01)
	if _, err := a.HandleNetworkPacket(frame, epB); err != ErrNoSessionForIndex {
		t.Fatalf("got %v, want ErrNoSessionForIndex", err)
	}
}

func TestInvalidMAC1Dropped(t *testing.T) {
	a, b, _ := newTestPair(t)
	trigger := ipv4Packet(addrA, addrB, 64)
	init := encapsulate(t, a, trigger)
	init.Data[50] ^= 0x01
	actions, err := b.HandleNetworkPacket(init.Data, epA)
	if err != ErrInvalidMAC1 {
		t.Fatalf("got %v, want ErrInvalidMAC1", err)
	}
	if len(actions) != 0 {
		t.Fatal("tampered initiation produced a response")
	}
}

// --- Peer removal ---

func TestRemovePeerCancelsEverything(t *testing.T) {
	a, b, clock := newTestPair(t)
	establish(t, a, b)
	ping := ipv4Packet(addrA, addrB, 64)
	frame := encapsulate(t, a, ping)

	if err := b.RemovePeer(a.PublicKey()); err != nil {
		t.Fatalf("remove peer: %v", err)
	}
	if _, err := b.HandleNetworkPacket(frame.Data, epA); err != ErrNoSessionForIndex {
		t.Fatalf("post-removal transport: got %v", err)
	}
	if len(b.ListPeers()) != 0 {
		t.Fatal("peer still listed after removal")
	}
	// no timer effects survive
	clock.Advance(time.Minute)
	if acts := b.UpdateTimers(); len(acts) != 0 {
		t.Fatalf("removed peer still produced timer actions: %v", acts)
	}
}

// --- Byte counters ---

func TestByteCountersIncrease(t *testing.T) {
	a, b, _ := newTestPair(t)
	establish(t, a, b)
	ping := ipv4Packet(addrA, addrB, 64)
	sendData(t, a, b, ping, epA)

	aStat := a.ListPeers()[0]
	bStat := b.ListPeers()[0]
	if aStat.TxBytes == 0 {
		t.Fatal("tx bytes not counted on A")
	}
	if bStat.RxBytes != aStat.TxBytes {
		t.Fatalf("rx bytes %d != tx bytes %d", bStat.RxBytes, aStat.TxBytes)
	}
}

// --- Handshake retry and abandonment ---

func TestHandshakeRetryAndAbort(t *testing.T) {
	a, _, clock := newTestPair(t)
	ping := ipv4Packet(addrA, addrB, 64)

	acts, err := a.HandleTunnelPacket(ping)
	if err != nil || len(acts) != 1 {
		t.Fatalf("first initiation: %v %v", acts, err)
	}

	// no resend before the rekey timeout
	clock.Advance(RekeyTimeout - time.Second)
	if acts := a.UpdateTimers(); len(acts) != 0 {
		t.Fatalf("initiation resent too early: %v", acts)
	}
	// resend after it
	clock.Advance(time.Second)
	acts = a.UpdateTimers()
	if len(acts) != 1 || len(acts[0].Data) != noise.MessageInitiationSize {
		t.Fatalf("expected retry, got %v", acts)
	}

	// attempts stop after the attempt window closes
	clock.Advance(RekeyAttemptTime + time.Second)
	a.UpdateTimers() // abandons the run
	clock.Advance(RekeyTimeout)
	if acts := a.UpdateTimers(); len(acts) != 0 {
		t.Fatalf("initiations continue past RekeyAttemptTime: %v", acts)
	}
}

// --- Persistent keepalive ---

func TestPersistentKeepalive(t *testing.T) {
	a, b, clock := newTestPair(t)
	establish(t, a, b)

	interval := 25 * time.Second
	a.Peer(b.PublicKey()).SetPersistentKeepalive(interval)

	clock.Advance(interval)
	var keepalives int
	for _, act := range a.UpdateTimers() {
		if len(act.Data) == noise.MessageKeepaliveSize {
			keepalives++
		}
	}
	if keepalives != 1 {
		t.Fatalf("persistent keepalives sent = %d, want 1", keepalives)
	}
}
