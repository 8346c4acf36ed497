package tunnel

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unicornultrafoundation/wgcore/internal/noise"
	"github.com/unicornultrafoundation/wgcore/internal/ratelimiter"
)

// Under-load detection: once more than underLoadThreshold handshake
// messages arrive within one second, cookie enforcement stays on for
// underLoadAfterTime past the last burst.
const (
	underLoadThreshold = 64
	underLoadAfterTime = time.Second
)

// Tunnel owns the peer set and dispatches packets in both directions.
// It is safe for concurrent use from multiple I/O workers; all work is
// returned as Actions for the driver to perform.
type Tunnel struct {
	log     *slog.Logger
	timeNow func() time.Time

	staticMu   sync.RWMutex
	privateKey noise.PrivateKey
	publicKey  noise.PublicKey

	peersMu sync.RWMutex
	peers   map[noise.PublicKey]*Peer

	indices *IndexTable
	routes  *AllowedIPs
	cookies noise.CookieChecker
	limiter *ratelimiter.Ratelimiter

	loadMu         sync.Mutex
	loadWindow     time.Time
	loadCount      int
	underLoadUntil time.Time
	forceUnderLoad atomic.Bool
}

// New creates a tunnel around the given static private key.
func New(privateKey noise.PrivateKey, log *slog.Logger) *Tunnel {
	t := &Tunnel{
		log:        log.With("component", "tunnel"),
		timeNow:    time.Now,
		privateKey: privateKey,
		publicKey:  privateKey.Public(),
		peers:      make(map[noise.PublicKey]*Peer),
		indices:    newIndexTable(),
		routes:     newAllowedIPs(),
	}
	t.cookies.Init(t.publicKey)
	t.limiter = ratelimiter.New(func() time.Time { return t.timeNow() })
	return t
}

// SetTimeSource replaces the clock. Only for tests; call before any
// packet is processed.
func (t *Tunnel) SetTimeSource(now func() time.Time) {
	t.timeNow = now
}

// PublicKey returns the tunnel's static public key.
func (t *Tunnel) PublicKey() noise.PublicKey {
	t.staticMu.RLock()
	defer t.staticMu.RUnlock()
	return t.publicKey
}

func (t *Tunnel) staticKeys() (noise.PrivateKey, noise.PublicKey) {
	t.staticMu.RLock()
	defer t.staticMu.RUnlock()
	return t.privateKey, t.publicKey
}

// SetPrivateKey replaces the static identity. All peers drop their
// sessions and handshake state; traffic resumes after fresh
// handshakes.
func (t *Tunnel) SetPrivateKey(privateKey noise.PrivateKey) error {
	t.staticMu.Lock()
	t.privateKey = privateKey
	t.publicKey = privateKey.Public()
	pub := t.publicKey
	t.staticMu.Unlock()

	t.cookies.Init(pub)

	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	for _, p := range t.peers {
		p.mu.Lock()
		for _, s := range []*Session{p.previous, p.current, p.next} {
			if s != nil {
				t.indices.Delete(s.localIndex)
			}
		}
		p.previous, p.current, p.next = nil, nil, nil
		p.mu.Unlock()
		t.indices.Delete(p.handshake.LocalIndex())
		p.handshake.Clear()
		if err := p.handshake.Precompute(&privateKey); err != nil {
			t.log.Warn("static precompute failed", "peer", p.publicKey, "err", err)
		}
	}
	return nil
}

// AddPeer registers a peer by its static public key.
func (t *Tunnel) AddPeer(publicKey noise.PublicKey) (*Peer, error) {
	if publicKey.Equals(t.PublicKey()) {
		return nil, fmt.Errorf("peer key equals own public key")
	}

	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	if _, exists := t.peers[publicKey]; exists {
		return nil, fmt.Errorf("peer %s already exists", publicKey)
	}

	p := &Peer{
		tunnel:    t,
		log:       t.log.With("peer", publicKey),
		publicKey: publicKey,
		handshake: noise.NewHandshake(publicKey, noise.PresharedKey{}),
	}
	p.handshake.SetTimeSource(func() time.Time { return t.timeNow() })
	priv, _ := t.staticKeys()
	if err := p.handshake.Precompute(&priv); err != nil {
		noise.SetZero(priv[:])
		return nil, fmt.Errorf("precompute static secret: %w", err)
	}
	noise.SetZero(priv[:])
	p.cookieGen.Init(publicKey)

	t.peers[publicKey] = p
	t.log.Info("peer added", "peer", publicKey)
	return p, nil
}

// RemovePeer drops a peer, its routes, and all of its key material.
func (t *Tunnel) RemovePeer(publicKey noise.PublicKey) error {
	t.peersMu.Lock()
	p, ok := t.peers[publicKey]
	if ok {
		delete(t.peers, publicKey)
	}
	t.peersMu.Unlock()
	if !ok {
		return ErrNoPeer
	}
	t.routes.RemovePeer(p)
	p.shutdown()
	t.log.Info("peer removed", "peer", publicKey)
	return nil
}

// Peer looks up a peer by public key.
func (t *Tunnel) Peer(publicKey noise.PublicKey) *Peer {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	return t.peers[publicKey]
}

// ListPeers snapshots the status of every peer.
func (t *Tunnel) ListPeers() []PeerStatus {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	out := make([]PeerStatus, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p.Status())
	}
	return out
}

// SetAllowedIPs replaces the inner-IP prefixes routed to a peer.
func (t *Tunnel) SetAllowedIPs(publicKey noise.PublicKey, prefixes []netip.Prefix) error {
	p := t.Peer(publicKey)
	if p == nil {
		return ErrNoPeer
	}
	t.routes.RemovePeer(p)
	for _, prefix := range prefixes {
		t.routes.Insert(prefix, p)
	}
	p.mu.Lock()
	p.allowedIPs = append([]netip.Prefix(nil), prefixes...)
	p.mu.Unlock()
	return nil
}

// HandleTunnelPacket routes one outbound plaintext IP packet to the
// peer owning its destination and encrypts it.
func (t *Tunnel) HandleTunnelPacket(packet []byte) ([]Action, error) {
	dst, err := dstAddress(packet)
	if err != nil {
		return nil, err
	}
	peer := t.routes.Lookup(dst)
	if peer == nil {
		return nil, ErrNoPeer
	}
	return peer.Encapsulate(packet)
}

// HandleNetworkPacket demultiplexes one inbound UDP datagram by its
// type field and dispatches it.
func (t *Tunnel) HandleNetworkPacket(data []byte, src netip.AddrPort) ([]Action, error) {
	if len(data) < 4 {
		return nil, ErrMessageTooShort
	}
	switch binary.LittleEndian.Uint32(data) {
	case noise.MessageInitiationType:
		return t.handleInitiation(data, src)
	case noise.MessageResponseType:
		return t.handleResponse(data, src)
	case noise.MessageCookieReplyType:
		return t.handleCookieReply(data)
	case noise.MessageTransportType:
		return t.handleTransport(data, src)
	default:
		return nil, ErrUnknownMessageType
	}
}

// UpdateTimers runs the per-peer timer logic; the driver calls it
// every TickInterval.
func (t *Tunnel) UpdateTimers() []Action {
	t.peersMu.RLock()
	peers := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.peersMu.RUnlock()

	now := t.timeNow()
	var actions []Action
	for _, p := range peers {
		acts, err := p.updateTimers(now)
		if err != nil {
			continue
		}
		actions = append(actions, acts...)
	}
	t.limiter.Sweep()
	return actions
}

// ForceUnderLoad pins the under-load state; used by tests and
// operators exercising the cookie path.
func (t *Tunnel) ForceUnderLoad(on bool) {
	t.forceUnderLoad.Store(on)
}

func (t *Tunnel) noteHandshakeArrival() {
	now := t.timeNow()
	t.loadMu.Lock()
	if now.Sub(t.loadWindow) >= time.Second {
		t.loadWindow = now
		t.loadCount = 0
	}
	t.loadCount++
	if t.loadCount > underLoadThreshold {
		t.underLoadUntil = now.Add(underLoadAfterTime)
	}
	t.loadMu.Unlock()
}

func (t *Tunnel) underLoad() bool {
	if t.forceUnderLoad.Load() {
		return true
	}
	t.loadMu.Lock()
	defer t.loadMu.Unlock()
	return t.timeNow().Before(t.underLoadUntil)
}

// srcBytes serializes an address the way cookies bind to it: raw
// address bytes followed by the little-endian port.
func srcBytes(src netip.AddrPort) []byte {
	addr := src.Addr().AsSlice()
	out := make([]byte, len(addr)+2)
	copy(out, addr)
	binary.LittleEndian.PutUint16(out[len(addr):], src.Port())
	return out
}

// checkMacs enforces MAC1 and, under load, MAC2. A nil action with nil
// error means the message may proceed; a non-nil action is a cookie
// reply that must be sent instead.
func (t *Tunnel) checkMacs(data []byte, sender uint32, src netip.AddrPort) (*Action, error) {
	if !t.cookies.CheckMAC1(data) {
		return nil, ErrInvalidMAC1
	}
	if !t.underLoad() {
		return nil, nil
	}
	sb := srcBytes(src)
	if !t.cookies.CheckMAC2(data, sb) {
		reply, err := t.cookies.CreateReply(data, sender, sb)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, noise.MessageCookieReplySize)
		reply.Marshal(buf)
		act := writeToNetwork(buf, src)
		return &act, nil
	}
	if !t.limiter.Allow(src.Addr()) {
		return nil, ErrRateLimited
	}
	return nil, nil
}

func (t *Tunnel) handleInitiation(data []byte, src netip.AddrPort) ([]Action, error) {
	var msg noise.Initiation
	if err := msg.Unmarshal(data); err != nil {
		return nil, ErrMessageTooShort
	}
	t.noteHandshakeArrival()

	if act, err := t.checkMacs(data, msg.Sender, src); err != nil {
		return nil, err
	} else if act != nil {
		return []Action{*act}, nil
	}

	priv, pub := t.staticKeys()
	defer noise.SetZero(priv[:])

	h, err := noise.ConsumeInitiation(&msg, &priv, pub, func(pk noise.PublicKey) *noise.Handshake {
		p := t.Peer(pk)
		if p == nil || p.removed.Load() {
			return nil
		}
		return p.handshake
	})
	if err != nil {
		return nil, err
	}
	peer := t.Peer(h.RemoteStatic())
	if peer == nil {
		return nil, noise.ErrUnknownPeer
	}

	t.indices.Delete(peer.handshake.LocalIndex())
	index, err := t.indices.NewIndexForHandshake(peer)
	if err != nil {
		return nil, err
	}
	resp, err := peer.handshake.CreateResponse(index)
	if err != nil {
		t.indices.Delete(index)
		return nil, err
	}
	send, recv, isInitiator, localIndex, remoteIndex, err := peer.handshake.SessionKeys()
	if err != nil {
		t.indices.Delete(index)
		return nil, err
	}
	peer.installSession(send, recv, isInitiator, localIndex, remoteIndex)
	peer.markAuthenticated(src, t.timeNow())

	buf := make([]byte, noise.MessageResponseSize)
	resp.Marshal(buf)
	peer.cookieGen.AddMacs(buf)
	peer.log.Debug("handshake initiation consumed, response sent", "index", index)
	return []Action{writeToNetwork(buf, src)}, nil
}

func (t *Tunnel) handleResponse(data []byte, src netip.AddrPort) ([]Action, error) {
	var msg noise.Response
	if err := msg.Unmarshal(data); err != nil {
		return nil, ErrMessageTooShort
	}
	t.noteHandshakeArrival()

	if act, err := t.checkMacs(data, msg.Sender, src); err != nil {
		return nil, err
	} else if act != nil {
		return []Action{*act}, nil
	}

	peer, _ := t.indices.Lookup(msg.Receiver)
	if peer == nil || peer.removed.Load() {
		return nil, ErrNoSessionForIndex
	}

	priv, _ := t.staticKeys()
	defer noise.SetZero(priv[:])
	if err := peer.handshake.ConsumeResponse(&msg, &priv); err != nil {
		return nil, err
	}
	send, recv, isInitiator, localIndex, remoteIndex, err := peer.handshake.SessionKeys()
	if err != nil {
		return nil, err
	}
	peer.installSession(send, recv, isInitiator, localIndex, remoteIndex)
	peer.markAuthenticated(src, t.timeNow())
	peer.log.Debug("handshake response consumed")
	return nil, nil
}

func (t *Tunnel) handleCookieReply(data []byte) ([]Action, error) {
	var msg noise.CookieReply
	if err := msg.Unmarshal(data); err != nil {
		return nil, ErrMessageTooShort
	}
	peer, _ := t.indices.Lookup(msg.Receiver)
	if peer == nil {
		return nil, ErrNoSessionForIndex
	}
	if !peer.cookieGen.ConsumeReply(&msg) {
		peer.log.Debug("cookie reply rejected")
		return nil, nil
	}
	peer.log.Debug("cookie received; next initiation carries mac2")
	return nil, nil
}

func (t *Tunnel) handleTransport(data []byte, src netip.AddrPort) ([]Action, error) {
	if len(data) < noise.MessageKeepaliveSize {
		return nil, ErrMessageTooShort
	}
	receiver := binary.LittleEndian.Uint32(data[noise.MessageTransportOffsetReceiver:])
	peer, session := t.indices.Lookup(receiver)
	if peer == nil || session == nil {
		return nil, ErrNoSessionForIndex
	}
	if session.expired(t.timeNow()) {
		return nil, ErrNoSessionForIndex
	}
	return peer.receiveTransport(session, data, src)
}
