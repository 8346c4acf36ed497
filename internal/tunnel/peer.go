package tunnel

import (
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unicornultrafoundation/wgcore/internal/noise"
)

// Peer is one remote WireGuard endpoint: its static identity, up to
// three sessions, handshake state, timers, endpoint, and counters.
type Peer struct {
	tunnel    *Tunnel
	log       *slog.Logger
	publicKey noise.PublicKey
	handshake *noise.Handshake
	cookieGen noise.CookieGenerator

	mu                  sync.Mutex
	endpoint            netip.AddrPort
	allowedIPs          []netip.Prefix
	persistentKeepalive time.Duration
	previous            *Session
	current             *Session
	next                *Session
	timers              timerState

	removed atomic.Bool
	txBytes atomic.Uint64
	rxBytes atomic.Uint64
}

// PeerStatus is the control-surface view of a peer.
type PeerStatus struct {
	PublicKey           noise.PublicKey
	Endpoint            netip.AddrPort
	AllowedIPs          []netip.Prefix
	LastHandshake       time.Time
	PersistentKeepalive time.Duration
	RxBytes             uint64
	TxBytes             uint64
}

// PublicKey returns the peer's static identity.
func (p *Peer) PublicKey() noise.PublicKey {
	return p.publicKey
}

// Status snapshots the peer for the control surface.
func (p *Peer) Status() PeerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PeerStatus{
		PublicKey:           p.publicKey,
		Endpoint:            p.endpoint,
		AllowedIPs:          append([]netip.Prefix(nil), p.allowedIPs...),
		LastHandshake:       p.timers.lastHandshakeCompleted,
		PersistentKeepalive: p.persistentKeepalive,
		RxBytes:             p.rxBytes.Load(),
		TxBytes:             p.txBytes.Load(),
	}
}

// SetEndpoint overrides the peer's UDP endpoint, normally from
// configuration. Authenticated receives keep it current afterwards.
func (p *Peer) SetEndpoint(ep netip.AddrPort) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoint = ep
}

// SetPresharedKey installs psk for future handshakes.
func (p *Peer) SetPresharedKey(psk noise.PresharedKey) {
	p.handshake.SetPresharedKey(psk)
}

// SetPersistentKeepalive configures the persistent keepalive interval;
// zero disables it.
func (p *Peer) SetPersistentKeepalive(interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.persistentKeepalive = interval
}

// Encapsulate encrypts one plaintext IP packet for this peer. With no
// usable session the packet is dropped and a handshake initiation is
// emitted instead, gated by the rekey timeout.
func (p *Peer) Encapsulate(packet []byte) ([]Action, error) {
	if p.removed.Load() {
		return nil, ErrPeerRemoved
	}
	now := p.tunnel.timeNow()

	p.mu.Lock()
	p.expireSessionsLocked(now)
	s := p.current
	if s == nil || s.exhausted() {
		p.timers.wantsHandshake = true
		var actions []Action
		if now.Sub(p.timers.lastInitiationSent) >= RekeyTimeout {
			act, err := p.sendInitiationLocked(now)
			if err != nil {
				p.mu.Unlock()
				return nil, err
			}
			actions = append(actions, act)
		}
		p.mu.Unlock()
		return actions, nil
	}
	endpoint := p.endpoint
	p.mu.Unlock()

	if !endpoint.IsValid() {
		return nil, ErrNoEndpoint
	}

	frame, err := s.encrypt(packet)
	if err != nil {
		p.mu.Lock()
		p.timers.wantsHandshake = true
		p.mu.Unlock()
		return nil, err
	}
	p.txBytes.Add(uint64(len(frame)))

	p.mu.Lock()
	p.timers.lastDataSent = now
	p.timers.lastTransportSent = now
	p.timers.keepaliveArmed = false
	p.mu.Unlock()

	return []Action{writeToNetwork(frame, endpoint)}, nil
}

// receiveTransport decrypts an inbound transport frame addressed to
// session s. Keepalives are consumed without producing a tunnel write.
func (p *Peer) receiveTransport(s *Session, frame []byte, src netip.AddrPort) ([]Action, error) {
	if p.removed.Load() {
		return nil, ErrPeerRemoved
	}
	plaintext, _, err := s.decrypt(frame)
	if err != nil {
		return nil, err
	}
	p.rxBytes.Add(uint64(len(frame)))
	now := p.tunnel.timeNow()

	p.mu.Lock()
	s.receivedData.Store(true)
	if p.next == s {
		// first authenticated traffic on the session we initiated:
		// it is now safe to displace the old one
		p.promoteLocked(s)
		p.log.Debug("session confirmed", "local_index", s.localIndex)
	}
	if p.endpoint != src {
		p.log.Debug("endpoint updated", "old", p.endpoint, "new", src)
		p.endpoint = src
	}
	t := &p.timers
	t.lastAnyReceived = now
	keepalive := len(plaintext) == 0
	if !keepalive {
		t.lastDataReceived = now
		if !t.keepaliveArmed {
			t.keepaliveArmed = true
			t.keepaliveArmedAt = now
		}
	}
	p.mu.Unlock()

	if keepalive {
		p.log.Debug("keepalive received")
		return nil, nil
	}
	length, err := innerLength(plaintext)
	if err != nil {
		return nil, err
	}
	return []Action{writeToTunnel(plaintext[:length])}, nil
}

// markAuthenticated records an authenticated handshake receive from
// src, updating the endpoint if the peer has moved.
func (p *Peer) markAuthenticated(src netip.AddrPort, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timers.lastAnyReceived = now
	if p.endpoint != src {
		p.log.Debug("endpoint updated", "old", p.endpoint, "new", src)
		p.endpoint = src
	}
}

// sendInitiationLocked builds, stamps, and accounts a handshake
// initiation. Caller holds the peer mutex.
func (p *Peer) sendInitiationLocked(now time.Time) (Action, error) {
	if !p.endpoint.IsValid() {
		return Action{}, ErrNoEndpoint
	}

	p.tunnel.indices.Delete(p.handshake.LocalIndex())
	index, err := p.tunnel.indices.NewIndexForHandshake(p)
	if err != nil {
		return Action{}, err
	}

	priv, pub := p.tunnel.staticKeys()
	msg, err := p.handshake.CreateInitiation(&priv, pub, index)
	noise.SetZero(priv[:])
	if err != nil {
		p.tunnel.indices.Delete(index)
		return Action{}, err
	}

	buf := make([]byte, noise.MessageInitiationSize)
	msg.Marshal(buf)
	p.cookieGen.AddMacs(buf)

	t := &p.timers
	if !t.handshakeActive {
		t.handshakeActive = true
		t.handshakeStarted = now
	}
	t.lastInitiationSent = now
	p.log.Debug("handshake initiation sent", "index", index)
	return writeToNetwork(buf, p.endpoint), nil
}

// sendKeepaliveLocked emits an empty transport message on the current
// session. Caller holds the peer mutex.
func (p *Peer) sendKeepaliveLocked(now time.Time) (Action, bool) {
	s := p.current
	if s == nil || !p.endpoint.IsValid() {
		return Action{}, false
	}
	frame, err := s.encrypt(nil)
	if err != nil {
		return Action{}, false
	}
	p.txBytes.Add(uint64(len(frame)))
	p.timers.lastTransportSent = now
	p.timers.keepaliveArmed = false
	p.log.Debug("keepalive sent")
	return writeToNetwork(frame, p.endpoint), true
}

// installSession places a freshly derived session into the peer's
// slots. Responder-side sessions go live immediately; initiator-side
// sessions wait in the next slot for the first authenticated packet,
// unless there is no live session to protect.
func (p *Peer) installSession(send, recv noise.SessionKey, isInitiator bool, localIndex, remoteIndex uint32) *Session {
	now := p.tunnel.timeNow()
	s := newSession(send, recv, isInitiator, localIndex, remoteIndex, now)
	p.tunnel.indices.SwapToSession(localIndex, s)

	p.mu.Lock()
	t := &p.timers
	t.handshakeActive = false
	t.wantsHandshake = false
	t.lastHandshakeCompleted = now

	if isInitiator && p.current != nil {
		if p.next != nil {
			p.tunnel.indices.Delete(p.next.localIndex)
		}
		p.next = s
	} else {
		p.promoteLocked(s)
		if !isInitiator {
			// the initiator will not trust the session until it hears
			// from us; make sure it does even with no data pending
			t.keepaliveArmed = true
			t.keepaliveArmedAt = now
		}
	}
	p.mu.Unlock()

	p.log.Info("session established",
		"initiator", isInitiator,
		"local_index", localIndex,
		"remote_index", remoteIndex,
	)
	return s
}

// promoteLocked rotates s into the current slot: previous takes the
// old current, next empties. Caller holds the peer mutex.
func (p *Peer) promoteLocked(s *Session) {
	if p.previous != nil {
		p.tunnel.indices.Delete(p.previous.localIndex)
	}
	p.previous = p.current
	p.current = s
	if p.next == s {
		p.next = nil
	} else if p.next != nil {
		p.tunnel.indices.Delete(p.next.localIndex)
		p.next = nil
	}
}

// shutdown wipes all sessions and handshake state. Called under the
// tunnel's peer-registry write lock when the peer is removed.
func (p *Peer) shutdown() {
	p.removed.Store(true)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range []*Session{p.previous, p.current, p.next} {
		if s != nil {
			p.tunnel.indices.Delete(s.localIndex)
		}
	}
	p.previous, p.current, p.next = nil, nil, nil
	p.tunnel.indices.Delete(p.handshake.LocalIndex())
	p.handshake.Clear()
}
