package tunnel

import "time"

// Timer constants from the protocol. All of them interact with the
// periodic tick; none spawn their own goroutines.
const (
	RekeyAfterTime   = 120 * time.Second
	RekeyTimeout     = 5 * time.Second
	RekeyAttemptTime = 90 * time.Second
	KeepaliveTimeout = 10 * time.Second
	RejectAfterTime  = 180 * time.Second

	// TickInterval is the recommended driver tick period.
	TickInterval = 250 * time.Millisecond
)

// timerState is the per-peer event clock. Guarded by the peer mutex.
type timerState struct {
	// handshake attempt tracking
	handshakeActive    bool
	handshakeStarted   time.Time // start of the current attempt run
	lastInitiationSent time.Time
	wantsHandshake     bool // encapsulate found no usable session

	lastHandshakeCompleted time.Time

	// traffic stamps
	lastDataSent      time.Time // non-keepalive transport sent
	lastDataReceived  time.Time // non-keepalive transport received
	lastAnyReceived   time.Time // any authenticated packet received
	lastTransportSent time.Time // any transport sent, keepalives included

	// passive keepalive: armed when we owe the peer a sign of life
	keepaliveArmedAt time.Time
	keepaliveArmed   bool
}

// updateTimers computes the actions a peer owes at time now. It is
// invoked from the tunnel tick and assumes the peer mutex is NOT held.
func (p *Peer) updateTimers(now time.Time) ([]Action, error) {
	if p.removed.Load() {
		return nil, ErrPeerRemoved
	}

	var actions []Action

	p.mu.Lock()

	// Retire sessions past their lifetime. Displacement handles the
	// rest; this catches idle ones.
	p.expireSessionsLocked(now)

	current := p.current
	t := &p.timers

	// Abort a handshake run that has gone on too long.
	if t.handshakeActive && now.Sub(t.handshakeStarted) >= RekeyAttemptTime {
		t.handshakeActive = false
		t.wantsHandshake = false
		p.tunnel.indices.Delete(p.handshake.LocalIndex())
		p.handshake.Clear()
		p.log.Debug("handshake attempts abandoned")
	}

	// A configured persistent keepalive needs a session to ride on.
	needsHandshake := t.wantsHandshake || (p.persistentKeepalive > 0 && current == nil)
	if current != nil {
		age := now.Sub(current.created)
		switch {
		case current.isInitiator && age >= RekeyAfterTime:
			needsHandshake = true
		case current.sendCounter.Load() >= RekeyAfterMessages:
			needsHandshake = true
		case current.isInitiator &&
			!t.lastDataSent.IsZero() &&
			t.lastDataSent.After(t.lastAnyReceived) &&
			now.Sub(t.lastDataSent) >= KeepaliveTimeout+RekeyTimeout:
			// we sent data and heard nothing back
			needsHandshake = true
		}
	}

	if (needsHandshake || t.handshakeActive) &&
		now.Sub(t.lastInitiationSent) >= RekeyTimeout {
		if act, err := p.sendInitiationLocked(now); err == nil {
			actions = append(actions, act)
		} else if err != ErrNoEndpoint {
			p.log.Warn("handshake initiation failed", "err", err)
		}
	}

	// Passive keepalive: we received data and have sent nothing since.
	if t.keepaliveArmed && now.Sub(t.keepaliveArmedAt) >= KeepaliveTimeout {
		t.keepaliveArmed = false
		if act, ok := p.sendKeepaliveLocked(now); ok {
			actions = append(actions, act)
		}
	}

	// Persistent keepalive.
	if p.persistentKeepalive > 0 && current != nil &&
		now.Sub(t.lastTransportSent) >= p.persistentKeepalive {
		if act, ok := p.sendKeepaliveLocked(now); ok {
			actions = append(actions, act)
		}
	}

	p.mu.Unlock()
	return actions, nil
}

// expireSessionsLocked retires sessions whose age reached
// RejectAfterTime. Caller holds the peer mutex.
func (p *Peer) expireSessionsLocked(now time.Time) {
	retire := func(s **Session) {
		if *s != nil && (*s).expired(now) {
			p.tunnel.indices.Delete((*s).localIndex)
			*s = nil
		}
	}
	retire(&p.previous)
	retire(&p.current)
	retire(&p.next)
}
