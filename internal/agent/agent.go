package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/unicornultrafoundation/wgcore/internal/config"
	"github.com/unicornultrafoundation/wgcore/internal/identity"
	"github.com/unicornultrafoundation/wgcore/internal/noise"
	"github.com/unicornultrafoundation/wgcore/internal/tun"
	"github.com/unicornultrafoundation/wgcore/internal/tunnel"
)

const maxUDPSize = 65535

// Agent is the daemon around the tunnel core: it owns the TUN device,
// the UDP socket, the peer store, and the control API, and shuttles
// actions between the core and the outside world.
type Agent struct {
	config   *config.AgentConfig
	identity *identity.Identity
	core     *tunnel.Tunnel
	tunDev   tun.Device
	conn     *net.UDPConn
	store    *Store
	events   *EventHub
	log      *slog.Logger

	writeMu sync.Mutex // serializes TUN writes

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an agent from its configuration.
func New(cfg *config.AgentConfig, log *slog.Logger) (*Agent, error) {
	id, err := identity.LoadOrGenerate(cfg.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	log.Info("identity loaded", "pubkey", id.PublicKeyHex()[:16]+"...")

	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		config:   cfg,
		identity: id,
		core:     tunnel.New(id.PrivateKey, log),
		events:   NewEventHub(log),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Identity returns the agent's identity.
func (a *Agent) Identity() *identity.Identity {
	return a.identity
}

// Start brings up all subsystems and begins processing.
func (a *Agent) Start() error {
	// UDP socket
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: a.config.ListenPort})
	if err != nil {
		return fmt.Errorf("bind UDP port %d: %w", a.config.ListenPort, err)
	}
	a.conn = conn
	port := conn.LocalAddr().(*net.UDPAddr).Port
	a.log.Info("UDP transport listening", "port", port)

	// TUN device
	tunDev, err := tun.NewLinuxTUN(a.config.TunName)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create TUN device: %w", err)
	}
	a.tunDev = tunDev
	if a.config.TunMTU > 0 {
		if err := tunDev.SetMTU(a.config.TunMTU); err != nil {
			a.log.Warn("set TUN MTU failed", "err", err)
		}
	}
	if a.config.TunAddress != "" {
		if err := tunDev.AddAddress(a.config.TunAddress); err != nil {
			a.log.Warn("add TUN address failed", "err", err)
		}
	}
	if err := tunDev.SetUp(); err != nil {
		a.log.Warn("bring TUN up failed", "err", err)
	}
	a.log.Info("TUN device created", "name", tunDev.Name())

	// Peer store
	if a.config.Database != "" {
		store, err := OpenStore(a.config.Database)
		if err != nil {
			a.log.Warn("open peer store failed, continuing without persistence", "err", err)
		} else {
			a.store = store
			records, err := store.ListPeers()
			if err != nil {
				a.log.Warn("load peers from store", "err", err)
			}
			for _, rec := range records {
				if err := a.applyPeer(rec.toRef(), false); err != nil {
					a.log.Error("restore peer", "pubkey", rec.PublicKey, "err", err)
				}
			}
			a.log.Info("peer store loaded", "peers", len(records))
		}
	}

	// Peers from the config file
	for _, ref := range a.config.Peers {
		if err := a.applyPeer(ref, true); err != nil {
			a.log.Error("add configured peer", "pubkey", ref.PublicKey, "err", err)
		}
	}

	// Self-endpoint discovery
	if len(a.config.STUNServers) > 0 {
		if addr, err := DiscoverPublicAddr(a.config.STUNServers, port, a.log); err == nil {
			a.log.Info("public endpoint discovered", "addr", addr)
		} else {
			a.log.Debug("STUN discovery failed", "err", err)
		}
	}

	a.wg.Add(3)
	go a.tunReadLoop()
	go a.udpReadLoop()
	go a.tickLoop()

	if a.config.API.Enabled {
		a.wg.Add(1)
		go a.serveAPI()
	}

	a.log.Info("agent started",
		"pubkey", a.identity.PublicKeyHex()[:16]+"...",
		"port", port,
		"tun", tunDev.Name(),
	)
	return nil
}

// Stop gracefully shuts down the agent.
func (a *Agent) Stop() {
	a.log.Info("agent stopping...")
	a.cancel()
	if a.conn != nil {
		a.conn.Close()
	}
	if a.tunDev != nil {
		a.tunDev.Close()
	}
	a.wg.Wait()
	a.log.Info("agent stopped")
}

// applyPeer adds or updates a peer in the core from a config record.
// When persist is set the record is also written to the store.
func (a *Agent) applyPeer(ref config.PeerRef, persist bool) error {
	pub, err := noise.PublicKeyFromHex(ref.PublicKey)
	if err != nil {
		return err
	}

	peer := a.core.Peer(pub)
	if peer == nil {
		peer, err = a.core.AddPeer(pub)
		if err != nil {
			return err
		}
	}

	if ref.PresharedKey != "" {
		psk, err := noise.PresharedKeyFromHex(ref.PresharedKey)
		if err != nil {
			return err
		}
		peer.SetPresharedKey(psk)
	}
	if ref.Endpoint != "" {
		ep, err := resolveEndpoint(ref.Endpoint)
		if err != nil {
			return fmt.Errorf("resolve endpoint: %w", err)
		}
		peer.SetEndpoint(ep)
	}
	if ref.PersistentKeepalive > 0 {
		peer.SetPersistentKeepalive(time.Duration(ref.PersistentKeepalive) * time.Second)
	}

	prefixes := make([]netip.Prefix, 0, len(ref.AllowedIPs))
	for _, s := range ref.AllowedIPs {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("parse allowed ip %q: %w", s, err)
		}
		prefixes = append(prefixes, prefix)
	}
	if len(prefixes) > 0 {
		if err := a.core.SetAllowedIPs(pub, prefixes); err != nil {
			return err
		}
	}

	if persist && a.store != nil {
		if err := a.store.SavePeer(recordFromRef(ref)); err != nil {
			a.log.Warn("persist peer", "pubkey", ref.PublicKey, "err", err)
		}
	}
	return nil
}

// removePeer drops a peer from the core and the store.
func (a *Agent) removePeer(pub noise.PublicKey) error {
	if err := a.core.RemovePeer(pub); err != nil {
		return err
	}
	if a.store != nil {
		if err := a.store.DeletePeer(pub.Hex()); err != nil {
			a.log.Warn("delete peer from store", "err", err)
		}
	}
	return nil
}

func resolveEndpoint(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	addr, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return addr.AddrPort(), nil
}

// perform executes the actions the core handed back.
func (a *Agent) perform(actions []tunnel.Action) {
	for _, act := range actions {
		switch act.Kind {
		case tunnel.ActionWriteToNetwork:
			if _, err := a.conn.WriteToUDPAddrPort(act.Data, act.Endpoint); err != nil {
				a.log.Debug("UDP write failed", "endpoint", act.Endpoint, "err", err)
			}
		case tunnel.ActionWriteToTunnel:
			a.writeMu.Lock()
			_, err := a.tunDev.Write(act.Data)
			a.writeMu.Unlock()
			if err != nil {
				a.log.Error("TUN write failed", "err", err)
			}
		}
	}
}

// tunReadLoop reads plaintext IP packets from the TUN device and feeds
// them into the core.
func (a *Agent) tunReadLoop() {
	defer a.wg.Done()
	buf := make([]byte, maxUDPSize)
	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}
		n, err := a.tunDev.Read(buf)
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.log.Error("TUN read error", "err", err)
			continue
		}
		actions, err := a.core.HandleTunnelPacket(buf[:n])
		if err != nil {
			a.log.Debug("outbound packet dropped", "err", err)
		}
		a.perform(actions)
	}
}

// udpReadLoop reads datagrams from the UDP socket and feeds them into
// the core.
func (a *Agent) udpReadLoop() {
	defer a.wg.Done()
	buf := make([]byte, maxUDPSize)
	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}
		n, src, err := a.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.log.Error("UDP read error", "err", err)
			continue
		}
		actions, err := a.core.HandleNetworkPacket(buf[:n], src)
		if err != nil {
			a.log.Debug("inbound datagram dropped", "src", src, "err", err)
		}
		a.perform(actions)
	}
}

// tickLoop drives the core's timers and periodic maintenance.
func (a *Agent) tickLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(tunnel.TickInterval)
	defer ticker.Stop()

	statusEvery := 5 * time.Second
	lastStatus := time.Now()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.perform(a.core.UpdateTimers())
			if time.Since(lastStatus) >= statusEvery {
				lastStatus = time.Now()
				a.events.Broadcast(Event{
					Type:  EventPeerStatus,
					Peers: a.peerInfos(),
				})
			}
		}
	}
}
