package agent

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/pion/stun/v3"
)

// DiscoverPublicAddr asks the configured STUN servers for our
// reflexive address. Purely observational: the result is logged and
// surfaced, never used to reach out to peers.
func DiscoverPublicAddr(servers []string, localPort int, log *slog.Logger) (*net.UDPAddr, error) {
	for _, server := range servers {
		addr, err := stunDiscover(server)
		if err != nil {
			log.Debug("STUN discovery failed", "server", server, "err", err)
			continue
		}
		return addr, nil
	}
	return nil, fmt.Errorf("all STUN servers failed")
}

// stunDiscover performs a single STUN binding request.
func stunDiscover(serverAddr string) (*net.UDPAddr, error) {
	conn, err := net.DialTimeout("udp", serverAddr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(msg.Raw); err != nil {
		return nil, err
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}

	resp := new(stun.Message)
	resp.Raw = buf[:n]
	if err := resp.Decode(); err != nil {
		return nil, err
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(resp); err != nil {
		var mappedAddr stun.MappedAddress
		if err := mappedAddr.GetFrom(resp); err != nil {
			return nil, fmt.Errorf("no mapped address in STUN response")
		}
		return &net.UDPAddr{IP: mappedAddr.IP, Port: mappedAddr.Port}, nil
	}
	return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
}
