package tunnel

import (
	"net/netip"
	"sync"
)

// AllowedIPs maps inner-IP prefixes to peers with longest-prefix-match
// lookup. IPv4 addresses are kept in their own trie rather than being
// mapped into v6 space, so a ::/0 route never swallows v4 traffic.
type AllowedIPs struct {
	mu sync.RWMutex
	v4 *ipTrieNode
	v6 *ipTrieNode
}

type ipTrieNode struct {
	child [2]*ipTrieNode
	peer  *Peer
}

func newAllowedIPs() *AllowedIPs {
	return &AllowedIPs{v4: &ipTrieNode{}, v6: &ipTrieNode{}}
}

func addrBit(addr []byte, i int) int {
	return int(addr[i/8]>>(7-i%8)) & 1
}

// Insert routes prefix to peer, replacing any previous owner of the
// exact prefix.
func (t *AllowedIPs) Insert(prefix netip.Prefix, peer *Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prefix = prefix.Masked()
	addr := prefix.Addr().AsSlice()
	node := t.root(prefix.Addr())
	for i := 0; i < prefix.Bits(); i++ {
		b := addrBit(addr, i)
		if node.child[b] == nil {
			node.child[b] = &ipTrieNode{}
		}
		node = node.child[b]
	}
	node.peer = peer
}

// Lookup returns the peer owning the longest prefix containing addr,
// or nil if no route matches.
func (t *AllowedIPs) Lookup(addr netip.Addr) *Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	raw := addr.AsSlice()
	node := t.root(addr)
	best := node.peer
	for i := 0; i < len(raw)*8; i++ {
		node = node.child[addrBit(raw, i)]
		if node == nil {
			break
		}
		if node.peer != nil {
			best = node.peer
		}
	}
	return best
}

// RemovePeer drops every route owned by peer.
func (t *AllowedIPs) RemovePeer(peer *Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prune(t.v4, peer)
	prune(t.v6, peer)
}

func prune(node *ipTrieNode, peer *Peer) bool {
	if node == nil {
		return true
	}
	if node.peer == peer {
		node.peer = nil
	}
	for b, c := range node.child {
		if c != nil && prune(c, peer) && c.peer == nil {
			node.child[b] = nil
		}
	}
	return node.child[0] == nil && node.child[1] == nil
}

func (t *AllowedIPs) root(addr netip.Addr) *ipTrieNode {
	if addr.Is4() {
		return t.v4
	}
	return t.v6
}
