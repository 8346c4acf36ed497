package tunnel

import (
	"net/netip"
	"testing"
)

func TestLongestPrefixMatch(t *testing.T) {
	trie := newAllowedIPs()
	wide := &Peer{}
	mid := &Peer{}
	narrow := &Peer{}

	trie.Insert(netip.MustParsePrefix("0.0.0.0/0"), wide)
	trie.Insert(netip.MustParsePrefix("10.0.0.0/8"), mid)
	trie.Insert(netip.MustParsePrefix("10.1.2.0/24"), narrow)

	cases := []struct {
		addr string
		want *Peer
	}{
		{"8.8.8.8", wide},
		{"10.200.0.1", mid},
		{"10.1.2.3", narrow},
		{"10.1.3.3", mid},
	}
	for _, tt := range cases {
		t.Run(tt.addr, func(t *testing.T) {
			if got := trie.Lookup(netip.MustParseAddr(tt.addr)); got != tt.want {
				t.Fatalf("lookup %s picked the wrong peer", tt.addr)
			}
		})
	}
}

func TestNoMatchReturnsNil(t *testing.T) {
	trie := newAllowedIPs()
	p := &Peer{}
	trie.Insert(netip.MustParsePrefix("192.168.0.0/16"), p)

	if got := trie.Lookup(netip.MustParseAddr("10.0.0.1")); got != nil {
		t.Fatal("lookup outside any prefix must return nil")
	}
}

func TestV4DefaultDoesNotCaptureV6(t *testing.T) {
	trie := newAllowedIPs()
	v4peer := &Peer{}
	v6peer := &Peer{}
	trie.Insert(netip.MustParsePrefix("0.0.0.0/0"), v4peer)
	trie.Insert(netip.MustParsePrefix("fd00::/8"), v6peer)

	if got := trie.Lookup(netip.MustParseAddr("fd00::1")); got != v6peer {
		t.Fatal("v6 lookup hit the wrong trie")
	}
	if got := trie.Lookup(netip.MustParseAddr("2001:db8::1")); got != nil {
		t.Fatal("v6 address matched a v4 default route")
	}
	if got := trie.Lookup(netip.MustParseAddr("1.2.3.4")); got != v4peer {
		t.Fatal("v4 default route lost")
	}
}

func TestExactHostRoute(t *testing.T) {
	trie := newAllowedIPs()
	host := &Peer{}
	subnet := &Peer{}
	trie.Insert(netip.MustParsePrefix("10.0.0.0/24"), subnet)
	trie.Insert(netip.MustParsePrefix("10.0.0.7/32"), host)

	if got := trie.Lookup(netip.MustParseAddr("10.0.0.7")); got != host {
		t.Fatal("/32 must win over /24")
	}
	if got := trie.Lookup(netip.MustParseAddr("10.0.0.8")); got != subnet {
		t.Fatal("/24 must cover the rest")
	}
}

func TestRemovePeerDropsRoutes(t *testing.T) {
	trie := newAllowedIPs()
	p1 := &Peer{}
	p2 := &Peer{}
	trie.Insert(netip.MustParsePrefix("10.0.0.0/24"), p1)
	trie.Insert(netip.MustParsePrefix("10.0.1.0/24"), p2)

	trie.RemovePeer(p1)
	if got := trie.Lookup(netip.MustParseAddr("10.0.0.5")); got != nil {
		t.Fatal("removed peer still routed")
	}
	if got := trie.Lookup(netip.MustParseAddr("10.0.1.5")); got != p2 {
		t.Fatal("unrelated peer's route lost")
	}
}

func TestInsertReplacesOwner(t *testing.T) {
	trie := newAllowedIPs()
	p1 := &Peer{}
	p2 := &Peer{}
	prefix := netip.MustParsePrefix("10.0.0.0/24")
	trie.Insert(prefix, p1)
	trie.Insert(prefix, p2)
	if got := trie.Lookup(netip.MustParseAddr("10.0.0.1")); got != p2 {
		t.Fatal("reinsert did not transfer the prefix")
	}
}
