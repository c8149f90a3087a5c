package rib

import (
	"net"
	"testing"

	"github.com/transitorykris/kbgpd/wire"
)

func pfx(s string) wire.Prefix {
	ip, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	ones, _ := ipnet.Mask.Size()
	if ip4 := ip.To4(); ip4 != nil {
		return wire.Prefix{Length: byte(ones), Prefix: ip4}
	}
	return wire.Prefix{Length: byte(ones), Prefix: ip.To16()}
}

func TestApplyUpdateAndSnapshot(t *testing.T) {
	r := NewAdjRIBIn()
	origin := byte(0)
	u := &wire.UpdateMessage{
		NLRI:   []wire.Prefix{pfx("198.51.100.0/24"), pfx("203.0.113.0/24")},
		Origin: &origin,
	}
	r.ApplyUpdate("peer1", wire.IPv4Unicast, u)

	snap := r.Snapshot("peer1", wire.IPv4Unicast)
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	if r.Count() != 2 {
		t.Errorf("expected Count()==2, got %d", r.Count())
	}
}

func TestWithdrawRemovesEntry(t *testing.T) {
	r := NewAdjRIBIn()
	u := &wire.UpdateMessage{NLRI: []wire.Prefix{pfx("198.51.100.0/24")}}
	r.ApplyUpdate("peer1", wire.IPv4Unicast, u)

	r.Withdraw("peer1", wire.IPv4Unicast, []wire.Prefix{pfx("198.51.100.0/24")})

	if got := r.Snapshot("peer1", wire.IPv4Unicast); len(got) != 0 {
		t.Errorf("expected withdrawn prefix to be gone, got %d entries", len(got))
	}
}

func TestClearPeerRemovesAllFamilies(t *testing.T) {
	r := NewAdjRIBIn()
	r.ApplyUpdate("peer1", wire.IPv4Unicast, &wire.UpdateMessage{NLRI: []wire.Prefix{pfx("198.51.100.0/24")}})
	r.ApplyUpdate("peer1", wire.IPv6Unicast, &wire.UpdateMessage{NLRI: []wire.Prefix{pfx("2001:db8::/32")}})

	r.ClearPeer("peer1")

	if r.Count() != 0 {
		t.Errorf("expected 0 entries after ClearPeer, got %d", r.Count())
	}
}

func TestApplyUpdateMPReach(t *testing.T) {
	r := NewAdjRIBIn()
	u := &wire.UpdateMessage{
		MPReach: &wire.MPReach{
			Family:   wire.IPv6Unicast,
			NextHops: []net.IP{net.ParseIP("2001:db8::1")},
			NLRI:     []wire.Prefix{pfx("2001:db8:abcd::/48")},
		},
	}
	r.ApplyUpdate("peer1", wire.IPv6Unicast, u)

	snap := r.Snapshot("peer1", wire.IPv6Unicast)
	if len(snap) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(snap))
	}
}

func TestSnapshotUnknownPeerIsEmpty(t *testing.T) {
	r := NewAdjRIBIn()
	if got := r.Snapshot("nobody", wire.IPv4Unicast); got != nil {
		t.Errorf("expected nil snapshot for unknown peer, got %v", got)
	}
}
