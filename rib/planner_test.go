package rib

import (
	"net"
	"net/netip"
	"testing"

	"github.com/transitorykris/kbgpd/wire"
)

func TestPlanIPv4UsesExplicitNextHop(t *testing.T) {
	p := NewPlanner(65001)
	p.SetPrefixes([]Announcement{
		{Network: netip.MustParsePrefix("198.51.100.0/24"), NextHop: net.ParseIP("192.0.2.1")},
	})

	updates := p.Plan(nil, []wire.AFISAFI{wire.IPv4Unicast})
	if len(updates) != 1 {
		t.Fatalf("expected 1 UPDATE, got %d", len(updates))
	}
	u := updates[0]
	if len(u.NLRI) != 1 || u.NLRI[0].Length != 24 {
		t.Errorf("unexpected NLRI: %+v", u.NLRI)
	}
	if !u.NextHop.Equal(net.ParseIP("192.0.2.1")) {
		t.Errorf("expected explicit next-hop, got %v", u.NextHop)
	}
}

func TestPlanIPv4FallsBackToLocalAddr(t *testing.T) {
	p := NewPlanner(65001)
	p.SetPrefixes([]Announcement{{Network: netip.MustParsePrefix("198.51.100.0/24")}})

	updates := p.Plan(net.ParseIP("192.0.2.9"), []wire.AFISAFI{wire.IPv4Unicast})
	if len(updates) != 1 {
		t.Fatalf("expected 1 UPDATE, got %d", len(updates))
	}
	if !updates[0].NextHop.Equal(net.ParseIP("192.0.2.9")) {
		t.Errorf("expected session-local fallback next-hop, got %v", updates[0].NextHop)
	}
}

func TestPlanSkipsPrefixWithNoUsableNextHop(t *testing.T) {
	p := NewPlanner(65001)
	p.SetPrefixes([]Announcement{{Network: netip.MustParsePrefix("198.51.100.0/24")}})

	updates := p.Plan(nil, []wire.AFISAFI{wire.IPv4Unicast})
	if len(updates) != 0 {
		t.Errorf("expected no UPDATE when no next-hop is available, got %d", len(updates))
	}
}

func TestPlanIPv6UsesMPReachWithFabricatedLinkLocal(t *testing.T) {
	p := NewPlanner(65001)
	p.SetPrefixes([]Announcement{
		{Network: netip.MustParsePrefix("2001:db8:abcd::/48"), NextHop: net.ParseIP("2001:db8::1")},
	})

	updates := p.Plan(nil, []wire.AFISAFI{wire.IPv6Unicast})
	if len(updates) != 1 {
		t.Fatalf("expected 1 UPDATE, got %d", len(updates))
	}
	mp := updates[0].MPReach
	if mp == nil {
		t.Fatalf("expected MP_REACH_NLRI, got nil")
	}
	if len(mp.NextHops) != 2 {
		t.Fatalf("expected global + fabricated link-local next-hop, got %d", len(mp.NextHops))
	}
	if !mp.NextHops[1].Equal(net.IPv6zero) {
		t.Errorf("expected fabricated link-local to be all-zero, got %v", mp.NextHops[1])
	}
}

func TestAnnouncerTracksPerPeerLocalAddr(t *testing.T) {
	p := NewPlanner(65001)
	p.SetPrefixes([]Announcement{{Network: netip.MustParsePrefix("198.51.100.0/24")}})
	a := NewAnnouncer(p, NewAdjRIBOut())
	a.SetLocalAddr("peer1", net.ParseIP("192.0.2.9"))

	updates := a.Announcements("peer1", []wire.AFISAFI{wire.IPv4Unicast})
	if len(updates) != 1 || !updates[0].NextHop.Equal(net.ParseIP("192.0.2.9")) {
		t.Fatalf("expected announcer to use peer's recorded local addr, got %+v", updates)
	}

	if got := a.Announcements("unknown-peer", []wire.AFISAFI{wire.IPv4Unicast}); len(got) != 0 {
		t.Errorf("expected no announcements without a known local addr, got %d", len(got))
	}
}

func TestReconcileUnchangedPrefixesProduceNoUpdate(t *testing.T) {
	p := NewPlanner(65001)
	p.SetPrefixes([]Announcement{{Network: netip.MustParsePrefix("198.51.100.0/24")}})
	a := NewAnnouncer(p, NewAdjRIBOut())
	a.SetLocalAddr("peer1", net.ParseIP("192.0.2.9"))

	if got := a.Announcements("peer1", []wire.AFISAFI{wire.IPv4Unicast}); len(got) != 1 {
		t.Fatalf("expected initial full resync to produce 1 UPDATE, got %d", len(got))
	}

	if got := a.Reconcile("peer1", []wire.AFISAFI{wire.IPv4Unicast}); len(got) != 0 {
		t.Errorf("expected reload with unchanged prefixes to produce no UPDATE, got %d: %+v", len(got), got)
	}
}

func TestReconcileWithdrawsRemovedPrefixOnly(t *testing.T) {
	p := NewPlanner(65001)
	kept := netip.MustParsePrefix("198.51.100.0/24")
	removed := netip.MustParsePrefix("203.0.113.0/24")
	p.SetPrefixes([]Announcement{{Network: kept}, {Network: removed}})
	a := NewAnnouncer(p, NewAdjRIBOut())
	a.SetLocalAddr("peer1", net.ParseIP("192.0.2.9"))

	if got := a.Announcements("peer1", []wire.AFISAFI{wire.IPv4Unicast}); len(got) != 1 {
		t.Fatalf("expected initial full resync to group both prefixes into 1 UPDATE, got %d", len(got))
	}

	p.SetPrefixes([]Announcement{{Network: kept}})
	got := a.Reconcile("peer1", []wire.AFISAFI{wire.IPv4Unicast})
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 withdraw UPDATE, got %d: %+v", len(got), got)
	}
	u := got[0]
	if len(u.NLRI) != 0 || u.MPReach != nil {
		t.Errorf("expected no NLRI in a withdraw-only UPDATE, got %+v", u)
	}
	if len(u.WithdrawnRoutes) != 1 || u.WithdrawnRoutes[0].Length != 24 {
		t.Errorf("expected 1 withdrawn route, got %+v", u.WithdrawnRoutes)
	}
}

func TestReconcileAnnouncesNewlyAddedPrefix(t *testing.T) {
	p := NewPlanner(65001)
	existing := netip.MustParsePrefix("198.51.100.0/24")
	p.SetPrefixes([]Announcement{{Network: existing}})
	a := NewAnnouncer(p, NewAdjRIBOut())
	a.SetLocalAddr("peer1", net.ParseIP("192.0.2.9"))
	a.Announcements("peer1", []wire.AFISAFI{wire.IPv4Unicast})

	added := netip.MustParsePrefix("203.0.113.0/24")
	p.SetPrefixes([]Announcement{{Network: existing}, {Network: added}})
	got := a.Reconcile("peer1", []wire.AFISAFI{wire.IPv4Unicast})
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 UPDATE announcing the new prefix, got %d: %+v", len(got), got)
	}
	if len(got[0].WithdrawnRoutes) != 0 {
		t.Errorf("expected no withdrawals, got %+v", got[0].WithdrawnRoutes)
	}
	if len(got[0].NLRI) != 1 || got[0].NLRI[0].Length != 24 {
		t.Errorf("expected the new prefix in NLRI, got %+v", got[0].NLRI)
	}
}
