package rib

import (
	"net"
	"net/netip"
	"sort"
	"sync"

	"github.com/transitorykris/kbgpd/wire"
)

// Announcement is one statically configured route this speaker originates
// (spec.md §4.4): a network and an optional explicit next-hop. When
// NextHop is nil, Plan substitutes the caller-supplied session-local
// address, following the tie-break rule in spec.md §4.4: explicit
// configured next-hop wins, otherwise the local endpoint of the session
// address family.
type Announcement struct {
	Network netip.Prefix
	NextHop net.IP
}

// Planner turns a static set of Announcements into the Adj-RIB-Out for
// every peer.
type Planner struct {
	mu       sync.RWMutex
	localAS  uint32
	prefixes []Announcement
}

// NewPlanner builds a Planner that originates routes under localAS.
func NewPlanner(localAS uint32) *Planner {
	return &Planner{localAS: localAS}
}

// SetPrefixes replaces the full set of originated routes, e.g. after a
// configuration reload (spec.md §4.9).
func (p *Planner) SetPrefixes(prefixes []Announcement) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prefixes = append([]Announcement(nil), prefixes...)
}

// peerAnnouncer adapts a Planner plus one peer's current session-local
// address into the fsm.Announcer interface, which only carries a peer
// key and the negotiated families. When out is non-nil it also tracks
// per-peer Adj-RIB-Out transmitted state (spec.md §3), letting Reconcile
// compute a real add/withdraw delta instead of a full resync.
type peerAnnouncer struct {
	planner    *Planner
	out        *AdjRIBOut
	localAddrs map[string]net.IP // peerKey -> session-local address
	mu         sync.RWMutex
}

// NewAnnouncer builds the shared Announcer every FSM instance is given.
// out may be nil, in which case Reconcile degrades to a full resync
// (used by tests that only exercise Plan/Announcements). SetLocalAddr
// must be called (normally from the FSM's EventSink) whenever a peer's
// session-local address becomes known, since Plan needs it for peers
// with no explicit next-hop configured.
func NewAnnouncer(p *Planner, out *AdjRIBOut) *peerAnnouncer {
	return &peerAnnouncer{planner: p, out: out, localAddrs: make(map[string]net.IP)}
}

// SetLocalAddr records the session-local address to use as an implicit
// next-hop for peerKey.
func (a *peerAnnouncer) SetLocalAddr(peerKey string, addr net.IP) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.localAddrs[peerKey] = addr
}

func (a *peerAnnouncer) localAddr(peerKey string) net.IP {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.localAddrs[peerKey]
}

// ClearPeer discards peerKey's recorded Adj-RIB-Out transmitted state,
// since its session has torn down and a new one starts having sent
// nothing (spec.md §3). A no-op if this announcer was built without an
// AdjRIBOut.
func (a *peerAnnouncer) ClearPeer(peerKey string) {
	if a.out == nil {
		return
	}
	a.out.ClearPeer(peerKey)
}

// Announcements builds the full Adj-RIB-Out resync for peerKey: every
// configured route matching families, regardless of what (if anything)
// was already transmitted. Used for a session's first announcement on
// reaching Established and for ROUTE-REFRESH (spec.md §4.3/§4.4), both
// of which are full resyncs by definition rather than deltas.
func (a *peerAnnouncer) Announcements(peerKey string, families []wire.AFISAFI) []*wire.UpdateMessage {
	localAddr := a.localAddr(peerKey)
	anns := a.planner.desired(families)
	if a.out != nil {
		prefixes := make(map[netip.Prefix]bool, len(anns))
		for pfx := range anns {
			prefixes[pfx] = true
		}
		a.out.Replace(peerKey, prefixes)
	}
	list := make([]Announcement, 0, len(anns))
	for _, ann := range anns {
		list = append(list, ann)
	}
	return buildAnnounceMessages(a.planner.localAS, localAddr, list)
}

// Preview returns the UPDATEs a full resync would currently send to
// peerKey, without touching any recorded Adj-RIB-Out transmitted state.
// Used by the `rib out` control command, which must not perturb what the
// FSM believes it has already announced on the live session.
func (a *peerAnnouncer) Preview(peerKey string, families []wire.AFISAFI) []*wire.UpdateMessage {
	localAddr := a.localAddr(peerKey)
	anns := a.planner.desired(families)
	list := make([]Announcement, 0, len(anns))
	for _, ann := range anns {
		list = append(list, ann)
	}
	return buildAnnounceMessages(a.planner.localAS, localAddr, list)
}

// Reconcile computes the add/withdraw delta needed to bring peerKey's
// Adj-RIB-Out in line with the planner's current prefix set, comparing
// against what is already recorded as transmitted on its current session
// (spec.md §3, §4.4): unchanged prefixes produce nothing, newly
// configured prefixes produce an UPDATE carrying NLRI, and prefixes
// removed from configuration produce a withdraw-only UPDATE — but only
// if they were previously announced on this session. Used after a
// configuration reload (spec.md §4.9(d)); a fresh Established transition
// or ROUTE-REFRESH always goes through Announcements instead.
func (a *peerAnnouncer) Reconcile(peerKey string, families []wire.AFISAFI) []*wire.UpdateMessage {
	if a.out == nil {
		return a.Announcements(peerKey, families)
	}
	localAddr := a.localAddr(peerKey)
	desired := a.planner.desired(families)
	transmitted := a.out.Transmitted(peerKey)

	var toAdd []Announcement
	for pfx, ann := range desired {
		if !transmitted[pfx] {
			toAdd = append(toAdd, ann)
		}
	}
	var toRemove []netip.Prefix
	for pfx := range transmitted {
		if _, ok := desired[pfx]; !ok {
			toRemove = append(toRemove, pfx)
		}
	}

	var out []*wire.UpdateMessage
	out = append(out, buildWithdrawMessages(toRemove)...)
	out = append(out, buildAnnounceMessages(a.planner.localAS, localAddr, toAdd)...)

	addedPrefixes := make([]netip.Prefix, 0, len(toAdd))
	for _, ann := range toAdd {
		addedPrefixes = append(addedPrefixes, ann.Network)
	}
	a.out.Add(peerKey, addedPrefixes)
	a.out.Remove(peerKey, toRemove)
	return out
}

// desired returns the configured Announcements matching families, keyed
// by network so callers can diff against Adj-RIB-Out transmitted state.
func (p *Planner) desired(families []wire.AFISAFI) map[netip.Prefix]Announcement {
	p.mu.RLock()
	prefixes := append([]Announcement(nil), p.prefixes...)
	p.mu.RUnlock()

	wanted := familySet(families)
	out := make(map[netip.Prefix]Announcement, len(prefixes))
	for _, ann := range prefixes {
		if wanted[familyOf(ann.Network)] {
			out[ann.Network] = ann
		}
	}
	return out
}

func familySet(families []wire.AFISAFI) map[wire.AFISAFI]bool {
	wanted := make(map[wire.AFISAFI]bool, len(families))
	for _, f := range families {
		wanted[f] = true
	}
	if len(wanted) == 0 {
		wanted[wire.IPv4Unicast] = true
	}
	return wanted
}

// Plan groups the originated prefixes matching families by address
// family and next-hop, and builds one UPDATE per group. It always
// produces a full resync; peerAnnouncer.Announcements/Reconcile are the
// session-aware entry points callers outside this package should use.
func (p *Planner) Plan(localAddr net.IP, families []wire.AFISAFI) []*wire.UpdateMessage {
	anns := p.desired(families)
	list := make([]Announcement, 0, len(anns))
	for _, ann := range anns {
		list = append(list, ann)
	}
	return buildAnnounceMessages(p.localAS, localAddr, list)
}

// buildAnnounceMessages groups anns by address family and next-hop, and
// builds one UPDATE per group. IPv4 unicast routes carry a plain
// NEXT_HOP attribute; every other family is carried in MP_REACH_NLRI,
// with IPv6 additionally fabricating a zero link-local next-hop alongside
// the global one (spec.md §4.4), matching the two-address encoding real
// implementations use when no real link-local address is available.
func buildAnnounceMessages(localAS uint32, localAddr net.IP, anns []Announcement) []*wire.UpdateMessage {
	// group is the map key: both fields must be comparable, so the
	// next-hop is kept as its string form here and parsed back below.
	type group struct {
		family  wire.AFISAFI
		nextHop string
	}
	groups := make(map[group][]wire.Prefix)

	for _, ann := range anns {
		family := familyOf(ann.Network)
		nh := ann.NextHop
		if nh == nil {
			nh = localAddr
		}
		if nh == nil {
			continue // nothing usable to advertise with
		}
		g := group{family: family, nextHop: nh.String()}
		groups[g] = append(groups[g], toWirePrefix(ann.Network))
	}

	origin := byte(0) // IGP
	keys := make([]group, 0, len(groups))
	for g := range groups {
		keys = append(keys, g)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].family.AFI != keys[j].family.AFI {
			return keys[i].family.AFI < keys[j].family.AFI
		}
		return keys[i].nextHop < keys[j].nextHop
	})

	var out []*wire.UpdateMessage
	for _, g := range keys {
		prefixes := groups[g]
		nh := net.ParseIP(g.nextHop)
		m := &wire.UpdateMessage{
			Origin: &origin,
			ASPath: []wire.ASPathSegment{{Type: wire.ASPathSequence, ASNs: []uint32{localAS}}},
		}
		if g.family == wire.IPv4Unicast {
			m.NLRI = prefixes
			m.NextHop = nh.To4()
		} else {
			nextHops := []net.IP{nh}
			if g.family.AFI == wire.IPv6Unicast.AFI {
				nextHops = append(nextHops, net.IPv6zero)
			}
			m.MPReach = &wire.MPReach{Family: g.family, NextHops: nextHops, NLRI: prefixes}
		}
		out = append(out, m)
	}
	return out
}

// buildWithdrawMessages groups withdrawn prefixes by address family and
// returns one UPDATE per family: IPv4 unicast uses WithdrawnRoutes, every
// other family uses MP_UNREACH_NLRI (spec.md §4.4). Withdrawals carry no
// path attributes beyond what identifies what is being withdrawn.
func buildWithdrawMessages(prefixes []netip.Prefix) []*wire.UpdateMessage {
	if len(prefixes) == 0 {
		return nil
	}
	groups := make(map[wire.AFISAFI][]wire.Prefix)
	for _, pfx := range prefixes {
		family := familyOf(pfx)
		groups[family] = append(groups[family], toWirePrefix(pfx))
	}
	families := make([]wire.AFISAFI, 0, len(groups))
	for f := range groups {
		families = append(families, f)
	}
	sort.Slice(families, func(i, j int) bool { return families[i].AFI < families[j].AFI })

	var out []*wire.UpdateMessage
	for _, f := range families {
		wfx := groups[f]
		if f == wire.IPv4Unicast {
			out = append(out, &wire.UpdateMessage{WithdrawnRoutes: wfx})
		} else {
			out = append(out, &wire.UpdateMessage{MPUnreach: &wire.MPUnreach{Family: f, NLRI: wfx}})
		}
	}
	return out
}

func familyOf(p netip.Prefix) wire.AFISAFI {
	if p.Addr().Is4() {
		return wire.IPv4Unicast
	}
	return wire.IPv6Unicast
}

func toWirePrefix(p netip.Prefix) wire.Prefix {
	b := p.Addr().AsSlice()
	return wire.Prefix{Length: byte(p.Bits()), Prefix: net.IP(b)}
}
