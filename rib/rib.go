// Package rib implements the per-peer Adj-RIB-In and the shared,
// configuration-derived Adj-RIB-Out (spec.md §4.4). Adj-RIB-In storage
// uses a compressed binary trie (github.com/gaissmai/bart) so prefix
// lookups scale the way a real routing table's would, even though this
// daemon never needs longest-prefix-match for its own forwarding.
package rib

import (
	"net/netip"
	"sync"

	"github.com/gaissmai/bart"

	"github.com/transitorykris/kbgpd/wire"
)

// Entry is one accepted route in a peer's Adj-RIB-In: the ORIGIN, AS_PATH
// and next hop from the last accepted UPDATE plus a monotonically
// increasing sequence number (spec.md §3). Other path attributes (MED,
// LOCAL_PREF, communities, aggregator, unknown attributes) are not stored.
type Entry struct {
	Prefix  netip.Prefix
	Seq     uint64
	Origin  *byte
	ASPath  []wire.ASPathSegment
	NextHop netOrNil
}

type netOrNil = []byte

type familyTable struct {
	trie    *bart.Table[Entry]
	entries map[netip.Prefix]Entry
}

func newFamilyTable() *familyTable {
	return &familyTable{trie: new(bart.Table[Entry]), entries: make(map[netip.Prefix]Entry)}
}

func (t *familyTable) insert(e Entry) {
	t.trie.Insert(e.Prefix, e)
	t.entries[e.Prefix] = e
}

func (t *familyTable) delete(p netip.Prefix) {
	t.trie.Delete(p)
	delete(t.entries, p)
}

// AdjRIBIn stores, per peer and address family, the routes accepted from
// that peer's UPDATEs and not since withdrawn. The owning FSM is the only writer; the
// control endpoint and archival writer only read snapshots (spec.md §4.4).
type AdjRIBIn struct {
	mu     sync.RWMutex
	seq    uint64
	byPeer map[string]map[wire.AFISAFI]*familyTable
}

// NewAdjRIBIn builds an empty Adj-RIB-In store.
func NewAdjRIBIn() *AdjRIBIn {
	return &AdjRIBIn{byPeer: make(map[string]map[wire.AFISAFI]*familyTable)}
}

func (r *AdjRIBIn) table(peerKey string, family wire.AFISAFI) *familyTable {
	fams, ok := r.byPeer[peerKey]
	if !ok {
		fams = make(map[wire.AFISAFI]*familyTable)
		r.byPeer[peerKey] = fams
	}
	t, ok := fams[family]
	if !ok {
		t = newFamilyTable()
		fams[family] = t
	}
	return t
}

// ApplyUpdate accepts the NLRI (and, for multiprotocol families, the
// MP_REACH_NLRI) carried in u into peerKey's Adj-RIB-In for family.
func (r *AdjRIBIn) ApplyUpdate(peerKey string, family wire.AFISAFI, u *wire.UpdateMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.table(peerKey, family)
	nextHop := u.NextHop
	prefixes := u.NLRI
	if u.MPReach != nil {
		prefixes = u.MPReach.NLRI
		if len(u.MPReach.NextHops) > 0 {
			nextHop = u.MPReach.NextHops[0]
		}
	}
	for _, p := range prefixes {
		pfx, ok := toNetipPrefix(p)
		if !ok {
			continue
		}
		r.seq++
		e := Entry{
			Prefix:  pfx,
			Seq:     r.seq,
			Origin:  u.Origin,
			ASPath:  u.ASPath,
			NextHop: []byte(nextHop),
		}
		t.insert(e)
	}
}

// Withdraw removes the given prefixes from peerKey's Adj-RIB-In for family.
func (r *AdjRIBIn) Withdraw(peerKey string, family wire.AFISAFI, prefixes []wire.Prefix) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := r.table(peerKey, family)
	for _, p := range prefixes {
		if pfx, ok := toNetipPrefix(p); ok {
			t.delete(pfx)
		}
	}
}

// ClearPeer removes every entry for peerKey, across all families. Called
// on session teardown and peer removal (spec.md §3: Adj-RIB-In entries
// require the FSM to be Established).
func (r *AdjRIBIn) ClearPeer(peerKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byPeer, peerKey)
}

// Snapshot returns every Adj-RIB-In entry for peerKey and family, for the
// `rib in` control command.
func (r *AdjRIBIn) Snapshot(peerKey string, family wire.AFISAFI) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fams, ok := r.byPeer[peerKey]
	if !ok {
		return nil
	}
	t, ok := fams[family]
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// Count returns the total number of Adj-RIB-In entries across all peers
// and families, used by `rib summary`.
func (r *AdjRIBIn) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, fams := range r.byPeer {
		for _, t := range fams {
			n += len(t.entries)
		}
	}
	return n
}

func toNetipPrefix(p wire.Prefix) (netip.Prefix, bool) {
	switch len(p.Prefix) {
	case 4:
		var b [4]byte
		copy(b[:], p.Prefix)
		return netip.PrefixFrom(netip.AddrFrom4(b), int(p.Length)), true
	case 16:
		var b [16]byte
		copy(b[:], p.Prefix)
		return netip.PrefixFrom(netip.AddrFrom16(b), int(p.Length)), true
	default:
		return netip.Prefix{}, false
	}
}
