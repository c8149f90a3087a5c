package supervisor

import (
	"sort"

	"github.com/transitorykris/kbgpd/archive"
	"github.com/transitorykris/kbgpd/fsm"
	"github.com/transitorykris/kbgpd/replicate"
	"github.com/transitorykris/kbgpd/rib"
	"github.com/transitorykris/kbgpd/wire"
)

// PeerSummary is one row of `peer list`/`peer show`.
type PeerSummary struct {
	Name       string
	Address    string
	RemoteAS   uint32
	State      string
	Sent       uint64
	Received   uint64
	Uptime     string
	SessionFam []string
}

// ListPeers returns a row per configured peer, ordered by address.
func (s *Supervisor) ListPeers() []PeerSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerSummary, 0, len(s.peers))
	for _, h := range s.peers {
		out = append(out, summarize(h.fsm))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// ShowPeer returns the summary for one peer, or ok=false if unconfigured.
func (s *Supervisor) ShowPeer(addr string) (PeerSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.peers[addr]
	if !ok {
		return PeerSummary{}, false
	}
	return summarize(h.fsm), true
}

func summarize(f *fsm.FSM) PeerSummary {
	sent, received := f.Counters()
	sum := PeerSummary{
		Name:     f.Peer.Name,
		Address:  f.Peer.Address.String(),
		RemoteAS: f.Peer.RemoteAS,
		State:    f.State().String(),
		Sent:     sent,
		Received: received,
	}
	if sess := f.Session(); sess != nil {
		sum.Uptime = sess.StartedAt.String()
		for _, fam := range sess.Families {
			sum.SessionFam = append(sum.SessionFam, fam.String())
		}
	}
	return sum
}

// ResetPeer drives `peer reset {addr} [--soft|--hard]`. hard defaults to
// true when soft is false.
func (s *Supervisor) ResetPeer(addr string, hard bool) bool {
	s.mu.RLock()
	h, ok := s.peers[addr]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	h.fsm.AdminReset(hard)
	return true
}

// RIBSummaryRow is one row of `rib summary`.
type RIBSummaryRow struct {
	Peer  string
	State string
	Count int
}

// RIBSummary reports, per peer, its state and the number of Adj-RIB-In
// entries it currently holds across all families.
func (s *Supervisor) RIBSummary() []RIBSummaryRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RIBSummaryRow, 0, len(s.peers))
	for addr, h := range s.peers {
		count := len(s.rib.Snapshot(addr, wire.IPv4Unicast)) + len(s.rib.Snapshot(addr, wire.IPv6Unicast))
		out = append(out, RIBSummaryRow{Peer: addr, State: h.fsm.State().String(), Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// RIBIn returns the Adj-RIB-In entries learned from addr, across both
// unicast families.
func (s *Supervisor) RIBIn(addr string) []rib.Entry {
	out := s.rib.Snapshot(addr, wire.IPv4Unicast)
	return append(out, s.rib.Snapshot(addr, wire.IPv6Unicast)...)
}

// RIBOut returns the UPDATEs that would be sent to addr for its currently
// negotiated (or, if not Established, default IPv4) families.
func (s *Supervisor) RIBOut(addr string) []*wire.UpdateMessage {
	s.mu.RLock()
	h, ok := s.peers[addr]
	s.mu.RUnlock()
	families := []wire.AFISAFI{wire.IPv4Unicast}
	if ok {
		if sess := h.fsm.Session(); sess != nil && len(sess.Families) > 0 {
			families = sess.Families
		}
	}
	return s.announcer.Preview(addr, families)
}

// ArchiveStatus reports the replication queue depth by state, and the
// path of the segment currently being written.
type ArchiveStatusReport struct {
	Enabled bool
	Current string
	Queue   replicate.Status
}

func (s *Supervisor) ArchiveStatus() (ArchiveStatusReport, error) {
	if s.writer == nil {
		return ArchiveStatusReport{Enabled: false}, nil
	}
	report := ArchiveStatusReport{Enabled: true, Current: s.writer.Current()}
	if s.queue != nil {
		st, err := s.queue.Status()
		if err != nil {
			return report, err
		}
		report.Queue = st
	}
	return report, nil
}

// ArchiveRollover forces an immediate segment rotation.
func (s *Supervisor) ArchiveRollover() (*archive.Manifest, error) {
	if s.writer == nil {
		return nil, errArchiveDisabled
	}
	return s.writer.Rotate()
}

// ArchiveSnapshot forces an immediate rotation and returns the sealed
// segment's manifest, for an operator who wants a point-in-time capture
// rather than merely advancing the rotation schedule.
func (s *Supervisor) ArchiveSnapshot() (*archive.Manifest, error) {
	return s.ArchiveRollover()
}

var errArchiveDisabled = archiveDisabledError{}

type archiveDisabledError struct{}

func (archiveDisabledError) Error() string { return "archiving is not enabled" }