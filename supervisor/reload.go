package supervisor

import (
	"github.com/transitorykris/kbgpd/config"
	"github.com/transitorykris/kbgpd/peer"
)

// Reload loads and validates the configuration at path, then diffs it
// against the live peer set by neighbor address (spec.md §4.9):
//
//	(a) removed peers are torn down with a hard administrative reset
//	(b) peers whose session-affecting parameters changed are torn down
//	    and restarted
//	(c) new peers are started in Idle -> Connect
//	(d) the originated prefix set is recomputed and the add/withdraw
//	    delta against each Established peer's Adj-RIB-Out is sent; an
//	    unchanged prefix set sends nothing (spec.md §8 idempotence)
//
// Non-session-affecting field changes (name, local_as, route_refresh) on
// an existing peer are picked up by the next restart rather than patched
// into a running FSM in place, since the FSM does not synchronize access
// to *peer.Peer across its own goroutine.
func (s *Supervisor) Reload(path string) error {
	newSnap, err := config.Load(path)
	if err != nil {
		return err
	}
	return s.applyReload(newSnap)
}

func (s *Supervisor) applyReload(newSnap *config.Snapshot) error {
	s.mu.Lock()

	newByAddr := make(map[string]config.PeerConfig, len(newSnap.Peers))
	for _, pc := range newSnap.Peers {
		newByAddr[pc.Address] = pc
	}

	// (a) tear down peers no longer configured.
	for addr, h := range s.peers {
		if _, ok := newByAddr[addr]; !ok {
			h.fsm.AdminReset(true)
			h.cancel()
			delete(s.peers, addr)
		}
	}

	var toStart []config.PeerConfig
	for addr, pc := range newByAddr {
		h, exists := s.peers[addr]
		if !exists {
			toStart = append(toStart, pc) // (c)
			continue
		}
		if toPeer(pc).SessionAffecting(h.fsm.Peer) { // (b)
			h.fsm.AdminReset(true)
			h.cancel()
			delete(s.peers, addr)
			toStart = append(toStart, pc)
		}
	}
	s.mu.Unlock()

	for _, pc := range toStart {
		s.startPeer(toPeer(pc))
		s.mu.RLock()
		h := s.peers[pc.Address]
		s.mu.RUnlock()
		h.fsm.ManualStart()
	}

	// (d) recompute the originated prefix set and push the add/withdraw
	// delta to every Established peer; FSM.Reannounce is a no-op send
	// when nothing changed.
	s.planner.SetPrefixes(toAnnouncements(newSnap.Prefixes))
	s.mu.RLock()
	for _, h := range s.peers {
		if h.fsm.State() == peer.Established {
			h.fsm.Reannounce()
		}
	}
	s.mu.RUnlock()

	s.snapshot.Store(newSnap)

	s.mu.RLock()
	ln := s.ln
	s.mu.RUnlock()
	if ln != nil {
		ln.SyncMD5(s.Passwords())
	}
	return nil
}
