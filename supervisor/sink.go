package supervisor

import (
	"net"

	"github.com/transitorykris/kbgpd/peer"
)

// sink implements fsm.EventSink for one Supervisor: it forwards every
// event to the archival writer (if archiving is enabled) and, on the
// transition into Established, records the session-local address the
// announcer needs for peers with no explicit next-hop configured.
type sink struct {
	sup *Supervisor
}

func (s *sink) StateChange(peerKey string, from, to peer.State) {
	if s.sup.writer != nil {
		s.sup.writer.StateChange(peerKey, from, to)
	}
	if to != peer.Established {
		return
	}
	s.sup.mu.RLock()
	h, ok := s.sup.peers[peerKey]
	s.sup.mu.RUnlock()
	if !ok {
		return
	}
	sess := h.fsm.Session()
	if sess == nil || sess.LocalAddr == nil {
		return
	}
	host, _, err := net.SplitHostPort(sess.LocalAddr.String())
	if err != nil {
		return
	}
	s.sup.announcer.SetLocalAddr(peerKey, net.ParseIP(host))
}

func (s *sink) MessageIn(peerKey string, raw []byte) {
	if s.sup.writer != nil {
		s.sup.writer.MessageIn(peerKey, raw)
	}
}

func (s *sink) MessageOut(peerKey string, raw []byte) {
	if s.sup.writer != nil {
		s.sup.writer.MessageOut(peerKey, raw)
	}
}
