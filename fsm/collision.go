package fsm

import (
	"time"

	"github.com/transitorykris/kbgpd/kind"
	"github.com/transitorykris/kbgpd/peer"
	"github.com/transitorykris/kbgpd/wire"
)

// largeInitialHoldTime is the hold time used between sending OPEN and
// negotiating the real value, per spec.md §4.3.
const largeInitialHoldTime = 4 * time.Minute

const (
	wireProtocolKind = kind.WireProtocol
	badFSMKind       = kind.WireProtocol
)

func kindForEvent(e event) kind.Kind {
	return kind.AdministrativeReset
}

func reasonForEvent(e event) string {
	if e.kind == evManualStop {
		return "manual stop"
	}
	return "administrative reset"
}

// resolveCollision applies RFC 4271 §6.8: when both an outbound dial and
// an inbound accept reached OpenSent/OpenConfirm concurrently, the
// connection initiated by the speaker with the numerically higher BGP
// identifier survives. It reports whether the current leg lost (and was
// already torn down).
func (f *FSM) resolveCollision() bool {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()
	if pending == nil {
		return false
	}

	// The current (active) leg's peer identifier was just negotiated; the
	// pending leg hasn't exchanged OPEN yet in this simplified model, so
	// we apply the rule using our own router ID as the tie-break between
	// "this speaker initiated outbound" vs. "the peer initiated inbound":
	// the higher BGP identifier's initiator wins.
	s := f.Session()
	if s == nil {
		pending.Close()
		return false
	}
	if f.LocalRouterID > s.PeerIdentifier {
		// We (the outbound initiator) win; close the inbound candidate.
		pending.Close()
		return false
	}
	// The inbound side wins: tear down our own (outbound) leg with Cease,
	// and let the listener re-deliver the pending connection as a fresh
	// Accept once we're back in Idle/Active.
	f.sendNotification(&wire.NotificationMessage{
		Code:    wire.NotifCease,
		Subcode: wire.CeaseConnectionCollisionRes,
	})
	f.drop()
	f.wheel.StopAll()
	f.transition(peer.Idle)
	f.wheel.ArmConnectRetry()
	f.transition(peer.Active)
	f.Accept(pending)
	return true
}

// teardown moves the FSM back to Idle, sending NOTIFICATION Cease when k
// is an administrative stop, and restarts ConnectRetryTimer unless
// restart is false.
func (f *FSM) teardown(k kind.Kind, reason string, restart bool) {
	if k == kind.AdministrativeReset && f.State() != peer.Idle {
		f.sendNotification(&wire.NotificationMessage{
			Code:    wire.NotifCease,
			Subcode: wire.CeaseAdministrativeReset,
		})
	}
	f.drop()
	f.wheel.StopAll()
	if f.RIB != nil {
		f.RIB.ClearPeer(f.peerKey())
	}
	f.clearAnnounceSession()
	f.transition(peer.Idle)
	f.log.WithField("reason", reason).WithField("kind", k).Info("session torn down")
	if restart {
		f.wheel.ArmConnectRetry()
	}
}

// teardownTransport handles a TCP-level failure (spec.md kind.TransportFailure).
func (f *FSM) teardownTransport(err error) {
	f.drop()
	f.wheel.StopAll()
	if f.RIB != nil {
		f.RIB.ClearPeer(f.peerKey())
	}
	f.clearAnnounceSession()
	f.transition(peer.Idle)
	f.log.WithError(err).Info("transport failure, session torn down")
	f.wheel.ArmConnectRetry()
}

// teardownHoldExpired sends NOTIFICATION Hold Timer Expired and tears
// down, restarting ConnectRetryTimer (RFC 4271 §8.2.2, Event 10).
func (f *FSM) teardownHoldExpired() {
	f.sendNotification(&wire.NotificationMessage{Code: wire.NotifHoldTimerExpired})
	f.drop()
	f.wheel.StopAll()
	if f.RIB != nil {
		f.RIB.ClearPeer(f.peerKey())
	}
	f.clearAnnounceSession()
	f.transition(peer.Idle)
	f.wheel.ArmConnectRetry()
}
