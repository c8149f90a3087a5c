package fsm

import (
	"context"
	"net"

	"github.com/transitorykris/kbgpd/peer"
	"github.com/transitorykris/kbgpd/wire"
)

// handle dispatches one mailbox event to the handler for the FSM's
// current state (RFC 4271 §8.2.2).
func (f *FSM) handle(ctx context.Context, e event) {
	switch f.State() {
	case peer.Idle:
		f.idle(ctx, e)
	case peer.Connect:
		f.connect(ctx, e)
	case peer.Active:
		f.active(ctx, e)
	case peer.OpenSent:
		f.openSent(ctx, e)
	case peer.OpenConfirm:
		f.openConfirm(ctx, e)
	case peer.Established:
		f.established(ctx, e)
	}
}

// idle handles events while the peer is Idle (RFC 4271 §8.2.2.1):
// ManualStart begins a connect-retry cycle and, unless the peer is
// passive, an outbound dial; everything else is ignored.
func (f *FSM) idle(ctx context.Context, e event) {
	// evConnectRetryExpired reaching Idle means a prior session was torn
	// down and ConnectRetryTimer has now elapsed: retry exactly as if
	// ManualStart were reissued.
	if e.kind != evManualStart && e.kind != evConnectRetryExpired {
		return
	}
	f.wheel.ArmConnectRetry()
	if f.Peer.Passive {
		f.transition(peer.Active)
		return
	}
	f.transition(peer.Connect)
	f.dial(ctx)
}

// connect handles events while an outbound dial is in flight
// (RFC 4271 §8.2.2.2).
func (f *FSM) connect(ctx context.Context, e event) {
	switch e.kind {
	case evTCPConnected:
		f.wheel.ConnectRetry.Stop()
		f.adopt(e.conn, false)
		f.openHandshake()
	case evTCPAccepted:
		// Inbound connect while we also have an outbound attempt in
		// flight: hold it pending collision resolution once both sides
		// reach OpenSent (spec.md open question on outbound-only peers).
		f.handleCollisionCandidate(e.conn)
	case evTCPFailed, evConnectRetryExpired:
		f.wheel.ArmConnectRetry()
		f.dial(ctx)
	case evManualStop, evAdminResetHard:
		f.teardown(kindForEvent(e), reasonForEvent(e), e.kind == evAdminResetHard)
	}
}

// active handles events while passively waiting for an inbound
// connection (RFC 4271 §8.2.2.3).
func (f *FSM) active(ctx context.Context, e event) {
	switch e.kind {
	case evTCPAccepted:
		f.adopt(e.conn, true)
		f.wheel.ConnectRetry.Stop()
		f.transition(peer.OpenSent)
		f.openHandshake()
	case evConnectRetryExpired:
		f.wheel.ArmConnectRetry()
	case evManualStop, evAdminResetHard:
		f.teardown(kindForEvent(e), reasonForEvent(e), e.kind == evAdminResetHard)
	}
}

// openHandshake sends our OPEN and arms the large pre-negotiation hold
// timer (4 minutes, spec.md §4.3).
func (f *FSM) openHandshake() {
	f.transition(peer.OpenSent)
	open := f.buildOpen()
	if err := f.send(open); err != nil {
		f.teardownTransport(err)
		return
	}
	f.wheel.ArmHold(largeInitialHoldTime)
}

func (f *FSM) buildOpen() *wire.OpenMessage {
	caps := []wire.Capability{
		wire.NewFourOctetASNCapability(f.LocalAS),
		wire.NewMultiprotocolCapability(wire.IPv4Unicast.AFI, wire.IPv4Unicast.SAFI),
		wire.NewMultiprotocolCapability(wire.IPv6Unicast.AFI, wire.IPv6Unicast.SAFI),
	}
	if f.Peer.AdvertiseRefresh {
		caps = append(caps, wire.NewRouteRefreshCapability())
	}
	myAS := f.LocalAS
	if myAS > 0xffff {
		myAS = 23456 // AS_TRANS
	}
	return &wire.OpenMessage{
		MyAS:          uint16(myAS),
		HoldTime:      f.Peer.HoldTimeSecs,
		BGPIdentifier: f.LocalRouterID,
		Capabilities:  caps,
	}
}

// openSent handles events while we're waiting for the peer's OPEN
// (RFC 4271 §8.2.2.4).
func (f *FSM) openSent(ctx context.Context, e event) {
	switch e.kind {
	case evMessage:
		open, ok := e.msg.(*wire.OpenMessage)
		if !ok {
			f.sendNotification(&wire.NotificationMessage{Code: wire.NotifFSM})
			f.teardown(badFSMKind, "unexpected message in OpenSent", true)
			return
		}
		f.onOpenReceived(open)
	case evTCPAccepted:
		f.handleCollisionCandidate(e.conn)
	case evTCPFailed:
		f.teardownTransport(e.err)
	case evHoldExpired:
		f.teardownHoldExpired()
	case evManualStop, evAdminResetHard:
		f.teardown(kindForEvent(e), reasonForEvent(e), e.kind == evAdminResetHard)
	}
}

func (f *FSM) onOpenReceived(open *wire.OpenMessage) {
	if notifErr := f.validateOpen(open); notifErr != nil {
		f.sendNotification(notifErr)
		f.teardown(wireProtocolKind, "invalid OPEN", true)
		return
	}
	f.mu.Lock()
	f.session.NegotiatedHold = peer.NegotiateHoldTime(f.Peer.HoldTimeSecs, open.HoldTime)
	f.session.FourOctetASN = open.SupportsFourOctetASN()
	f.session.Families = open.Families()
	if len(f.session.Families) == 0 {
		// No Multiprotocol capability: IPv4 unicast is implied (RFC 4760 §8).
		f.session.Families = []wire.AFISAFI{wire.IPv4Unicast}
	}
	f.session.RouteRefresh = open.SupportsRouteRefresh()
	f.session.PeerIdentifier = open.BGPIdentifier
	f.mu.Unlock()

	if f.resolveCollision() {
		return // this leg lost; teardown already issued
	}

	f.wheel.ArmHold(f.Session().NegotiatedHold)
	f.transition(peer.OpenConfirm)
	if err := f.send(&wire.KeepaliveMessage{}); err != nil {
		f.teardownTransport(err)
	}
}

// validateOpen checks the peer's OPEN against our configuration
// (RFC 4271 §6.2); returns the NOTIFICATION to send on failure, or nil.
func (f *FSM) validateOpen(open *wire.OpenMessage) *wire.NotificationMessage {
	remoteAS := open.FourOctetASN()
	if f.Peer.RemoteAS != 0 && remoteAS != f.Peer.RemoteAS {
		return &wire.NotificationMessage{Code: wire.NotifOpen, Subcode: wire.OpenBadPeerAS}
	}
	if open.BGPIdentifier == f.LocalRouterID {
		return &wire.NotificationMessage{Code: wire.NotifOpen, Subcode: wire.OpenBadBGPIdentifier}
	}
	return nil
}

// openConfirm handles events while waiting for the peer's first
// KEEPALIVE (RFC 4271 §8.2.2.5).
func (f *FSM) openConfirm(ctx context.Context, e event) {
	switch e.kind {
	case evMessage:
		switch m := e.msg.(type) {
		case *wire.KeepaliveMessage:
			f.onEstablished()
		case *wire.NotificationMessage:
			f.onNotificationReceived(m)
		default:
			f.sendNotification(&wire.NotificationMessage{Code: wire.NotifFSM})
			f.teardown(badFSMKind, "unexpected message in OpenConfirm", true)
		}
	case evTCPAccepted:
		f.handleCollisionCandidate(e.conn)
	case evTCPFailed:
		f.teardownTransport(e.err)
	case evHoldExpired:
		f.teardownHoldExpired()
	case evKeepaliveExpired:
		f.sendKeepaliveIfStillUp()
	case evManualStop, evAdminResetHard:
		f.teardown(kindForEvent(e), reasonForEvent(e), e.kind == evAdminResetHard)
	}
}

func (f *FSM) onEstablished() {
	f.wheel.ArmHold(f.Session().NegotiatedHold)
	f.transition(peer.Established)
	f.announce()
}

// announce sends a full resync of the Announcer's current Adj-RIB-Out to
// the peer over whatever families were negotiated for this session.
func (f *FSM) announce() {
	if f.Announce == nil {
		return
	}
	s := f.Session()
	var families []wire.AFISAFI
	if s != nil {
		families = s.Families
	}
	for _, upd := range f.Announce.Announcements(f.peerKey(), families) {
		if !f.sendAnnounce(upd, s) {
			return
		}
	}
}

// reconcile sends only the add/withdraw delta needed to bring the peer's
// Adj-RIB-Out in line with the current originated prefix set, used after
// a configuration reload (spec.md §4.9(d)). If the Announcer doesn't
// support Reconciler it falls back to a full resync.
func (f *FSM) reconcile() {
	if f.Announce == nil {
		return
	}
	rec, ok := f.Announce.(Reconciler)
	if !ok {
		f.announce()
		return
	}
	s := f.Session()
	var families []wire.AFISAFI
	if s != nil {
		families = s.Families
	}
	for _, upd := range rec.Reconcile(f.peerKey(), families) {
		if !f.sendAnnounce(upd, s) {
			return
		}
	}
}

// sendAnnounce marks upd AS4-aware according to s's negotiated 4-octet
// ASN capability (spec.md §4.1: "path segments are emitted AS4-aware when
// the peer advertised 4-octet ASN capability, otherwise the legacy
// 2-octet path is emitted") and sends it, tearing the transport down on
// write failure. It reports whether the send succeeded.
func (f *FSM) sendAnnounce(upd *wire.UpdateMessage, s *peer.Session) bool {
	if s != nil {
		upd.SetFourOctetASNs(s.FourOctetASN)
	}
	if err := f.send(upd); err != nil {
		f.teardownTransport(err)
		return false
	}
	return true
}

// established handles events in the steady state (RFC 4271 §8.2.2.6):
// UPDATE is applied to the RIB, ROUTE-REFRESH triggers re-announcement,
// NOTIFICATION or hold expiry tears the session down.
func (f *FSM) established(ctx context.Context, e event) {
	switch e.kind {
	case evMessage:
		switch m := e.msg.(type) {
		case *wire.UpdateMessage:
			f.onUpdateReceived(m)
		case *wire.KeepaliveMessage:
			// resets the hold timer below; no other action.
		case *wire.NotificationMessage:
			f.onNotificationReceived(m)
			return
		case *wire.RouteRefreshMessage:
			f.onRouteRefreshReceived(m)
		default:
			f.sendNotification(&wire.NotificationMessage{Code: wire.NotifFSM})
			f.teardown(badFSMKind, "unexpected message in Established", true)
			return
		}
		f.wheel.ArmHold(f.Session().NegotiatedHold)
	case evTCPAccepted:
		// spec.md §4.3/§4.7: a second connection to an Established peer
		// is always the losing side of a collision.
		e.conn.Close()
	case evTCPFailed:
		f.teardownTransport(e.err)
	case evHoldExpired:
		f.teardownHoldExpired()
	case evKeepaliveExpired:
		f.sendKeepaliveIfStillUp()
	case evAdminResetSoft:
		f.softReset()
	case evReannounce:
		f.reconcile()
	case evManualStop, evAdminResetHard:
		f.teardown(kindForEvent(e), reasonForEvent(e), e.kind == evAdminResetHard)
	}
}

func (f *FSM) onUpdateReceived(m *wire.UpdateMessage) {
	if f.RIB == nil {
		return
	}
	families := f.Session().Families
	family := wire.IPv4Unicast
	if len(families) > 0 {
		family = families[0]
	}
	if m.MPReach != nil {
		family = m.MPReach.Family
	} else if m.MPUnreach != nil {
		family = m.MPUnreach.Family
	}
	if len(m.WithdrawnRoutes) > 0 {
		f.RIB.Withdraw(f.peerKey(), wire.IPv4Unicast, m.WithdrawnRoutes)
	}
	if m.MPUnreach != nil {
		f.RIB.Withdraw(f.peerKey(), m.MPUnreach.Family, m.MPUnreach.NLRI)
	}
	if len(m.NLRI) > 0 || m.MPReach != nil {
		f.RIB.ApplyUpdate(f.peerKey(), family, m)
	}
}

func (f *FSM) onRouteRefreshReceived(m *wire.RouteRefreshMessage) {
	if f.Announce == nil {
		return
	}
	family := wire.AFISAFI{AFI: m.AFI, SAFI: m.SAFI}
	s := f.Session()
	for _, upd := range f.Announce.Announcements(f.peerKey(), []wire.AFISAFI{family}) {
		if !f.sendAnnounce(upd, s) {
			return
		}
	}
}

func (f *FSM) onNotificationReceived(m *wire.NotificationMessage) {
	f.log.WithField("code", m.Code).WithField("subcode", m.Subcode).Info("peer sent NOTIFICATION")
	f.teardown(wireProtocolKind, "peer sent NOTIFICATION", true)
}

func (f *FSM) sendKeepaliveIfStillUp() {
	if err := f.send(&wire.KeepaliveMessage{}); err != nil {
		f.teardownTransport(err)
	}
}

// softReset implements `peer reset --soft`: request ROUTE-REFRESH for
// every negotiated family without altering FSM state (spec.md §4.3).
func (f *FSM) softReset() {
	s := f.Session()
	if s == nil || !s.RouteRefresh {
		return
	}
	for _, fam := range s.Families {
		_ = f.send(&wire.RouteRefreshMessage{AFI: fam.AFI, SAFI: fam.SAFI})
	}
}

// handleCollisionCandidate stores an inbound connection that arrives
// while another leg is still being negotiated, per RFC 4271 §6.8: both
// legs proceed to OpenSent independently and are resolved once both
// have exchanged OPEN.
func (f *FSM) handleCollisionCandidate(conn net.Conn) {
	f.mu.Lock()
	if f.pending != nil {
		f.mu.Unlock()
		conn.Close() // a third concurrent attempt; keep the first candidate
		return
	}
	f.pending = conn
	f.mu.Unlock()
}
