// Package fsm implements the per-peer BGP-4 finite state machine
// (RFC 4271 §8), one instance per configured neighbor, driven by a
// single-consumer mailbox so a stalled peer can never block another.
//
// The six states (Idle, Connect, Active, OpenSent, OpenConfirm,
// Established) and their event-driven transitions follow RFC 4271 §8.2,
// simplified per the rules in the component design: no DampPeerOscillations,
// no IdleHoldTimer, and no DelayOpen handling (the Wheel's DelayOpen timer
// is never armed by the FSM; OPEN is sent as soon as a connection is up).
package fsm

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/transitorykris/kbgpd/counter"
	"github.com/transitorykris/kbgpd/kind"
	"github.com/transitorykris/kbgpd/peer"
	"github.com/transitorykris/kbgpd/timer"
	"github.com/transitorykris/kbgpd/wire"
)

// RIBWriter is implemented by the RIB store. Only a peer's own FSM ever
// writes into its Adj-RIB-In (spec.md §4.4).
type RIBWriter interface {
	ApplyUpdate(peerKey string, family wire.AFISAFI, u *wire.UpdateMessage)
	Withdraw(peerKey string, family wire.AFISAFI, prefixes []wire.Prefix)
	ClearPeer(peerKey string)
}

// Announcer supplies the outbound UPDATE sequence for a peer once it
// reaches Established, and again on route refresh (spec.md §4.4, §4.3).
// Both cases are full resyncs of the peer's Adj-RIB-Out.
type Announcer interface {
	Announcements(peerKey string, families []wire.AFISAFI) []*wire.UpdateMessage
}

// Reconciler is an optional Announcer capability: instead of a full
// resync it computes the add/withdraw delta against whatever has already
// been transmitted to the peer on its current session (spec.md §3,
// §4.4). The FSM uses it for a reload-triggered reannounce; Announcements
// is used for everything else.
type Reconciler interface {
	Reconcile(peerKey string, families []wire.AFISAFI) []*wire.UpdateMessage
}

// SessionResetter is an optional Announcer capability: it discards any
// per-session Adj-RIB-Out transmitted state recorded for peerKey once its
// session tears down, so the next session starts having announced
// nothing (spec.md §3).
type SessionResetter interface {
	ClearPeer(peerKey string)
}

// EventSink receives confirmed session events in strict per-session
// order, for archival and control-plane observation (spec.md §4.5).
type EventSink interface {
	StateChange(peerKey string, from, to peer.State)
	MessageIn(peerKey string, raw []byte)
	MessageOut(peerKey string, raw []byte)
}

// Dialer opens the outbound TCP connection for a Connect-state attempt.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type netDialer struct{ d net.Dialer }

func (n *netDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return n.d.DialContext(ctx, network, address)
}

type eventKind int

const (
	evManualStart eventKind = iota
	evManualStop
	evTCPConnected // outbound dial succeeded
	evTCPAccepted  // listener handed us an inbound connection
	evTCPFailed    // dial or read/write error
	evMessage      // a decoded wire.Message arrived
	evHoldExpired
	evKeepaliveExpired
	evConnectRetryExpired
	evAdminResetHard
	evAdminResetSoft
	evReannounce
)

type event struct {
	kind eventKind
	conn net.Conn
	msg  wire.Message
	err  error
}

// FSM is one peer's RFC 4271 state machine. Exactly one instance exists
// per configured neighbor (spec.md §3).
type FSM struct {
	Peer          *peer.Peer
	LocalAS       uint32
	LocalRouterID uint32

	RIB      RIBWriter
	Announce Announcer
	Events   EventSink
	Dial     Dialer

	log *logrus.Entry

	mailbox chan event
	done    chan struct{}

	mu      sync.Mutex
	state   peer.State
	session *peer.Session
	conn    net.Conn
	pending net.Conn // the other leg during collision resolution
	wheel   *timer.Wheel

	sent     *counter.Counter
	received *counter.Counter

	readerCancel context.CancelFunc
}

// New builds an Idle FSM for p. rib, ann, and sink may be nil in tests
// that only exercise state transitions.
func New(p *peer.Peer, localAS, localRouterID uint32, rib RIBWriter, ann Announcer, sink EventSink) *FSM {
	f := &FSM{
		Peer:          p,
		LocalAS:       localAS,
		LocalRouterID: localRouterID,
		RIB:           rib,
		Announce:      ann,
		Events:        sink,
		Dial:          &netDialer{},
		mailbox:       make(chan event, 64),
		done:          make(chan struct{}),
		state:         peer.Idle,
		sent:          counter.New(),
		received:      counter.New(),
		log:           logrus.WithField("peer", p.Name).WithField("addr", p.Address.String()),
	}
	connectRetry := time.Duration(p.ConnectRetrySecs) * time.Second
	if connectRetry <= 0 {
		connectRetry = 5 * time.Second
	}
	f.wheel = timer.NewWheel(connectRetry,
		func() { f.post(event{kind: evConnectRetryExpired}) },
		func() { f.post(event{kind: evHoldExpired}) },
		func() { f.post(event{kind: evKeepaliveExpired}) },
		func() {},
	)
	return f
}

// State returns the FSM's current state. Safe for concurrent use.
func (f *FSM) State() peer.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Session returns a snapshot of the current session, or nil if none is
// active.
func (f *FSM) Session() *peer.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return nil
	}
	s := *f.session
	return &s
}

// Counters returns the cumulative sent/received message counts.
func (f *FSM) Counters() (sent, received uint64) {
	return f.sent.Value(), f.received.Value()
}

// Run consumes the mailbox until ctx is cancelled. Every state
// transition happens synchronously inside it (spec.md §5: transitions
// are non-suspending).
func (f *FSM) Run(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			f.teardown(kind.AdministrativeReset, "shutdown", true)
			return
		case e := <-f.mailbox:
			f.handle(ctx, e)
		}
	}
}

func (f *FSM) post(e event) {
	select {
	case f.mailbox <- e:
	case <-f.done:
	}
}

// ManualStart activates the peer (RFC 4271 Event 1).
func (f *FSM) ManualStart() { f.post(event{kind: evManualStart}) }

// ManualStop deactivates the peer (Event 2), sending NOTIFICATION
// Cease/AdministrativeReset via teardown if a session is up; used for
// clean daemon shutdown.
func (f *FSM) ManualStop() { f.post(event{kind: evManualStop}) }

// AdminReset drives an administrative reset. hard tears the session down
// with NOTIFICATION Cease/AdministrativeReset and reschedules
// ConnectRetryTimer; soft triggers a route-refresh exchange only
// (spec.md §4.3).
func (f *FSM) AdminReset(hard bool) {
	if hard {
		f.post(event{kind: evAdminResetHard})
	} else {
		f.post(event{kind: evAdminResetSoft})
	}
}

// Reannounce recomputes and sends the add/withdraw delta needed to bring
// the peer's Adj-RIB-Out in line with the current originated prefix set,
// if the peer is currently Established; used after a configuration
// reload (spec.md §4.9(d)). It is a no-op in every other state, and sends
// nothing at all if the prefix set is unchanged (spec.md §8 idempotence).
func (f *FSM) Reannounce() { f.post(event{kind: evReannounce}) }

// Accept hands the FSM an inbound TCP connection the listener matched to
// this peer (spec.md §4.7, open question: outbound-only peers are
// accepted only outside OpenSent/OpenConfirm/Established).
func (f *FSM) Accept(conn net.Conn) {
	f.post(event{kind: evTCPAccepted, conn: conn})
}

func (f *FSM) peerKey() string { return f.Peer.Key() }

// clearAnnounceSession discards any per-session Adj-RIB-Out transmitted
// state the Announcer is tracking for this peer, if it supports
// SessionResetter; a no-op otherwise.
func (f *FSM) clearAnnounceSession() {
	if sr, ok := f.Announce.(SessionResetter); ok {
		sr.ClearPeer(f.peerKey())
	}
}

func (f *FSM) transition(to peer.State) {
	f.mu.Lock()
	from := f.state
	f.state = to
	f.mu.Unlock()
	if from == to {
		return
	}
	f.log.WithField("from", from).WithField("to", to).Debug("fsm transition")
	if f.Events != nil {
		f.Events.StateChange(f.peerKey(), from, to)
	}
}

// send encodes and writes one message on the current connection,
// restarting the keepalive timer per RFC 4271 §4.4 unless the negotiated
// hold time is 0.
func (f *FSM) send(msg wire.Message) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("fsm: no active connection")
	}
	raw, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if _, err := conn.Write(raw); err != nil {
		return err
	}
	f.sent.Increment()
	if f.Events != nil {
		f.Events.MessageOut(f.peerKey(), raw)
	}
	if msg.Type() != wire.TypeNotification {
		if s := f.Session(); s != nil && s.NegotiatedHold > 0 {
			f.wheel.ArmKeepalive(peer.KeepaliveInterval(s.NegotiatedHold))
		}
	}
	return nil
}

// sendNotification best-efforts a NOTIFICATION onto the wire; failures
// are swallowed since the connection is being torn down regardless.
func (f *FSM) sendNotification(n *wire.NotificationMessage) {
	_ = f.send(n)
}

// dial initiates the outbound TCP connection for a Connect-state peer.
func (f *FSM) dial(ctx context.Context) {
	addr := net.JoinHostPort(f.Peer.Address.String(), portOrDefault(f.Peer.RemotePort))
	go func() {
		conn, err := f.Dial.DialContext(ctx, "tcp", addr)
		if err != nil {
			f.post(event{kind: evTCPFailed, err: err})
			return
		}
		f.post(event{kind: evTCPConnected, conn: conn})
	}()
}

func portOrDefault(p uint16) string {
	if p == 0 {
		p = 179
	}
	return fmt.Sprintf("%d", p)
}

// drop closes the current connection and stops the reader goroutine.
func (f *FSM) drop() {
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.session = nil
	f.mu.Unlock()
	if f.readerCancel != nil {
		f.readerCancel()
		f.readerCancel = nil
	}
	if conn != nil {
		conn.Close()
	}
}

// adopt installs conn as the active connection and starts its reader.
func (f *FSM) adopt(conn net.Conn, inbound bool) {
	ctx, cancel := context.WithCancel(context.Background())
	f.mu.Lock()
	f.conn = conn
	f.readerCancel = cancel
	f.session = &peer.Session{
		LocalAddr:  conn.LocalAddr(),
		RemoteAddr: conn.RemoteAddr(),
		StartedAt:  time.Now(),
		Inbound:    inbound,
	}
	f.mu.Unlock()
	go f.readLoop(ctx, conn)
}

// readLoop decodes one wire message at a time and posts it to the
// mailbox; malformed input or a closed connection post evTCPFailed /
// evMessage(NOTIFICATION) as appropriate.
func (f *FSM) readLoop(ctx context.Context, conn net.Conn) {
	for {
		hdr := make([]byte, wire.HeaderLength)
		if _, err := fillBuffer(conn, hdr); err != nil {
			select {
			case <-ctx.Done():
			default:
				f.post(event{kind: evTCPFailed, err: err})
			}
			return
		}
		h, err := wire.ReadHeader(hdr)
		if err != nil {
			f.postDecodeError(err)
			return
		}
		full := make([]byte, h.Length)
		copy(full, hdr)
		if _, err := fillBuffer(conn, full[wire.HeaderLength:]); err != nil {
			select {
			case <-ctx.Done():
			default:
				f.post(event{kind: evTCPFailed, err: err})
			}
			return
		}
		f.received.Increment()
		if f.Events != nil {
			f.Events.MessageIn(f.peerKey(), full)
		}
		msg, err := wire.Decode(full)
		if err != nil {
			f.postDecodeError(err)
			return
		}
		f.post(event{kind: evMessage, msg: msg})
	}
}

func (f *FSM) postDecodeError(err error) {
	if de, ok := err.(*wire.DecodeError); ok {
		f.sendNotification(wire.ToNotification(de))
	}
	f.post(event{kind: evTCPFailed, err: err})
}

func fillBuffer(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
