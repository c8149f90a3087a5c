// Package peer holds the identity of a configured BGP neighbor and the
// transient session state associated with one connection attempt to it
// (spec.md §3: Peer, Session).
package peer

import (
	"net"
	"time"

	"github.com/transitorykris/kbgpd/wire"
)

// Peer is the durable identity of a configured neighbor. It survives
// across reconnect attempts and configuration reloads that don't touch
// its session-affecting fields.
type Peer struct {
	Name             string
	Address          net.IP
	RemoteAS         uint32
	LocalAS          uint32
	RemotePort       uint16
	HoldTimeSecs     uint16
	ConnectRetrySecs uint16
	Passive          bool
	Password         string
	AdvertiseRefresh bool
}

// Key identifies a Peer uniquely within one configuration generation.
func (p *Peer) Key() string {
	return p.Address.String()
}

// SessionAffecting reports whether changing from old to p requires the
// FSM to be torn down and restarted on reload, per spec.md §4.9(b):
// remote AS, authentication secret, listen/passive flag, or timers.
func (p *Peer) SessionAffecting(old *Peer) bool {
	if old == nil {
		return true
	}
	return p.RemoteAS != old.RemoteAS ||
		p.Password != old.Password ||
		p.Passive != old.Passive ||
		p.HoldTimeSecs != old.HoldTimeSecs ||
		p.ConnectRetrySecs != old.ConnectRetrySecs ||
		p.RemotePort != old.RemotePort
}

// State is one of the six RFC 4271 §8 FSM states.
type State int

const (
	Idle State = iota
	Connect
	Active
	OpenSent
	OpenConfirm
	Established
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connect:
		return "Connect"
	case Active:
		return "Active"
	case OpenSent:
		return "OpenSent"
	case OpenConfirm:
		return "OpenConfirm"
	case Established:
		return "Established"
	default:
		return "Unknown"
	}
}

// Session is the transient transport + protocol state that exists only
// while a Peer's FSM is in Connect/Active/OpenSent/OpenConfirm/Established
// (spec.md §3).
type Session struct {
	LocalAddr      net.Addr
	RemoteAddr     net.Addr
	NegotiatedHold time.Duration
	FourOctetASN   bool
	Families       []wire.AFISAFI
	RouteRefresh   bool
	PeerIdentifier uint32
	StartedAt      time.Time
	Inbound        bool // true if this session came from an accepted TCP connection
}

// NegotiateHoldTime applies RFC 4271 §4.2: the smaller of the two
// offered hold times. No clamping is applied: the caller must have
// already rejected 1 or 2 via the wire codec.
func NegotiateHoldTime(local, remote uint16) time.Duration {
	h := local
	if remote < h {
		h = remote
	}
	return time.Duration(h) * time.Second
}

// KeepaliveInterval returns floor(hold/3), or 0 if hold is 0 (keepalives
// disabled), per spec.md §4.2.
func KeepaliveInterval(hold time.Duration) time.Duration {
	if hold == 0 {
		return 0
	}
	return hold / 3
}
