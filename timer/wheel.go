package timer

import (
	"math/rand"
	"time"
)

// Wheel bundles the four per-session timers RFC 4271 §8 references:
// ConnectRetry, Hold, Keepalive, and DelayOpen. An FSM owns exactly one
// Wheel and arms/disarms its members as it transitions between states.
type Wheel struct {
	ConnectRetry *Timer
	Hold         *Timer
	Keepalive    *Timer
	DelayOpen    *Timer

	connectRetryBase time.Duration
}

// NewWheel builds a disarmed Wheel. connectRetryBase is the nominal
// connect-retry interval before jitter is applied (spec.md §4.3).
func NewWheel(connectRetryBase time.Duration, onConnectRetry, onHold, onKeepalive, onDelayOpen func()) *Wheel {
	return &Wheel{
		ConnectRetry:     New(0, onConnectRetry),
		Hold:             New(0, onHold),
		Keepalive:        New(0, onKeepalive),
		DelayOpen:        New(0, onDelayOpen),
		connectRetryBase: connectRetryBase,
	}
}

// ArmConnectRetry resets the connect-retry timer to its base interval
// plus up to 25% positive jitter, spreading out reconnect storms the way
// a flapping upstream otherwise produces (grounded on the pack's
// gobgp-derived reconnect convention; see SPEC_FULL.md §5).
func (w *Wheel) ArmConnectRetry() {
	jitter := time.Duration(rand.Int63n(int64(w.connectRetryBase) / 4))
	w.ConnectRetry.Reset(w.connectRetryBase + jitter)
}

// ArmHold (re)starts the hold timer at the negotiated hold time. A hold
// time of 0 disarms it per RFC 4271 §4.2.
func (w *Wheel) ArmHold(d time.Duration) {
	w.Hold.Reset(d)
}

// ArmKeepalive (re)starts the keepalive timer, conventionally one third
// of the negotiated hold time (RFC 4271 §4.4).
func (w *Wheel) ArmKeepalive(d time.Duration) {
	w.Keepalive.Reset(d)
}

// ArmDelayOpen (re)starts the optional delay-open timer (RFC 4271 §8,
// DelayOpenTimer).
func (w *Wheel) ArmDelayOpen(d time.Duration) {
	w.DelayOpen.Reset(d)
}

// StopAll disarms every timer in the wheel, used on transition back to Idle.
func (w *Wheel) StopAll() {
	w.ConnectRetry.Stop()
	w.Hold.Stop()
	w.Keepalive.Stop()
	w.DelayOpen.Stop()
}
