// Package listener accepts inbound BGP TCP connections and routes them to
// the matching peer FSM (spec.md §4.7). Exactly one net.Listener exists
// per configured bind address; unknown sources are closed immediately.
package listener

import (
	"context"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Acceptor is satisfied by fsm.FSM: the listener only needs to hand off
// the accepted connection, the FSM decides what to do with it (including
// collision resolution, per spec.md §9's second Open Question).
type Acceptor interface {
	Accept(conn net.Conn)
}

// PeerRouter resolves an inbound remote address to the peer FSM that
// should receive it, and reports whether that peer expects an MD5 key.
type PeerRouter interface {
	Lookup(remote net.IP) (acceptor Acceptor, password string, ok bool)

	// Passwords returns every configured peer address that carries a
	// non-empty MD5 key, keyed by the address as it appears in Lookup.
	// The listener uses this to pre-bind TCP_MD5SIG to its own listening
	// socket, per remote, ahead of any inbound SYN (spec.md §4.7).
	Passwords() map[string]string
}

// Listener binds one TCP socket and dispatches accepted connections
// through a PeerRouter.
type Listener struct {
	addr   string
	router PeerRouter
	log    *logrus.Entry

	mu      sync.Mutex
	ln      net.Listener
	applied map[string]string // remote addr -> password currently bound to ln
}

// New builds a Listener bound to addr (host:port, default port 179 is the
// caller's responsibility to supply).
func New(addr string, router PeerRouter) *Listener {
	return &Listener{addr: addr, router: router, log: logrus.WithField("listen_addr", addr)}
}

// Serve binds the socket, pre-binds TCP-MD5 for every currently
// configured peer password, and accepts connections until ctx is
// cancelled.
func (l *Listener) Serve(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", l.addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	l.SyncMD5(l.router.Passwords())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go l.handle(conn)
	}
}

// SyncMD5 reconciles the TCP_MD5SIG entries bound to the listening
// socket with passwords (peer address -> key): this binds the key to the
// *listening* socket per remote, before any pre-handshake read, rather
// than applying it only after accept (spec.md §4.7: "for inbound flows
// authentication must be pre-bound"). Call it once the listener is bound
// and again after any configuration reload that could have changed peer
// passwords. A no-op until the listening socket exists.
func (l *Listener) SyncMD5(passwords map[string]string) {
	l.mu.Lock()
	ln := l.ln
	prev := l.applied
	l.mu.Unlock()
	if ln == nil {
		return
	}

	next := make(map[string]string, len(passwords))
	for addr, pw := range passwords {
		if pw == "" {
			continue
		}
		ip := net.ParseIP(addr)
		if ip == nil {
			continue
		}
		if err := applyListenerMD5(ln, ip, pw); err != nil {
			l.log.WithField("remote", addr).WithError(err).Warn("failed to bind TCP-MD5 to listening socket")
			continue
		}
		next[addr] = pw
	}
	for addr := range prev {
		if _, ok := next[addr]; ok {
			continue
		}
		if ip := net.ParseIP(addr); ip != nil {
			_ = applyListenerMD5(ln, ip, "") // clears the now-stale entry
		}
	}

	l.mu.Lock()
	l.applied = next
	l.mu.Unlock()
}

func (l *Listener) handle(conn net.Conn) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		conn.Close()
		return
	}
	remote := net.ParseIP(host)
	acceptor, password, ok := l.router.Lookup(remote)
	if !ok {
		l.log.WithField("remote", host).Debug("rejecting connection from unconfigured source")
		conn.Close()
		return
	}
	if password != "" {
		// The listening socket was already pre-bound to authenticate this
		// remote's handshake (SyncMD5); this second application onto the
		// accepted connection is a harmless no-op in the common case and a
		// safety net on kernels/paths where the accepted socket doesn't
		// inherit the listening socket's TCP_MD5SIG state.
		if err := applyMD5(conn, password); err != nil {
			l.log.WithField("remote", host).WithError(err).Warn("failed to apply TCP-MD5 to inbound connection")
			conn.Close()
			return
		}
	}
	acceptor.Accept(conn)
}
