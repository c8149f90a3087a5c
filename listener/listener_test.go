package listener

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

type fakeAcceptor struct {
	mu       sync.Mutex
	accepted []net.Conn
}

func (a *fakeAcceptor) Accept(conn net.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accepted = append(a.accepted, conn)
}

func (a *fakeAcceptor) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.accepted)
}

type fakeRouter struct {
	acceptor *fakeAcceptor
	known    map[string]bool
}

func (r *fakeRouter) Lookup(remote net.IP) (Acceptor, string, bool) {
	if remote == nil || !r.known[remote.String()] {
		return nil, "", false
	}
	return r.acceptor, "", true
}

func (r *fakeRouter) Passwords() map[string]string { return nil }

func TestListenerRoutesKnownSource(t *testing.T) {
	acceptor := &fakeAcceptor{}
	router := &fakeRouter{acceptor: acceptor, known: map[string]bool{"127.0.0.1": true}}
	l := New("127.0.0.1:0", router)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	l.addr = ln.Addr().String()
	ln.Close()

	go l.Serve(ctx)
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("tcp", l.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)
	if acceptor.count() != 1 {
		t.Errorf("expected 1 accepted connection, got %d", acceptor.count())
	}
}
