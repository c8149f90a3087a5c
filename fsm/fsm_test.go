package fsm

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/transitorykris/kbgpd/peer"
	"github.com/transitorykris/kbgpd/wire"
)

type fakeSink struct {
	changes []peer.State
}

func (s *fakeSink) StateChange(peerKey string, from, to peer.State) { s.changes = append(s.changes, to) }
func (s *fakeSink) MessageIn(peerKey string, raw []byte)            {}
func (s *fakeSink) MessageOut(peerKey string, raw []byte)           {}

func newTestPeer() *peer.Peer {
	return &peer.Peer{
		Name:             "test-peer",
		Address:          net.ParseIP("192.0.2.2"),
		RemoteAS:         65002,
		HoldTimeSecs:     90,
		ConnectRetrySecs: 5,
		Passive:          true, // avoids needing a real dialer in the happy path
	}
}

// readOneMessage reads exactly one framed BGP message off conn.
func readOneMessage(t *testing.T, conn net.Conn) wire.Message {
	t.Helper()
	hdr := make([]byte, wire.HeaderLength)
	if _, err := readFull(conn, hdr); err != nil {
		t.Fatalf("reading header: %v", err)
	}
	h, err := wire.ReadHeader(hdr)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	full := make([]byte, h.Length)
	copy(full, hdr)
	if _, err := readFull(conn, full[wire.HeaderLength:]); err != nil {
		t.Fatalf("reading body: %v", err)
	}
	msg, err := wire.Decode(full)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return msg
}

func readFull(conn net.Conn, buf []byte) (int, error) {
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

func writeMessage(t *testing.T, conn net.Conn, msg wire.Message) {
	t.Helper()
	raw, err := wire.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := conn.Write(raw); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestEstablishmentHappyPath(t *testing.T) {
	sink := &fakeSink{}
	f := New(newTestPeer(), 65001, 0xC0000201, nil, nil, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	f.ManualStart()
	time.Sleep(20 * time.Millisecond)
	if f.State() != peer.Active {
		t.Fatalf("expected Active after ManualStart on a passive peer, got %v", f.State())
	}

	f.Accept(serverConn)
	time.Sleep(20 * time.Millisecond)
	if f.State() != peer.OpenSent {
		t.Fatalf("expected OpenSent after accept, got %v", f.State())
	}

	// drain our OPEN
	readOneMessage(t, clientConn)

	// send the peer's OPEN
	writeMessage(t, clientConn, &wire.OpenMessage{
		Version:       4,
		MyAS:          65002,
		HoldTime:      90,
		BGPIdentifier: 0xC0000202,
	})
	time.Sleep(20 * time.Millisecond)
	if f.State() != peer.OpenConfirm {
		t.Fatalf("expected OpenConfirm after valid OPEN, got %v", f.State())
	}

	// drain our KEEPALIVE
	readOneMessage(t, clientConn)

	writeMessage(t, clientConn, &wire.KeepaliveMessage{})
	time.Sleep(20 * time.Millisecond)
	if f.State() != peer.Established {
		t.Fatalf("expected Established after peer KEEPALIVE, got %v", f.State())
	}

	found := false
	for _, s := range sink.changes {
		if s == peer.Established {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a StateChange event to Established")
	}
}

func TestBadBGPIdentifierRejected(t *testing.T) {
	f := New(newTestPeer(), 65001, 0xC0000202, nil, nil, nil) // same ID as the peer will send
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	f.ManualStart()
	time.Sleep(20 * time.Millisecond)
	f.Accept(serverConn)
	time.Sleep(20 * time.Millisecond)
	readOneMessage(t, clientConn) // our OPEN

	writeMessage(t, clientConn, &wire.OpenMessage{
		Version:       4,
		MyAS:          65002,
		HoldTime:      90,
		BGPIdentifier: 0xC0000202, // collides with our own router ID
	})
	time.Sleep(20 * time.Millisecond)

	notif := readOneMessage(t, clientConn)
	n, ok := notif.(*wire.NotificationMessage)
	if !ok {
		t.Fatalf("expected NOTIFICATION, got %T", notif)
	}
	if n.Code != wire.NotifOpen || n.Subcode != wire.OpenBadBGPIdentifier {
		t.Errorf("expected OPEN/BadBGPIdentifier, got code=%d subcode=%d", n.Code, n.Subcode)
	}
	if f.State() != peer.Idle {
		t.Errorf("expected Idle after rejected OPEN, got %v", f.State())
	}
}

func TestSoftResetSendsRouteRefresh(t *testing.T) {
	p := newTestPeer()
	p.AdvertiseRefresh = true
	f := New(p, 65001, 0xC0000201, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	f.ManualStart()
	time.Sleep(20 * time.Millisecond)
	f.Accept(serverConn)
	time.Sleep(20 * time.Millisecond)
	readOneMessage(t, clientConn) // our OPEN

	writeMessage(t, clientConn, &wire.OpenMessage{
		Version:       4,
		MyAS:          65002,
		HoldTime:      90,
		BGPIdentifier: 0xC0000202,
		Capabilities:  []wire.Capability{wire.NewRouteRefreshCapability()},
	})
	time.Sleep(20 * time.Millisecond)
	readOneMessage(t, clientConn) // our KEEPALIVE

	writeMessage(t, clientConn, &wire.KeepaliveMessage{})
	time.Sleep(20 * time.Millisecond)
	if f.State() != peer.Established {
		t.Fatalf("expected Established, got %v", f.State())
	}

	f.AdminReset(false) // soft
	time.Sleep(20 * time.Millisecond)

	msg := readOneMessage(t, clientConn)
	if _, ok := msg.(*wire.RouteRefreshMessage); !ok {
		t.Fatalf("expected ROUTE-REFRESH after soft reset, got %T", msg)
	}
	if f.State() != peer.Established {
		t.Errorf("expected soft reset to leave state unchanged, got %v", f.State())
	}
}
