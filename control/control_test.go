package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/transitorykris/kbgpd/config"
	"github.com/transitorykris/kbgpd/supervisor"
)

func testSupervisor(t *testing.T) *supervisor.Supervisor {
	t.Helper()
	snap := &config.Snapshot{
		Global: config.Global{ASN: 65001, RouterID: "192.0.2.1"},
		Peers: []config.PeerConfig{
			{Name: "a", Address: "192.0.2.10", RemoteAS: 65010, Passive: true},
		},
	}
	sup, err := supervisor.New(snap)
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}
	return sup
}

func startServer(t *testing.T, sup Supervisor) (net.Conn, func()) {
	t.Helper()
	srv := New("tcp", "127.0.0.1:0", sup)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handle(ctx, conn)
		}
	}()
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		cancel()
		conn.Close()
		ln.Close()
	}
}

func sendRequest(t *testing.T, conn net.Conn, req Request) []map[string]any {
	t.Helper()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		t.Fatalf("encode request: %v", err)
	}
	var out []map[string]any
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var obj map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &obj); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		out = append(out, obj)
		if obj["type"] == "end" || obj["ok"] != nil {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func TestPeerListStreamsRowsAndEnd(t *testing.T) {
	sup := testSupervisor(t)
	conn, cleanup := startServer(t, sup)
	defer cleanup()

	rows := sendRequest(t, conn, Request{Cmd: "peer list"})
	if len(rows) != 2 {
		t.Fatalf("expected 1 row + end, got %d objects: %v", len(rows), rows)
	}
	if rows[0]["type"] != "row" {
		t.Fatalf("expected first object to be a row, got %v", rows[0])
	}
	if rows[1]["type"] != "end" {
		t.Fatalf("expected terminating end object, got %v", rows[1])
	}
}

func TestPeerShowUnknownAddrReturnsError(t *testing.T) {
	sup := testSupervisor(t)
	conn, cleanup := startServer(t, sup)
	defer cleanup()

	resp := sendRequest(t, conn, Request{Cmd: "peer show", Addr: "203.0.113.1"})
	if len(resp) != 1 {
		t.Fatalf("expected a single error envelope, got %v", resp)
	}
	if ok, _ := resp[0]["ok"].(bool); ok {
		t.Fatalf("expected ok=false, got %v", resp[0])
	}
}

func TestUnknownCommandReturnsControlProtocolError(t *testing.T) {
	sup := testSupervisor(t)
	conn, cleanup := startServer(t, sup)
	defer cleanup()

	resp := sendRequest(t, conn, Request{Cmd: "bogus"})
	if len(resp) != 1 {
		t.Fatalf("expected a single error envelope, got %v", resp)
	}
	errBody, ok := resp[0]["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error field, got %v", resp[0])
	}
	if errBody["kind"] != "ControlProtocol" {
		t.Fatalf("expected ControlProtocol kind, got %v", errBody["kind"])
	}
}

func TestArchiveStatusWhenDisabled(t *testing.T) {
	sup := testSupervisor(t)
	conn, cleanup := startServer(t, sup)
	defer cleanup()

	resp := sendRequest(t, conn, Request{Cmd: "archive status"})
	if len(resp) != 1 || resp[0]["ok"] != true {
		t.Fatalf("expected ok envelope, got %v", resp)
	}
}
