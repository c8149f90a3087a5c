package supervisor

import (
	"testing"
	"time"

	"github.com/transitorykris/kbgpd/config"
)

func baseSnapshot() *config.Snapshot {
	return &config.Snapshot{
		Global: config.Global{ASN: 65001, RouterID: "192.0.2.1"},
		Peers: []config.PeerConfig{
			{Name: "keep", Address: "192.0.2.10", RemoteAS: 65010, Passive: true},
			{Name: "modify", Address: "192.0.2.11", RemoteAS: 65011, Passive: true},
			{Name: "remove", Address: "192.0.2.12", RemoteAS: 65012, Passive: true},
		},
	}
}

func TestNewStartsOnePeerPerConfiguredNeighbor(t *testing.T) {
	s, err := New(baseSnapshot())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(s.ListPeers()) != 3 {
		t.Fatalf("expected 3 peers, got %d", len(s.ListPeers()))
	}
}

func TestReloadAppliesAddRemoveModifyDiff(t *testing.T) {
	s, err := New(baseSnapshot())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	next := &config.Snapshot{
		Global: config.Global{ASN: 65001, RouterID: "192.0.2.1"},
		Peers: []config.PeerConfig{
			{Name: "keep", Address: "192.0.2.10", RemoteAS: 65010, Passive: true},
			// modify: session-affecting change (remote_as)
			{Name: "modify", Address: "192.0.2.11", RemoteAS: 65099, Passive: true},
			// new peer
			{Name: "added", Address: "192.0.2.13", RemoteAS: 65013, Passive: true},
			// "remove" is dropped entirely
		},
	}
	if err := s.applyReload(next); err != nil {
		t.Fatalf("applyReload: %v", err)
	}

	// allow the teardown/start goroutines a moment to settle.
	time.Sleep(20 * time.Millisecond)

	peers := s.ListPeers()
	addrs := make(map[string]bool, len(peers))
	for _, p := range peers {
		addrs[p.Address] = true
	}
	if len(peers) != 3 {
		t.Fatalf("expected 3 peers after reload, got %d: %+v", len(peers), peers)
	}
	if !addrs["192.0.2.10"] || !addrs["192.0.2.11"] || !addrs["192.0.2.13"] {
		t.Errorf("unexpected peer set after reload: %+v", addrs)
	}
	if addrs["192.0.2.12"] {
		t.Errorf("expected the removed peer to be gone")
	}

	show, ok := s.ShowPeer("192.0.2.11")
	if !ok {
		t.Fatal("expected the modified peer to still be present")
	}
	if show.RemoteAS != 65099 {
		t.Errorf("expected the modified peer's remote_as to be updated, got %d", show.RemoteAS)
	}
}

func TestResetPeerRejectsUnknownAddress(t *testing.T) {
	s, err := New(baseSnapshot())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.ResetPeer("198.51.100.1", true) {
		t.Error("expected ResetPeer to fail for an unconfigured address")
	}
	if !s.ResetPeer("192.0.2.10", false) {
		t.Error("expected ResetPeer to succeed for a configured address")
	}
}

func TestArchiveStatusReportsDisabledWhenNotConfigured(t *testing.T) {
	s, err := New(baseSnapshot())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	report, err := s.ArchiveStatus()
	if err != nil {
		t.Fatalf("ArchiveStatus: %v", err)
	}
	if report.Enabled {
		t.Error("expected archiving to be reported disabled")
	}
}

func TestRIBOutFallsBackToIPv4WhenNotEstablished(t *testing.T) {
	s, err := New(baseSnapshot())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// no prefixes configured, no session established: should return no
	// announcements without panicking.
	if out := s.RIBOut("192.0.2.10"); len(out) != 0 {
		t.Errorf("expected no announcements with no configured prefixes, got %d", len(out))
	}
}
