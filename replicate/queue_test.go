package replicate

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type fakeDestination struct {
	mu      sync.Mutex
	shipped []string
	failN   int // fail this many times before succeeding
}

func (d *fakeDestination) Name() string { return "fake" }

func (d *fakeDestination) Ship(segmentPath, manifestPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failN > 0 {
		d.failN--
		return fmt.Errorf("simulated transient failure")
	}
	d.shipped = append(d.shipped, segmentPath)
	return nil
}

func newTestQueue(t *testing.T, dest Destination, maxRetries int) *Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path, dest, maxRetries)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return q
}

func writeDummyFiles(t *testing.T) (segment, manifest string) {
	t.Helper()
	dir := t.TempDir()
	segment = filepath.Join(dir, "seg.mrt")
	manifest = filepath.Join(dir, "seg.mrt.manifest.json")
	if err := os.WriteFile(segment, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(manifest, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	return segment, manifest
}

func TestEnqueueAndShipSucceeds(t *testing.T) {
	dest := &fakeDestination{}
	q := newTestQueue(t, dest, 5)
	seg, man := writeDummyFiles(t)

	if err := q.Enqueue(seg, man); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.ShipNext(); err != nil {
		t.Fatalf("ShipNext: %v", err)
	}

	status, err := q.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Shipped != 1 || status.Queued != 0 {
		t.Errorf("expected 1 shipped/0 queued, got %+v", status)
	}
}

func TestShipNextRetriesOnTransientFailure(t *testing.T) {
	dest := &fakeDestination{failN: 1}
	q := newTestQueue(t, dest, 5)
	seg, man := writeDummyFiles(t)
	if err := q.Enqueue(seg, man); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := q.ShipNext(); err == nil {
		t.Fatal("expected a ReplicationFailure error on the first attempt")
	}
	status, _ := q.Status()
	if status.Queued != 1 {
		t.Fatalf("expected the row to return to Queued for retry, got %+v", status)
	}

	if err := q.ShipNext(); err != nil {
		t.Fatalf("expected the retry to succeed, got %v", err)
	}
	status, _ = q.Status()
	if status.Shipped != 1 {
		t.Errorf("expected 1 shipped after retry, got %+v", status)
	}
}

func TestShipNextMarksFailedAfterRetryCeiling(t *testing.T) {
	dest := &fakeDestination{failN: 100}
	q := newTestQueue(t, dest, 2)
	seg, man := writeDummyFiles(t)
	if err := q.Enqueue(seg, man); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for i := 0; i < 2; i++ {
		_ = q.ShipNext()
	}
	status, _ := q.Status()
	if status.Failed != 1 {
		t.Errorf("expected the row to be Failed after the retry ceiling, got %+v", status)
	}
}

func TestRecoverInFlightResetsToQueued(t *testing.T) {
	dest := &fakeDestination{}
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path, dest, 5)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	seg, man := writeDummyFiles(t)
	if err := q.Enqueue(seg, man); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.db.Model(&segmentRow{}).Where("segment_path = ?", seg).Update("state", InFlight).Error; err != nil {
		t.Fatalf("forcing InFlight: %v", err)
	}

	if err := q.RecoverInFlight(); err != nil {
		t.Fatalf("RecoverInFlight: %v", err)
	}
	status, err := q.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Queued != 1 || status.InFlight != 0 {
		t.Errorf("expected recovery to reset InFlight to Queued, got %+v", status)
	}
}
