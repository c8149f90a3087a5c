package archive

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/transitorykris/kbgpd/peer"
	"github.com/transitorykris/kbgpd/replicate"
)

var droppedEvents = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "kbgpd_archive_events_dropped_total",
	Help: "Archival events dropped because the writer's event buffer was full.",
})

func init() {
	prometheus.MustRegister(droppedEvents)
}

// Config configures Writer's rotation policy and output.
type Config struct {
	Dir             string
	Profile         Profile
	Collector       string
	Codec           Codec
	RotateInterval  time.Duration
	RotateBytes     int64
	RotateRecords   int
	EventBufferSize int
}

// Writer owns one open Segment and the bounded event channel every FSM
// publishes into (spec.md §4.5). It never blocks a session: when the
// channel is full the oldest buffered event is dropped and
// kbgpd_archive_events_dropped_total is incremented (spec.md §7,
// ArchivalBackpressure).
type Writer struct {
	cfg   Config
	queue *replicate.Queue

	mu      sync.Mutex
	events  chan Event
	current *Segment

	log  *logrus.Entry
	done chan struct{}
}

// NewWriter builds a Writer. queue may be nil in tests that only check
// rotation and encoding.
func NewWriter(cfg Config, queue *replicate.Queue) *Writer {
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 4096
	}
	return &Writer{
		cfg:    cfg,
		queue:  queue,
		events: make(chan Event, cfg.EventBufferSize),
		log:    logrus.WithField("component", "archive"),
		done:   make(chan struct{}),
	}
}

// Publish enqueues e without blocking (spec.md §5: "never allowed to apply
// backpressure to the session"). On a full buffer it drops the oldest
// queued event to make room, per spec.md §4.5's drop-oldest policy.
func (w *Writer) Publish(e Event) {
	select {
	case w.events <- e:
		return
	default:
	}
	select {
	case <-w.events:
		droppedEvents.Inc()
	default:
	}
	select {
	case w.events <- e:
	default:
		droppedEvents.Inc()
	}
}

// StateChange implements fsm.EventSink.
func (w *Writer) StateChange(peerKey string, from, to peer.State) {
	w.Publish(Event{PeerKey: peerKey, Kind: StateChange, Timestamp: time.Now(),
		OldState: stateCode(from), NewState: stateCode(to)})
}

// MessageIn implements fsm.EventSink.
func (w *Writer) MessageIn(peerKey string, raw []byte) {
	w.Publish(Event{PeerKey: peerKey, Kind: MessageIn, Raw: raw, Timestamp: time.Now()})
}

// MessageOut implements fsm.EventSink.
func (w *Writer) MessageOut(peerKey string, raw []byte) {
	w.Publish(Event{PeerKey: peerKey, Kind: MessageOut, Raw: raw, Timestamp: time.Now()})
}

// stateCode maps a peer.State to the RFC 4271 §8.2.2 numeric FSM state,
// for the MRT BGP4MP_STATE_CHANGE encoding.
func stateCode(s peer.State) uint16 {
	switch s.String() {
	case "Idle":
		return 1
	case "Connect":
		return 2
	case "Active":
		return 3
	case "OpenSent":
		return 4
	case "OpenConfirm":
		return 5
	case "Established":
		return 6
	default:
		return 1
	}
}

// Run consumes events and writes them to the current segment until stop
// is closed, rotating as configured.
func (w *Writer) Run(stop <-chan struct{}) error {
	defer close(w.done)
	if err := w.openNext(); err != nil {
		return err
	}
	ticker := time.NewTicker(w.rotateInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			_, err := w.rotate()
			return err
		case <-ticker.C:
			if _, err := w.rotate(); err != nil {
				w.log.WithError(err).Error("rotation failed")
			}
		case e := <-w.events:
			if err := w.write(e); err != nil {
				w.log.WithError(err).Error("segment write failed")
			}
		}
	}
}

func (w *Writer) rotateInterval() time.Duration {
	if w.cfg.RotateInterval <= 0 {
		return time.Hour
	}
	return w.cfg.RotateInterval
}

func (w *Writer) write(e Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		if err := w.openNextLocked(); err != nil {
			return err
		}
	}
	if err := w.current.Write(EncodeRecord(e)); err != nil {
		return err
	}
	if w.needsRotateLocked() {
		return w.rotateLocked()
	}
	return nil
}

func (w *Writer) needsRotateLocked() bool {
	s := w.current
	if s == nil {
		return false
	}
	if w.cfg.RotateBytes > 0 && s.ByteCount >= w.cfg.RotateBytes {
		return true
	}
	if w.cfg.RotateRecords > 0 && s.RecordCount >= w.cfg.RotateRecords {
		return true
	}
	return false
}

// Rotate seals the current segment, queues it for replication, and opens
// a fresh one (spec.md §4.5). Used internally by Run's rotation ticker
// and exported for the `archive rollover`/`archive snapshot` control
// commands.
func (w *Writer) Rotate() (*Manifest, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

func (w *Writer) rotate() (*Manifest, error) { return w.Rotate() }

func (w *Writer) rotateLocked() (*Manifest, error) {
	if w.current == nil {
		return nil, nil
	}
	seg := w.current
	w.current = nil
	manifest, err := seg.Seal()
	if err != nil {
		return nil, err
	}
	if w.queue != nil {
		if err := w.queue.Enqueue(seg.Path, ManifestPath(seg.Path)); err != nil {
			w.log.WithError(err).Error("failed to enqueue sealed segment for replication")
		}
	}
	if err := w.openNextLocked(); err != nil {
		return manifest, err
	}
	return manifest, nil
}

func (w *Writer) openNext() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.openNextLocked()
}

func (w *Writer) openNextLocked() error {
	name := w.cfg.Profile.Filename(w.cfg.Collector, "", "", time.Now()) + w.cfg.Codec.Extension()
	path := filepath.Join(w.cfg.Dir, name)
	seg, err := openSegment(path, w.cfg.Codec)
	if err != nil {
		return err
	}
	w.current = seg
	return nil
}

// Current returns the path of the segment presently being written, for
// the `archive status` control command.
func (w *Writer) Current() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil {
		return ""
	}
	return w.current.Path
}
