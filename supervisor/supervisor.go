// Package supervisor owns the configuration snapshot, the set of live
// peer FSMs, and the archival writer, and applies configuration reloads
// against them (spec.md §4.9).
package supervisor

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/transitorykris/kbgpd/archive"
	"github.com/transitorykris/kbgpd/config"
	"github.com/transitorykris/kbgpd/fsm"
	"github.com/transitorykris/kbgpd/kind"
	"github.com/transitorykris/kbgpd/listener"
	"github.com/transitorykris/kbgpd/network"
	"github.com/transitorykris/kbgpd/peer"
	"github.com/transitorykris/kbgpd/replicate"
	"github.com/transitorykris/kbgpd/rib"
	"github.com/transitorykris/kbgpd/wire"
)

// announcer is the subset of rib's unexported peerAnnouncer that the
// supervisor needs: the fsm.Announcer contract, the ability to record a
// peer's session-local address once it is known, and a side-effect-free
// preview of what a full resync would currently send (for `rib out`).
type announcer interface {
	fsm.Announcer
	SetLocalAddr(peerKey string, addr net.IP)
	Preview(peerKey string, families []wire.AFISAFI) []*wire.UpdateMessage
}

type peerHandle struct {
	fsm    *fsm.FSM
	cancel context.CancelFunc
}

// Supervisor wires one configuration snapshot to a running set of peer
// FSMs, the Adj-RIB-In/Out, and the archival pipeline.
type Supervisor struct {
	mu    sync.RWMutex
	peers map[string]*peerHandle // keyed by peer.Key() (remote address)

	snapshot atomic.Pointer[config.Snapshot]

	localAS       uint32
	localRouterID uint32

	rib       *rib.AdjRIBIn
	adjOut    *rib.AdjRIBOut
	planner   *rib.Planner
	announcer announcer
	writer    *archive.Writer
	queue     *replicate.Queue
	shipEvery time.Duration
	ln        *listener.Listener

	log *logrus.Entry
}

// New builds a Supervisor from an initial, already-validated snapshot. It
// does not start any peers or listeners; call Start for that.
func New(snap *config.Snapshot) (*Supervisor, error) {
	routerID, err := resolveRouterID(snap.Global.RouterID)
	if err != nil {
		return nil, kind.New(kind.ConfigInvalid, "supervisor.New", err)
	}

	s := &Supervisor{
		peers:         make(map[string]*peerHandle),
		localAS:       snap.Global.ASN,
		localRouterID: routerID,
		rib:           rib.NewAdjRIBIn(),
		adjOut:        rib.NewAdjRIBOut(),
		planner:       rib.NewPlanner(snap.Global.ASN),
		log:           logrus.WithField("component", "supervisor"),
	}
	s.announcer = rib.NewAnnouncer(s.planner, s.adjOut)
	s.planner.SetPrefixes(toAnnouncements(snap.Prefixes))
	s.snapshot.Store(snap)

	if snap.Archive.Enabled {
		var dest replicate.Destination
		if len(snap.Archive.Destinations) > 0 {
			dest, err = toDestination(snap.Archive.Destinations[0])
			if err != nil {
				return nil, err
			}
		} else {
			dest = &replicate.LocalDestination{Dir: snap.Archive.Path}
		}
		maxRetries := snap.Archive.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 5
		}
		dbPath := snap.Archive.QueueDBPath
		if dbPath == "" {
			dbPath = snap.Archive.Path + "/queue.db"
		}
		q, err := replicate.Open(dbPath, dest, maxRetries)
		if err != nil {
			return nil, err
		}
		s.queue = q
		s.shipEvery = time.Duration(snap.Archive.ShipIntervalSeconds) * time.Second
		s.writer = archive.NewWriter(archive.Config{
			Dir:             snap.Archive.Path,
			Profile:         archive.ProfileFor(snap.Archive.Profile, snap.Archive.Template),
			Codec:           archive.Codec(snap.Archive.Codec),
			RotateInterval:  time.Duration(snap.Archive.RotateSeconds) * time.Second,
			RotateBytes:     snap.Archive.RotateBytes,
			RotateRecords:   snap.Archive.RotateRecords,
			EventBufferSize: snap.Archive.EventBufferSize,
		}, s.queue)
	}

	for _, pc := range snap.Peers {
		s.startPeer(toPeer(pc))
	}
	return s, nil
}

// Start launches every configured peer FSM, the archival writer, and the
// listener bound to snap.Global.ListenAddr (if Listen is set). It returns
// once everything is running; callers cancel ctx to shut down.
func (s *Supervisor) Start(ctx context.Context) error {
	snap := s.Snapshot()

	s.mu.RLock()
	for _, h := range s.peers {
		h.fsm.ManualStart()
	}
	s.mu.RUnlock()

	if s.writer != nil {
		go func() {
			if err := s.writer.Run(ctx.Done()); err != nil {
				s.log.WithError(err).Error("archive writer stopped")
			}
		}()
	}

	if s.queue != nil {
		go func() {
			if err := s.queue.Run(ctx.Done(), s.shipEvery); err != nil {
				s.log.WithError(err).Error("replication queue stopped")
			}
		}()
	}

	if snap.Global.Listen {
		addr := snap.Global.ListenAddr
		if addr == "" {
			addr = "0.0.0.0:179"
		}
		ln := listener.New(addr, s)
		s.mu.Lock()
		s.ln = ln
		s.mu.Unlock()
		go func() {
			if err := ln.Serve(ctx); err != nil {
				s.log.WithError(err).Error("listener stopped")
			}
		}()
	}
	return nil
}

// Stop issues a clean ManualStop to every peer FSM.
func (s *Supervisor) Stop() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.peers {
		h.fsm.ManualStop()
	}
}

// Snapshot returns the configuration snapshot currently in force.
func (s *Supervisor) Snapshot() *config.Snapshot {
	return s.snapshot.Load()
}

func (s *Supervisor) startPeer(p *peer.Peer) {
	ctx, cancel := context.WithCancel(context.Background())
	f := fsm.New(p, s.localAS, s.localRouterID, s.rib, s.announcer, s.eventSink())
	h := &peerHandle{fsm: f, cancel: cancel}
	s.mu.Lock()
	s.peers[p.Key()] = h
	s.mu.Unlock()
	go f.Run(ctx)
}

func (s *Supervisor) eventSink() fsm.EventSink {
	return &sink{sup: s}
}

// Lookup implements listener.PeerRouter: an inbound connection is routed
// to the FSM configured for its source address.
func (s *Supervisor) Lookup(remote net.IP) (listener.Acceptor, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.peers {
		if h.fsm.Peer.Address.Equal(remote) {
			return h.fsm, h.fsm.Peer.Password, true
		}
	}
	return nil, "", false
}

// Passwords implements listener.PeerRouter: it reports the MD5 key
// configured for every peer that has one, so the listener can pre-bind
// TCP_MD5SIG to its listening socket ahead of any inbound handshake.
func (s *Supervisor) Passwords() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string)
	for _, h := range s.peers {
		if h.fsm.Peer.Password != "" {
			out[h.fsm.Peer.Address.String()] = h.fsm.Peer.Password
		}
	}
	return out
}

func resolveRouterID(raw string) (uint32, error) {
	if raw == "" {
		return network.FindBGPIdentifier()
	}
	ip := net.ParseIP(raw).To4()
	if ip == nil {
		return 0, errors.Errorf("router_id %q is not a valid IPv4 address", raw)
	}
	return binary.BigEndian.Uint32(ip), nil
}
