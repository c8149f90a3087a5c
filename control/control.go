// Package control serves the stream-oriented request/response protocol
// described in spec.md §4.8/§6: newline-delimited JSON over a local
// socket, one goroutine per connected client (spec.md §5). Requests that
// mutate state are routed through the Supervisor, which serializes them
// (spec.md §4.8: "Requests that mutate state ... are serialized through
// the supervisor").
package control

import (
	"context"
	"encoding/json"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/transitorykris/kbgpd/archive"
	"github.com/transitorykris/kbgpd/rib"
	"github.com/transitorykris/kbgpd/supervisor"
	"github.com/transitorykris/kbgpd/wire"
)

// Request is one newline-delimited JSON object read from a client.
type Request struct {
	Cmd  string `json:"cmd"`
	Addr string `json:"addr,omitempty"`
	Soft bool   `json:"soft,omitempty"`
	Hard bool   `json:"hard,omitempty"`
	Path string `json:"path,omitempty"`
}

// errorBody is the `error` field of a `{"ok":false,...}` envelope.
type errorBody struct {
	Kind string `json:"kind"`
	Msg  string `json:"msg"`
}

// Supervisor is the subset of *supervisor.Supervisor the control endpoint
// drives (spec.md §4.8/§4.9). Declared as an interface so tests can serve
// requests against a fake without standing up real peers and archival
// storage.
type Supervisor interface {
	ListPeers() []supervisor.PeerSummary
	ShowPeer(addr string) (supervisor.PeerSummary, bool)
	ResetPeer(addr string, hard bool) bool
	RIBSummary() []supervisor.RIBSummaryRow
	RIBIn(addr string) []rib.Entry
	RIBOut(addr string) []*wire.UpdateMessage
	ArchiveStatus() (supervisor.ArchiveStatusReport, error)
	ArchiveRollover() (*archive.Manifest, error)
	ArchiveSnapshot() (*archive.Manifest, error)
	Reload(path string) error
	Stop()
}

// Server listens on a local stream socket (Unix domain socket by
// convention; `network`/`addr` are passed through to net.Listen so the
// same code also serves a TCP loopback listener in tests).
type Server struct {
	network string
	addr    string
	sup     Supervisor
	log     *logrus.Entry
}

// New builds a Server bound to addr. network is typically "unix"; pass
// "tcp" to bind a loopback address for tests that cannot create a socket
// file.
func New(network, addr string, sup Supervisor) *Server {
	return &Server{network: network, addr: addr, sup: sup, log: logrus.WithField("component", "control")}
}

// Serve binds the socket and accepts client connections until ctx is
// cancelled. A `stop` request only calls the supervisor's Stop; it does
// not close the listener, which stays open until ctx is cancelled, and
// Serve only returns once the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen(s.network, s.addr)
	if err != nil {
		return err
	}
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
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		if err := s.dispatch(ctx, enc, req); err != nil {
			s.log.WithError(err).WithField("cmd", req.Cmd).Debug("control request failed")
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, enc *json.Encoder, req Request) error {
	switch req.Cmd {
	case "start":
		return writeOK(enc, nil)
	case "stop":
		s.sup.Stop()
		return writeOK(enc, nil)
	case "reload":
		if err := s.sup.Reload(req.Path); err != nil {
			return writeErr(enc, "ConfigInvalid", err.Error())
		}
		return writeOK(enc, nil)
	case "peer list":
		return writeRows(enc, s.sup.ListPeers())
	case "peer show":
		sum, ok := s.sup.ShowPeer(req.Addr)
		if !ok {
			return writeErr(enc, "ControlProtocol", "unknown peer "+req.Addr)
		}
		return writeOK(enc, sum)
	case "peer reset":
		hard := req.Hard || !req.Soft
		if !s.sup.ResetPeer(req.Addr, hard) {
			return writeErr(enc, "ControlProtocol", "unknown peer "+req.Addr)
		}
		return writeOK(enc, nil)
	case "rib summary":
		return writeRows(enc, s.sup.RIBSummary())
	case "rib in":
		return writeRows(enc, s.sup.RIBIn(req.Addr))
	case "rib out":
		return writeRows(enc, s.sup.RIBOut(req.Addr))
	case "archive status":
		report, err := s.sup.ArchiveStatus()
		if err != nil {
			return writeErr(enc, "ReplicationFailure", err.Error())
		}
		return writeOK(enc, report)
	case "archive rollover":
		m, err := s.sup.ArchiveRollover()
		if err != nil {
			return writeErr(enc, "ArchivalBackpressure", err.Error())
		}
		return writeOK(enc, m)
	case "archive snapshot":
		m, err := s.sup.ArchiveSnapshot()
		if err != nil {
			return writeErr(enc, "ArchivalBackpressure", err.Error())
		}
		return writeOK(enc, m)
	default:
		return writeErr(enc, "ControlProtocol", "unknown command "+req.Cmd)
	}
}

func writeOK(enc *json.Encoder, data any) error {
	if data == nil {
		return enc.Encode(map[string]any{"ok": true})
	}
	return enc.Encode(map[string]any{"ok": true, "result": data})
}

func writeErr(enc *json.Encoder, kind, msg string) error {
	return enc.Encode(map[string]any{"ok": false, "error": errorBody{Kind: kind, Msg: msg}})
}

// writeRows emits one `{"type":"row",...}` object per row followed by a
// terminating `{"type":"end"}` (spec.md §6, §4.8).
func writeRows[T any](enc *json.Encoder, rows []T) error {
	for _, r := range rows {
		env := map[string]any{"type": "row"}
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		var fields map[string]any
		if err := json.Unmarshal(b, &fields); err != nil {
			return err
		}
		for k, v := range fields {
			env[k] = v
		}
		if err := enc.Encode(env); err != nil {
			return err
		}
	}
	return enc.Encode(map[string]any{"type": "end"})
}
