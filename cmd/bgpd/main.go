// Command bgpd is the kbgpd daemon entry point (spec.md §4.11): it loads
// a validated configuration snapshot, builds the supervisor, and starts
// the listener, archival writer, and control endpoint, blocking until an
// interrupt or SIGTERM requests a clean shutdown.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/transitorykris/kbgpd/config"
	"github.com/transitorykris/kbgpd/control"
	"github.com/transitorykris/kbgpd/kind"
	"github.com/transitorykris/kbgpd/supervisor"
)

func main() {
	configPath := flag.String("config", "/etc/kbgpd/kbgpd.toml", "path to the TOML configuration file")
	flag.Parse()

	snap, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	if lvl, lerr := logrus.ParseLevel(snap.Global.LogLevel); lerr == nil {
		logrus.SetLevel(lvl)
	}

	sup, err := supervisor.New(snap)
	if err != nil {
		// ConfigInvalid is the only process-fatal error kind (spec.md §7).
		if kind.Is(err, kind.ConfigInvalid) {
			logrus.WithError(err).Fatal("invalid configuration")
		}
		logrus.WithError(err).Fatal("failed to start supervisor")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Start(ctx); err != nil {
		logrus.WithError(err).Fatal("failed to start daemon components")
	}

	if socket := snap.Global.ControlSocket; socket != "" {
		os.Remove(socket)
		srv := control.New("unix", socket, sup)
		go func() {
			if err := srv.Serve(ctx); err != nil {
				logrus.WithError(err).Error("control endpoint stopped")
			}
		}()
	}

	logrus.WithField("asn", snap.Global.ASN).Info("kbgpd started")
	<-ctx.Done()
	logrus.Info("shutting down")
	sup.Stop()
}
