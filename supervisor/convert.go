package supervisor

import (
	"context"
	"net"
	"net/netip"

	"github.com/pkg/errors"

	"github.com/transitorykris/kbgpd/config"
	"github.com/transitorykris/kbgpd/kind"
	"github.com/transitorykris/kbgpd/peer"
	"github.com/transitorykris/kbgpd/replicate"
	"github.com/transitorykris/kbgpd/rib"
)

func toPeer(pc config.PeerConfig) *peer.Peer {
	return &peer.Peer{
		Name:             pc.Name,
		Address:          net.ParseIP(pc.Address),
		RemoteAS:         pc.RemoteAS,
		LocalAS:          pc.LocalAS,
		RemotePort:       pc.RemotePort,
		HoldTimeSecs:     pc.HoldTimeSecs,
		ConnectRetrySecs: pc.ConnectRetrySecs,
		Passive:          pc.Passive,
		Password:         pc.Password,
		AdvertiseRefresh: pc.RouteRefresh,
	}
}

func toAnnouncements(prefixes []config.PrefixConfig) []rib.Announcement {
	out := make([]rib.Announcement, 0, len(prefixes))
	for _, pc := range prefixes {
		p, err := netip.ParsePrefix(pc.Network)
		if err != nil {
			continue // already rejected by config.Validate; defensive only
		}
		var nh net.IP
		if pc.NextHop != "" {
			nh = net.ParseIP(pc.NextHop)
		}
		out = append(out, rib.Announcement{Network: p, NextHop: nh})
	}
	return out
}

func toDestination(dc config.DestinationConfig) (replicate.Destination, error) {
	switch dc.Type {
	case "local":
		return &replicate.LocalDestination{Dir: dc.Path}, nil
	case "s3":
		return replicate.NewS3Destination(context.Background(), dc.Bucket, dc.Prefix, dc.Region, dc.Endpoint)
	default:
		return nil, kind.New(kind.ConfigInvalid, "supervisor.toDestination", errors.Errorf("unknown destination type %q", dc.Type))
	}
}
