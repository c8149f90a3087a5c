// Package config loads and validates the TOML configuration that every
// other component consumes as an immutable, read-shared snapshot
// (spec.md §6, §9).
package config

import (
	"net"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/transitorykris/kbgpd/kind"
)

// Global carries the `[global]` TOML section.
type Global struct {
	ASN           uint32 `toml:"asn"`
	RouterID      string `toml:"router_id"`
	Listen        bool   `toml:"listen"`
	ListenAddr    string `toml:"listen_addr"`
	ControlSocket string `toml:"control_socket"`
	LogLevel      string `toml:"log_level"`
}

// PeerConfig carries one `[[peers]]` entry.
type PeerConfig struct {
	Name             string `toml:"name"`
	Address          string `toml:"address"`
	RemoteAS         uint32 `toml:"remote_as"`
	LocalAS          uint32 `toml:"local_as"`
	RemotePort       uint16 `toml:"remote_port"`
	HoldTimeSecs     uint16 `toml:"hold_time_secs"`
	ConnectRetrySecs uint16 `toml:"connect_retry_secs"`
	Passive          bool   `toml:"passive"`
	Password         string `toml:"password"`
	RouteRefresh     bool   `toml:"route_refresh"`
}

// PrefixConfig carries one `[[prefixes]]` entry.
type PrefixConfig struct {
	Network string `toml:"network"`
	NextHop string `toml:"next_hop"`
}

// DestinationConfig carries one entry of `[archive].destinations`.
type DestinationConfig struct {
	Type     string `toml:"type"` // "local" or "s3"
	Path     string `toml:"path"`
	Bucket   string `toml:"bucket"`
	Prefix   string `toml:"prefix"`
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"`
}

// ArchiveConfig carries the `[archive]` TOML section.
type ArchiveConfig struct {
	Enabled             bool                `toml:"enabled"`
	Profile             string              `toml:"profile"` // RouteViews | RIPE-RIS | custom-template
	Template            string              `toml:"template"`
	Path                string              `toml:"path"`
	RotateSeconds       int                 `toml:"rotate_seconds"`
	RotateBytes         int64               `toml:"rotate_bytes"`
	RotateRecords       int                 `toml:"rotate_records"`
	Codec               string              `toml:"codec"` // none | gzip | bzip2 | zstd
	EventBufferSize     int                 `toml:"event_buffer_size"`
	Destinations        []DestinationConfig `toml:"destinations"`
	QueueDBPath         string              `toml:"queue_db_path"`
	MaxRetries          int                 `toml:"max_retries"`
	ShipIntervalSeconds int                 `toml:"ship_interval_seconds"`
}

// Raw mirrors the TOML document's top-level structure, as parsed.
type Raw struct {
	Global   Global         `toml:"global"`
	Peers    []PeerConfig   `toml:"peers"`
	Prefixes []PrefixConfig `toml:"prefixes"`
	Archive  ArchiveConfig  `toml:"archive"`
}

// Snapshot is the immutable, validated view every in-scope component
// depends on (spec.md §9's "the snapshot is immutable + shared-read").
// A new Snapshot entirely replaces the old one on reload; nothing ever
// mutates a Snapshot in place.
type Snapshot struct {
	Global   Global
	Peers    []PeerConfig
	Prefixes []PrefixConfig
	Archive  ArchiveConfig
}

// Load reads and parses path, then validates the result.
func Load(path string) (*Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, kind.New(kind.ConfigInvalid, "config.Load", errors.Wrap(err, "reading configuration file"))
	}
	var raw Raw
	if err := toml.Unmarshal(b, &raw); err != nil {
		return nil, kind.New(kind.ConfigInvalid, "config.Load", errors.Wrap(err, "parsing TOML"))
	}
	snap := &Snapshot{
		Global:   raw.Global,
		Peers:    raw.Peers,
		Prefixes: raw.Prefixes,
		Archive:  raw.Archive,
	}
	if err := snap.Validate(nil); err != nil {
		return nil, err
	}
	return snap, nil
}

// Validate checks the snapshot for internal consistency. md5Capable, when
// non-nil, is the host capability probe from the listener package
// (spec.md §9: "the core must expose a capability probe so the control
// layer can reject invalid configs early"); passing nil skips the MD5
// check. Load passes nil, so a configuration read from a file is not
// checked against the host's TCP-MD5 support.
func (s *Snapshot) Validate(md5Capable func() bool) error {
	if s.Global.ASN == 0 {
		return kind.New(kind.ConfigInvalid, "config.Validate", errors.New("global.asn is required"))
	}
	// An empty router_id asks the supervisor to autodetect one from a
	// global unicast interface address; anything non-empty must parse.
	if s.Global.RouterID != "" && net.ParseIP(s.Global.RouterID) == nil {
		return kind.New(kind.ConfigInvalid, "config.Validate", errors.Errorf("global.router_id %q is not a valid IP", s.Global.RouterID))
	}

	seen := make(map[string]bool, len(s.Peers))
	needsMD5 := false
	for _, p := range s.Peers {
		if p.Address == "" || net.ParseIP(p.Address) == nil {
			return kind.New(kind.ConfigInvalid, "config.Validate", errors.Errorf("peer %q has an invalid address %q", p.Name, p.Address))
		}
		if seen[p.Address] {
			return kind.New(kind.ConfigInvalid, "config.Validate", errors.Errorf("duplicate peer address %q", p.Address))
		}
		seen[p.Address] = true
		if p.RemoteAS == 0 {
			return kind.New(kind.ConfigInvalid, "config.Validate", errors.Errorf("peer %q is missing remote_as", p.Name))
		}
		if p.HoldTimeSecs != 0 && p.HoldTimeSecs < 3 {
			return kind.New(kind.ConfigInvalid, "config.Validate", errors.Errorf("peer %q hold_time_secs must be 0 or >= 3", p.Name))
		}
		if p.Password != "" {
			needsMD5 = true
		}
	}
	if needsMD5 && md5Capable != nil && !md5Capable() {
		return kind.New(kind.ConfigInvalid, "config.Validate", errors.New("a peer configures an MD5 password but this host does not support TCP_MD5SIG"))
	}

	for _, pfx := range s.Prefixes {
		if _, _, err := net.ParseCIDR(pfx.Network); err != nil {
			return kind.New(kind.ConfigInvalid, "config.Validate", errors.Wrapf(err, "prefix %q is not a valid network", pfx.Network))
		}
		if pfx.NextHop != "" && net.ParseIP(pfx.NextHop) == nil {
			return kind.New(kind.ConfigInvalid, "config.Validate", errors.Errorf("prefix %q has an invalid next_hop %q", pfx.Network, pfx.NextHop))
		}
	}

	if s.Archive.Enabled {
		switch s.Archive.Codec {
		case "", "none", "gzip", "bzip2", "zstd":
		default:
			return kind.New(kind.ConfigInvalid, "config.Validate", errors.Errorf("unknown archive codec %q", s.Archive.Codec))
		}
		switch s.Archive.Profile {
		case "", "RouteViews", "RIPE-RIS", "custom-template":
		default:
			return kind.New(kind.ConfigInvalid, "config.Validate", errors.Errorf("unknown archive profile %q", s.Archive.Profile))
		}
		if s.Archive.Profile == "custom-template" && s.Archive.Template == "" {
			return kind.New(kind.ConfigInvalid, "config.Validate", errors.New("archive.profile=custom-template requires archive.template"))
		}
		for _, d := range s.Archive.Destinations {
			switch d.Type {
			case "local":
				if d.Path == "" {
					return kind.New(kind.ConfigInvalid, "config.Validate", errors.New("local destination requires path"))
				}
			case "s3":
				if d.Bucket == "" {
					return kind.New(kind.ConfigInvalid, "config.Validate", errors.New("s3 destination requires bucket"))
				}
			default:
				return kind.New(kind.ConfigInvalid, "config.Validate", errors.Errorf("unknown destination type %q", d.Type))
			}
		}
	}

	return nil
}
