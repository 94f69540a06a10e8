// Package config loads node settings from a TOML file. Keys that are
// absent keep their defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/saintparish4/unl/pkg/p2pnet"
	"github.com/saintparish4/unl/pkg/types"
)

// File mirrors the TOML layout
type File struct {
	Node       Node       `toml:"node"`
	Servers    Servers    `toml:"servers"`
	Punch      Punch      `toml:"punch"`
	PortMap    PortMap    `toml:"portmap"`
	Log        Log        `toml:"log"`
	Metrics    Metrics    `toml:"metrics"`
	Rendezvous Rendezvous `toml:"rendezvous"`
	Directory  Directory  `toml:"directory"`
}

type Node struct {
	PeerID            string               `toml:"peer_id"`
	Mode              types.NetworkingMode `toml:"mode"`
	Role              types.NodeRole       `toml:"role"`
	NAT               types.NatClass       `toml:"nat"`
	WANIP             string               `toml:"wan_ip"`
	LANIP             string               `toml:"lan_ip"`
	PassiveBind       string               `toml:"passive_bind"`
	PassivePort       int                  `toml:"passive_port"`
	Forwarding        bool                 `toml:"forwarding"`
	DuplicateIPCons   types.Switch         `toml:"duplicate_ip_cons"`
	Advertise         types.Switch         `toml:"advertise"`
	Bootstrap         types.Switch         `toml:"bootstrap"`
	DuplicateMessages bool                 `toml:"duplicate_messages"`
	DedupTTL          time.Duration        `toml:"dedup_ttl"`
	MaxOutbound       int                  `toml:"max_outbound"`
	ConnectTimeout    time.Duration        `toml:"connect_timeout"`
}

type Servers struct {
	Rendezvous []string `toml:"rendezvous"`
	Forwarding []string `toml:"forwarding"`
	Directory  string   `toml:"directory"`
}

type Punch struct {
	MaxAttempts    int           `toml:"max_attempts"`
	BackoffBase    time.Duration `toml:"backoff_base"`
	BackoffMax     time.Duration `toml:"backoff_max"`
	RequestTimeout time.Duration `toml:"request_timeout"`
	DirectTimeout  time.Duration `toml:"direct_timeout"`
}

type PortMap struct {
	Enabled  bool          `toml:"enabled"`
	Lifetime time.Duration `toml:"lifetime"`
}

type Log struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

type Metrics struct {
	Addr string `toml:"addr"`
}

type Rendezvous struct {
	Addr string        `toml:"addr"`
	Lead time.Duration `toml:"lead"`
}

type Directory struct {
	Addr         string        `toml:"addr"`
	StaleTimeout time.Duration `toml:"stale_timeout"`
}

// Default returns a file populated with the node defaults
func Default() File {
	net := p2pnet.DefaultConfig()
	return File{
		Node: Node{
			Mode:              net.Mode,
			Role:              net.Role,
			NAT:               net.NAT,
			PassiveBind:       net.PassiveBind,
			PassivePort:       net.PassivePort,
			Forwarding:        net.EnableForwarding,
			DuplicateMessages: net.DuplicateMessages,
			DedupTTL:          net.DedupTTL,
			MaxOutbound:       net.MaxOutbound,
			ConnectTimeout:    net.ConnectTimeout,
		},
		Punch: Punch{
			MaxAttempts:    net.Punch.MaxAttempts,
			BackoffBase:    net.Punch.BackoffBase,
			BackoffMax:     net.Punch.BackoffMax,
			RequestTimeout: net.Punch.RequestTimeout,
			DirectTimeout:  net.Punch.DirectTimeout,
		},
		PortMap: PortMap{Lifetime: net.PortMappingLifetime},
		Log:     Log{Level: "info"},
		Rendezvous: Rendezvous{
			Addr: ":8571",
			Lead: 2 * time.Second,
		},
		Directory: Directory{
			Addr:         ":8572",
			StaleTimeout: 5 * time.Minute,
		},
	}
}

// Parse decodes TOML text over the defaults. Unknown keys are an error.
func Parse(text string) (File, error) {
	f := Default()
	md, err := toml.Decode(text, &f)
	if err != nil {
		var perr toml.ParseError
		if errors.As(err, &perr) {
			return File{}, fmt.Errorf("config: %s", perr.ErrorWithPosition())
		}
		return File{}, fmt.Errorf("config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return File{}, fmt.Errorf("config: unknown keys: %s", strings.Join(keys, ", "))
	}
	return f, nil
}

// Load reads and parses the file at path
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config: %w", err)
	}
	f, err := Parse(string(data))
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// NetConfig converts the file into a node configuration. The logger is
// left for the caller.
func (f File) NetConfig() p2pnet.Config {
	cfg := p2pnet.DefaultConfig()
	n := f.Node
	cfg.PeerID = n.PeerID
	cfg.Mode = n.Mode
	cfg.Role = n.Role
	cfg.NAT = n.NAT
	cfg.WANIP = n.WANIP
	cfg.LANIP = n.LANIP
	cfg.PassiveBind = n.PassiveBind
	cfg.PassivePort = n.PassivePort
	cfg.EnableForwarding = n.Forwarding
	cfg.DuplicateIPCons = n.DuplicateIPCons
	cfg.Advertise = n.Advertise
	cfg.Bootstrap = n.Bootstrap
	cfg.DuplicateMessages = n.DuplicateMessages
	cfg.DedupTTL = n.DedupTTL
	cfg.MaxOutbound = n.MaxOutbound
	cfg.ConnectTimeout = n.ConnectTimeout

	cfg.RendezvousServers = f.Servers.Rendezvous
	cfg.ForwardingServers = f.Servers.Forwarding
	cfg.DirectoryURL = f.Servers.Directory

	cfg.Punch.MaxAttempts = f.Punch.MaxAttempts
	cfg.Punch.BackoffBase = f.Punch.BackoffBase
	cfg.Punch.BackoffMax = f.Punch.BackoffMax
	cfg.Punch.RequestTimeout = f.Punch.RequestTimeout
	cfg.Punch.DirectTimeout = f.Punch.DirectTimeout

	cfg.PortMapping = f.PortMap.Enabled
	cfg.PortMappingLifetime = f.PortMap.Lifetime
	return cfg
}
