package p2pnet

import (
	"context"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/saintparish4/unl/pkg/nat"
	"github.com/saintparish4/unl/pkg/netutil"
	"github.com/saintparish4/unl/pkg/types"
	"github.com/saintparish4/unl/pkg/unl"
)

// DefaultPassivePort is the listen port when none is configured
const DefaultPassivePort = 50500

// Config holds a node's networking configuration
type Config struct {
	Mode types.NetworkingMode
	Role types.NodeRole
	NAT  types.NatClass

	// WANIP and LANIP are discovered when empty
	WANIP string
	LANIP string

	// PassiveBind and PassivePort are where the passive listener binds.
	// Port 0 picks an ephemeral port.
	PassiveBind string
	PassivePort int

	// EnableForwarding falls back to forwarding servers when a direct
	// connect to a passive node fails
	EnableForwarding bool

	DuplicateIPCons types.Switch
	Advertise       types.Switch
	Bootstrap       types.Switch

	// DuplicateMessages delivers repeated inbound lines. When false, a line
	// whose content was already received within DedupTTL is dropped.
	DuplicateMessages bool
	DedupTTL          time.Duration

	PeerID            string
	RendezvousServers []string
	ForwardingServers []string
	DirectoryURL      string

	MaxOutbound    int
	ConnectTimeout time.Duration

	// PortMapping asks the gateway to forward the passive port
	PortMapping         bool
	PortMappingLifetime time.Duration

	Punch  unl.Config
	Logger *zap.Logger
}

// DefaultConfig returns the default node configuration
func DefaultConfig() Config {
	return Config{
		Mode:                types.ModeP2P,
		Role:                types.RoleUnknown,
		NAT:                 types.NatUnknown,
		PassiveBind:         "0.0.0.0",
		PassivePort:         DefaultPassivePort,
		EnableForwarding:    true,
		DuplicateMessages:   true,
		DedupTTL:            10 * time.Minute,
		MaxOutbound:         10,
		ConnectTimeout:      5 * time.Second,
		PortMappingLifetime: time.Hour,
		Punch:               unl.DefaultConfig(),
	}
}

// validate rejects malformed fields. Unset durations and limits get
// defaults.
func (c *Config) validate() error {
	def := DefaultConfig()
	if c.PassivePort < 0 || c.PassivePort > 65535 {
		return &types.ConfigError{Field: "passive_port", Value: strconv.Itoa(c.PassivePort), Err: types.ErrInvalidPort}
	}
	if c.PassiveBind == "" {
		c.PassiveBind = def.PassiveBind
	}
	for field, addr := range map[string]string{"passive_bind": c.PassiveBind, "wan_ip": c.WANIP, "lan_ip": c.LANIP} {
		if addr != "" && net.ParseIP(addr) == nil {
			return &types.ConfigError{Field: field, Value: addr, Err: types.ErrInvalidAddress}
		}
	}
	for _, group := range [][]string{c.RendezvousServers, c.ForwardingServers} {
		for _, s := range group {
			if _, err := types.ParseEndpoint(s); err != nil {
				return &types.ConfigError{Field: "server", Value: s, Err: err}
			}
		}
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = def.DedupTTL
	}
	if c.MaxOutbound <= 0 {
		c.MaxOutbound = def.MaxOutbound
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.PortMappingLifetime <= 0 {
		c.PortMappingLifetime = def.PortMappingLifetime
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// Prober resolves unknown NAT classes and roles
type Prober interface {
	ProbeNAT(ctx context.Context) (types.NatClass, error)
	ProbeRole(ctx context.Context, in nat.RoleInput) (types.NodeRole, error)
}

// Discoverer finds the node's public address
type Discoverer interface {
	Discover(ctx context.Context) (types.Endpoint, error)
}

// Probes is what Normalize may consult
type Probes struct {
	Prober     Prober
	Discoverer Discoverer

	// Mapped is true when the gateway forwards the passive port
	Mapped bool
}

// Normalize resolves every unknown in cfg. It discovers missing WAN and
// LAN addresses, probes an unknown NAT class, then an unknown role, then
// downgrades simultaneous to active where punching cannot work and settles
// the duplicate-IP default. A failed probe falls back to the most
// conservative answer. Normalizing twice changes nothing.
func Normalize(ctx context.Context, cfg Config, p Probes) Config {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	if cfg.WANIP == "" && p.Discoverer != nil {
		if ep, err := p.Discoverer.Discover(ctx); err == nil {
			cfg.WANIP = ep.IP
		} else {
			log.Warn("wan discovery failed", zap.Error(err))
		}
	}
	if cfg.LANIP == "" {
		if ip, err := netutil.LANIP(); err == nil {
			cfg.LANIP = ip.String()
		} else {
			log.Warn("lan discovery failed", zap.Error(err))
		}
	}

	if cfg.NAT == types.NatUnknown {
		cfg.NAT = types.NatRandom
		if p.Prober != nil {
			if class, err := p.Prober.ProbeNAT(ctx); err == nil && class != types.NatUnknown {
				cfg.NAT = class
			} else {
				log.Warn("nat probe failed, assuming random", zap.Error(err))
			}
		}
	}

	if cfg.Role == types.RoleUnknown {
		in := nat.RoleInput{NAT: cfg.NAT, WANIP: cfg.WANIP, Mapped: p.Mapped}
		cfg.Role = nat.DecideRole(in)
		if p.Prober != nil {
			if role, err := p.Prober.ProbeRole(ctx, in); err == nil && role != types.RoleUnknown {
				cfg.Role = role
			} else if err != nil {
				log.Warn("role probe failed", zap.Error(err))
			}
		}
	}

	if cfg.Role == types.RoleSimultaneous && (cfg.Mode == types.ModeP2P || cfg.NAT == types.NatRandom) {
		cfg.Role = types.RoleActive
	}

	if cfg.DuplicateIPCons == types.SwitchDefault {
		cfg.DuplicateIPCons = types.SwitchOf(cfg.Mode == types.ModeDirect)
	}
	return cfg
}

// Enablement decides whether advertise and bootstrap run. In p2p mode both
// do. In direct mode nodes advertise unless passive and never bootstrap,
// since peers are added explicitly. An explicit switch always wins.
func Enablement(cfg Config) (advertise, bootstrap bool) {
	switch cfg.Mode {
	case types.ModeP2P:
		advertise, bootstrap = true, true
	default:
		advertise = cfg.Role != types.RolePassive
		bootstrap = false
	}
	return cfg.Advertise.Resolve(advertise), cfg.Bootstrap.Resolve(bootstrap)
}
