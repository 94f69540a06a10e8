package types

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Endpoint represents a network endpoint with IP and port
type Endpoint struct {
	IP   string
	Port int
}

// String returns a string representation of the endpoint
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
}

// ParseEndpoint parses "IP:PORT" into an Endpoint
func ParseEndpoint(addr string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, &ConfigError{Field: "endpoint", Value: addr, Err: ErrInvalidAddress}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || !ValidPort(port) {
		return Endpoint{}, &ConfigError{Field: "endpoint", Value: addr, Err: ErrInvalidPort}
	}
	return Endpoint{IP: host, Port: port}, nil
}

// ValidPort reports whether p is a usable TCP port
func ValidPort(p int) bool {
	return p > 0 && p <= 65535
}

// PeerRecord is what the resolver knows about a peer identifier
type PeerRecord struct {
	PeerID string   `json:"peer_id"`
	IP     string   `json:"ip"`
	Port   int      `json:"port"`
	Role   NodeRole `json:"role"`
	NAT    NatClass `json:"nat"`
}

// Endpoint returns the record's address hint
func (r PeerRecord) Endpoint() Endpoint {
	return Endpoint{IP: r.IP, Port: r.Port}
}

func (r PeerRecord) String() string {
	return fmt.Sprintf("%s@%s (%s, %s)", r.PeerID, r.Endpoint(), r.Role, r.NAT)
}

// NetworkingMode governs discovery defaults and duplicate policy
type NetworkingMode int

const (
	ModeP2P NetworkingMode = iota
	ModeDirect
)

func (m NetworkingMode) String() string {
	switch m {
	case ModeP2P:
		return "p2p"
	case ModeDirect:
		return "direct"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses "p2p" or "direct"
func ParseMode(s string) (NetworkingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "p2p":
		return ModeP2P, nil
	case "direct":
		return ModeDirect, nil
	}
	return 0, &ConfigError{Field: "mode", Value: s}
}

func (m NetworkingMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *NetworkingMode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// NodeRole describes how a node participates in connection setup
type NodeRole int

const (
	// RoleUnknown must be resolved by probing before use
	RoleUnknown NodeRole = iota

	// RolePassive listens only
	RolePassive

	// RoleActive connects outbound only
	RoleActive

	// RoleSimultaneous listens and performs coordinated hole punching
	RoleSimultaneous
)

func (r NodeRole) String() string {
	switch r {
	case RoleUnknown:
		return "unknown"
	case RolePassive:
		return "passive"
	case RoleActive:
		return "active"
	case RoleSimultaneous:
		return "simultaneous"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// ParseRole parses a lowercase role name
func ParseRole(s string) (NodeRole, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unknown", "":
		return RoleUnknown, nil
	case "passive":
		return RolePassive, nil
	case "active":
		return RoleActive, nil
	case "simultaneous":
		return RoleSimultaneous, nil
	}
	return RoleUnknown, &ConfigError{Field: "role", Value: s}
}

func (r NodeRole) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *NodeRole) UnmarshalText(b []byte) error {
	v, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// NatClass describes how the local NAT allocates external ports
type NatClass int

const (
	NatUnknown NatClass = iota

	// NatPreserving maps local port N to external port N
	NatPreserving

	// NatDelta allocates external ports with a constant increment
	NatDelta

	// NatRandom allocates unpredictable external ports
	NatRandom
)

func (n NatClass) String() string {
	switch n {
	case NatUnknown:
		return "unknown"
	case NatPreserving:
		return "preserving"
	case NatDelta:
		return "delta"
	case NatRandom:
		return "random"
	default:
		return fmt.Sprintf("nat(%d)", int(n))
	}
}

// ParseNatClass parses a lowercase NAT class name
func ParseNatClass(s string) (NatClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unknown", "":
		return NatUnknown, nil
	case "preserving":
		return NatPreserving, nil
	case "delta":
		return NatDelta, nil
	case "random":
		return NatRandom, nil
	}
	return NatUnknown, &ConfigError{Field: "nat", Value: s}
}

func (n NatClass) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

func (n *NatClass) UnmarshalText(b []byte) error {
	v, err := ParseNatClass(string(b))
	if err != nil {
		return err
	}
	*n = v
	return nil
}

// Switch is a boolean setting that can be left to its computed default
type Switch int

const (
	SwitchDefault Switch = iota
	SwitchOn
	SwitchOff
)

// SwitchOf converts a bool into an explicit switch
func SwitchOf(on bool) Switch {
	if on {
		return SwitchOn
	}
	return SwitchOff
}

// Resolve returns the explicit value, or def when left at default
func (s Switch) Resolve(def bool) bool {
	switch s {
	case SwitchOn:
		return true
	case SwitchOff:
		return false
	default:
		return def
	}
}

func (s Switch) String() string {
	switch s {
	case SwitchOn:
		return "on"
	case SwitchOff:
		return "off"
	default:
		return "default"
	}
}

func (s *Switch) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "", "default":
		*s = SwitchDefault
	case "on", "true", "1", "yes":
		*s = SwitchOn
	case "off", "false", "0", "no":
		*s = SwitchOff
	default:
		return &ConfigError{Field: "switch", Value: string(b)}
	}
	return nil
}

// Direction records which side opened a connection
type Direction int

const (
	DirInbound Direction = iota
	DirOutbound
)

func (d Direction) String() string {
	if d == DirOutbound {
		return "outbound"
	}
	return "inbound"
}
