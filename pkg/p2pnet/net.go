// Package p2pnet is the node orchestrator. A Net owns the node's
// configuration, its passive listener, and the table of live connections.
// It is cooperative: inbound connections and finished punches only enter
// the table when the caller pumps it with Poll, Synchronize or All.
package p2pnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/saintparish4/unl/internal/metrics"
	"github.com/saintparish4/unl/pkg/conntable"
	"github.com/saintparish4/unl/pkg/dedup"
	"github.com/saintparish4/unl/pkg/nat"
	"github.com/saintparish4/unl/pkg/netutil"
	"github.com/saintparish4/unl/pkg/relay"
	"github.com/saintparish4/unl/pkg/sock"
	"github.com/saintparish4/unl/pkg/stun"
	"github.com/saintparish4/unl/pkg/types"
	"github.com/saintparish4/unl/pkg/unl"
)

// ErrTooManyConnections is returned when MaxOutbound is reached
var ErrTooManyConnections = errors.New("outbound connection limit reached")

const acceptWindow = 5 * time.Millisecond

// Directory is the peer directory a node advertises to and bootstraps from
type Directory interface {
	unl.Resolver
	Announce(ctx context.Context, rec types.PeerRecord) error
	Bootstrap(ctx context.Context, n int) ([]types.PeerRecord, error)
}

// Mapper opens ports on the local gateway
type Mapper interface {
	Map(ctx context.Context, port int, lifetime time.Duration) (int, error)
	Unmap(ctx context.Context, port int) error
}

type state int

const (
	stateCreated state = iota
	stateStarted
	stateStopped
)

// Option configures a Net
type Option func(*Net)

func WithProber(p Prober) Option { return func(n *Net) { n.prober = p } }
func WithDirectory(d Directory) Option { return func(n *Net) { n.directory = d } }
func WithDiscoverer(d Discoverer) Option { return func(n *Net) { n.discoverer = d } }
func WithMapper(m Mapper) Option { return func(n *Net) { n.mapper = m } }
func WithMetrics(m *metrics.Metrics) Option { return func(n *Net) { n.metrics = m } }
func WithClock(c clock.Clock) Option { return func(n *Net) { n.clock = c } }

// WithDedup shares a seen-message cache, e.g. between nodes in one process
func WithDedup(c *dedup.Cache) Option { return func(n *Net) { n.seen = c } }

// Net is a node
type Net struct {
	mu        sync.Mutex
	cfg       Config
	state     state
	listener  *net.TCPListener
	coord     *unl.Coordinator
	mapped    bool
	listening bool

	table *conntable.Table
	seen  *dedup.Cache
	relay *relay.Client

	prober     Prober
	directory  Directory
	discoverer Discoverer
	mapper     Mapper
	metrics    *metrics.Metrics
	clock      clock.Clock
	logger     *zap.Logger
}

// New validates cfg and creates a node in the created state
func New(cfg Config, opts ...Option) (*Net, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.PeerID == "" {
		cfg.PeerID = uuid.NewString()
	}

	n := &Net{
		cfg:    cfg,
		table:  conntable.New(cfg.DuplicateIPCons.Resolve(cfg.Mode == types.ModeDirect)),
		logger: cfg.Logger.Named("net"),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.clock == nil {
		n.clock = clock.New()
	}
	if n.seen == nil {
		n.seen = dedup.New(cfg.DedupTTL, dedup.WithClock(n.clock))
	}
	if n.prober == nil && len(cfg.RendezvousServers) > 0 {
		pc := nat.DefaultProberConfig(cfg.RendezvousServers...)
		pc.Logger = cfg.Logger
		n.prober = nat.NewProber(pc)
	}
	if n.discoverer == nil {
		sc := stun.DefaultConfig()
		sc.Logger = cfg.Logger
		n.discoverer = stun.New(sc)
	}
	if len(cfg.ForwardingServers) > 0 {
		rc := relay.DefaultClientConfig(cfg.ForwardingServers...)
		rc.Logger = cfg.Logger
		n.relay = relay.NewClient(rc)
	}
	return n, nil
}

// Start normalizes the configuration, binds the passive listener when the
// role accepts connections, and builds the punch coordinator.
func (n *Net) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.state {
	case stateStarted:
		return types.ErrAlreadyStarted
	case stateStopped:
		return types.ErrStopped
	}

	mapped := false
	if n.cfg.PortMapping && n.mapper != nil && n.cfg.PassivePort != 0 {
		if _, err := n.mapper.Map(ctx, n.cfg.PassivePort, n.cfg.PortMappingLifetime); err != nil {
			n.logger.Warn("port mapping failed", zap.Error(err))
		} else {
			mapped = true
		}
	}

	cfg := Normalize(ctx, n.cfg, Probes{Prober: n.prober, Discoverer: n.discoverer, Mapped: mapped})

	var ln *net.TCPListener
	if cfg.Role == types.RolePassive || cfg.Role == types.RoleSimultaneous {
		l, err := net.Listen("tcp", net.JoinHostPort(cfg.PassiveBind, strconv.Itoa(cfg.PassivePort)))
		if err != nil {
			if mapped {
				n.mapper.Unmap(ctx, n.cfg.PassivePort)
			}
			return fmt.Errorf("failed to bind passive listener: %w", err)
		}
		ln = l.(*net.TCPListener)
		cfg.PassivePort = ln.Addr().(*net.TCPAddr).Port
	}

	n.cfg = cfg
	n.listener = ln
	n.mapped = mapped
	n.coord = n.newCoordinator()
	n.table.SetAllowDuplicateIPs(cfg.DuplicateIPCons.Resolve(cfg.Mode == types.ModeDirect))
	n.state = stateStarted

	n.logger.Info("started",
		zap.Stringer("mode", cfg.Mode),
		zap.Stringer("role", cfg.Role),
		zap.Stringer("nat", cfg.NAT),
		zap.String("wan", cfg.WANIP),
		zap.String("lan", cfg.LANIP),
		zap.Int("passive_port", cfg.PassivePort),
		zap.Bool("duplicate_ip_cons", n.table.AllowDuplicateIPs()))
	return nil
}

func (n *Net) newCoordinator() *unl.Coordinator {
	pc := n.cfg.Punch
	if len(pc.Servers) == 0 {
		pc.Servers = n.cfg.RendezvousServers
	}
	if pc.BindIP == "" {
		if ip := net.ParseIP(n.cfg.PassiveBind); ip != nil && !ip.IsUnspecified() {
			pc.BindIP = n.cfg.PassiveBind
		}
	}
	if pc.Clock == nil {
		pc.Clock = n.clock
	}
	if pc.Logger == nil {
		pc.Logger = n.cfg.Logger
	}

	predictor := nat.NewPredictor(n.cfg.NAT, 0, nil)
	if p, ok := n.prober.(interface{ Predictor() *nat.Predictor }); ok {
		if probed := p.Predictor(); probed.Class() != types.NatUnknown {
			predictor = probed
		}
	}
	opts := []unl.Option{
		unl.WithPredictor(predictor),
		unl.WithSockOptions(sock.WithBlocking(false), sock.WithLogger(n.logger)),
	}

	var resolver unl.Resolver
	if n.directory != nil {
		resolver = n.directory
	}
	return unl.New(pc, resolver, opts...)
}

// Stop closes the listener, the coordinator and every connection. A second
// Stop returns types.ErrStopped.
func (n *Net) Stop() error {
	n.mu.Lock()
	switch n.state {
	case stateStopped:
		n.mu.Unlock()
		return types.ErrStopped
	case stateCreated:
		n.state = stateStopped
		n.mu.Unlock()
		return nil
	}
	n.state = stateStopped
	ln, coord, mapped, port := n.listener, n.coord, n.mapped, n.cfg.PassivePort
	n.mapped = false
	n.mu.Unlock()

	// punch callbacks may call back into the Net while coord.Close waits
	var err error
	if ln != nil {
		err = multierr.Append(err, ln.Close())
	}
	if coord != nil {
		err = multierr.Append(err, coord.Close())
		for _, r := range coord.Drain() {
			if r.Conn != nil {
				r.Conn.Close()
			}
		}
	}
	err = multierr.Append(err, n.table.CloseAll())
	if mapped {
		err = multierr.Append(err, n.mapper.Unmap(context.Background(), port))
	}
	n.metrics.SetConnections(0)
	n.logger.Info("stopped")
	return err
}

// AddNode makes one synchronous attempt to connect to addr:port, which is
// declared to have role. Malformed input returns *types.ConfigError; any
// other failure is recoverable.
func (n *Net) AddNode(ctx context.Context, addr string, port int, role types.NodeRole) (*conntable.Connection, error) {
	if !n.Started() {
		return nil, types.ErrNotStarted
	}
	if err := n.ValidateNode(addr, port); err != nil {
		return nil, err
	}
	ep := types.Endpoint{IP: addr, Port: port}
	cfg := n.Config()

	if n.table.Outbound() >= cfg.MaxOutbound {
		return nil, types.NewOpError("connect", ep.String(), ErrTooManyConnections)
	}
	if !n.table.AllowDuplicateIPs() && n.table.HasIP(addr) {
		n.metrics.Duplicate()
		return nil, types.NewOpError("connect", ep.String(), types.ErrDuplicateConnection)
	}

	var (
		conn *conntable.Connection
		err  error
	)
	switch role {
	case types.RoleSimultaneous:
		conn, err = n.UNL().PunchAddress(ctx, addr, port)
		n.metrics.Punch(err == nil)
	case types.RoleActive:
		err = types.NewOpError("connect", ep.String(), types.ErrUnreachable)
	default:
		if port == 0 {
			return nil, &types.ConfigError{Field: "port", Value: "0", Err: types.ErrInvalidPort}
		}
		conn, err = n.dialPassive(ctx, ep, cfg)
	}
	if err != nil {
		n.logger.Debug("add node failed", zap.Stringer("addr", ep), zap.Stringer("role", role), zap.Error(err))
		return nil, err
	}

	if err := n.admit(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (n *Net) dialPassive(ctx context.Context, ep types.Endpoint, cfg Config) (*conntable.Connection, error) {
	s, err := sock.Dial(ctx, ep.String(),
		sock.WithDialTimeout(cfg.ConnectTimeout),
		sock.WithBlocking(false),
		sock.WithLogger(n.logger))
	if err == nil {
		return conntable.NewConnection(s, types.DirOutbound, types.RolePassive), nil
	}
	if !cfg.EnableForwarding || n.relay == nil {
		return nil, err
	}

	n.logger.Debug("direct connect failed, trying forwarding", zap.Stringer("addr", ep), zap.Error(err))
	rs, rerr := n.relay.Dial(ctx, ep.IP, ep.Port)
	if rerr != nil {
		return nil, types.NewOpError("connect", ep.String(), errors.Join(err, rerr))
	}
	rs.SetBlocking(false, 0)
	conn := conntable.NewConnection(rs, types.DirOutbound, types.RolePassive)
	conn.Relayed = true
	return conn, nil
}

// admit adds conn to the table under the duplicate policy
func (n *Net) admit(conn *conntable.Connection) error {
	if err := n.table.Add(conn); err != nil {
		if errors.Is(err, types.ErrDuplicateConnection) {
			n.metrics.Duplicate()
		}
		n.logger.Debug("connection rejected", zap.Stringer("conn", conn), zap.Error(err))
		return err
	}
	n.metrics.Admitted(conn.Direction.String())
	n.metrics.SetConnections(n.table.Len())
	n.logger.Debug("connection admitted", zap.Stringer("conn", conn))
	return nil
}

// ValidateNode rejects targets that cannot be, or must not be, connected
// to. Port 0 means unspecified. This node's own LAN, WAN or bind address is
// accepted only with a port that is set and differs from the passive port.
// Loopback, unspecified, special-purpose and private addresses are rejected
// otherwise.
func (n *Net) ValidateNode(addr string, port int) error {
	ip := net.ParseIP(addr)
	if ip == nil {
		return &types.ConfigError{Field: "address", Value: addr, Err: types.ErrInvalidAddress}
	}
	if port != 0 && !types.ValidPort(port) {
		return &types.ConfigError{Field: "port", Value: strconv.Itoa(port), Err: types.ErrInvalidPort}
	}

	cfg := n.Config()
	if n.isSelf(ip, cfg) {
		if port != 0 && port != cfg.PassivePort {
			return nil
		}
		return &types.ConfigError{Field: "address", Value: addr, Err: types.ErrSelfConnection}
	}
	if ip.IsLoopback() || ip.IsUnspecified() || netutil.IsSpecial(ip) || netutil.IsPrivateIP(ip) {
		return &types.ConfigError{Field: "address", Value: addr, Err: types.ErrInvalidAddress}
	}
	return nil
}

func (n *Net) isSelf(ip net.IP, cfg Config) bool {
	for _, own := range []string{cfg.LANIP, cfg.WANIP, cfg.PassiveBind} {
		o := net.ParseIP(own)
		if o != nil && !o.IsUnspecified() && o.Equal(ip) {
			return true
		}
	}
	return false
}

// Record is what this node advertises about itself
func (n *Net) Record() types.PeerRecord {
	cfg := n.Config()
	ip := cfg.WANIP
	if ip == "" {
		ip = cfg.LANIP
	}
	return types.PeerRecord{
		PeerID: cfg.PeerID,
		IP:     ip,
		Port:   cfg.PassivePort,
		Role:   cfg.Role,
		NAT:    cfg.NAT,
	}
}

// Advertise announces this node to the directory and, for a direct-mode
// simultaneous node, registers with the rendezvous servers so peers can
// punch to it. It returns (nil, nil) when advertising is disabled.
func (n *Net) Advertise(ctx context.Context) (*Net, error) {
	if !n.Started() {
		return nil, types.ErrNotStarted
	}
	cfg := n.Config()
	if adv, _ := Enablement(cfg); !adv {
		return nil, nil
	}

	var err error
	if n.directory != nil {
		if aerr := n.directory.Announce(ctx, n.Record()); aerr != nil {
			err = multierr.Append(err, fmt.Errorf("announce: %w", aerr))
		}
	}

	n.mu.Lock()
	register := cfg.Mode == types.ModeDirect && cfg.Role == types.RoleSimultaneous && !n.listening
	n.mu.Unlock()
	if register {
		registered := false
		for _, server := range n.UNL().Config().Servers {
			if lerr := n.UNL().Listen(ctx, server, cfg.PassivePort); lerr != nil {
				err = multierr.Append(err, fmt.Errorf("register with %s: %w", server, lerr))
				continue
			}
			registered = true
		}
		n.mu.Lock()
		n.listening = registered
		n.mu.Unlock()
	}
	return n, err
}

// Bootstrap asks the directory for peers and connects to the passive ones.
// It returns (nil, nil) when bootstrapping is disabled.
func (n *Net) Bootstrap(ctx context.Context) (*Net, error) {
	if !n.Started() {
		return nil, types.ErrNotStarted
	}
	cfg := n.Config()
	if _, boot := Enablement(cfg); !boot {
		return nil, nil
	}
	if n.directory == nil {
		return n, nil
	}

	recs, err := n.directory.Bootstrap(ctx, cfg.MaxOutbound)
	if err != nil {
		return n, fmt.Errorf("bootstrap: %w", err)
	}
	for _, rec := range recs {
		if rec.PeerID == cfg.PeerID || rec.Role != types.RolePassive {
			continue
		}
		if n.table.Outbound() >= cfg.MaxOutbound {
			break
		}
		if _, err := n.AddNode(ctx, rec.IP, rec.Port, rec.Role); err != nil {
			n.logger.Debug("bootstrap peer skipped", zap.Stringer("peer", rec), zap.Error(err))
		}
	}
	return n, nil
}

// Connect starts an asynchronous punch to peerID. The connection enters
// the table on a later pump.
func (n *Net) Connect(peerID string, events unl.Events) (*unl.PendingPunch, error) {
	if !n.Started() {
		return nil, types.ErrNotStarted
	}
	return n.UNL().Connect(peerID, events), nil
}

// Config returns the current configuration
func (n *Net) Config() Config {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cfg
}

// Started reports whether Start succeeded and Stop has not been called
func (n *Net) Started() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == stateStarted
}

// ListenAddr returns the passive listener address, or "" without one
func (n *Net) ListenAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// PassivePort returns the bound passive port, or the configured one
// before Start
func (n *Net) PassivePort() int {
	return n.Config().PassivePort
}

// UNL returns the punch coordinator; nil before Start
func (n *Net) UNL() *unl.Coordinator {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.coord
}

// Table returns the connection table
func (n *Net) Table() *conntable.Table { return n.table }

func (n *Net) Len() int      { return n.table.Len() }
func (n *Net) Inbound() int  { return n.table.Inbound() }
func (n *Net) Outbound() int { return n.table.Outbound() }

// DuplicateIPCons reports whether several connections per IP are allowed
func (n *Net) DuplicateIPCons() bool { return n.table.AllowDuplicateIPs() }

func (n *Net) EnableAdvertise()  { n.set(func(c *Config) { c.Advertise = types.SwitchOn }) }
func (n *Net) DisableAdvertise() { n.set(func(c *Config) { c.Advertise = types.SwitchOff }) }
func (n *Net) EnableBootstrap()  { n.set(func(c *Config) { c.Bootstrap = types.SwitchOn }) }
func (n *Net) DisableBootstrap() { n.set(func(c *Config) { c.Bootstrap = types.SwitchOff }) }
func (n *Net) EnableForwarding() { n.set(func(c *Config) { c.EnableForwarding = true }) }
func (n *Net) DisableForwarding() {
	n.set(func(c *Config) { c.EnableForwarding = false })
}
func (n *Net) EnableDuplicates()  { n.set(func(c *Config) { c.DuplicateMessages = true }) }
func (n *Net) DisableDuplicates() { n.set(func(c *Config) { c.DuplicateMessages = false }) }

func (n *Net) EnableDuplicateIPCons() {
	n.set(func(c *Config) { c.DuplicateIPCons = types.SwitchOn })
	n.table.SetAllowDuplicateIPs(true)
}

func (n *Net) DisableDuplicateIPCons() {
	n.set(func(c *Config) { c.DuplicateIPCons = types.SwitchOff })
	n.table.SetAllowDuplicateIPs(false)
}

func (n *Net) set(f func(*Config)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	f(&n.cfg)
}
