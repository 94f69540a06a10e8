// Package stun discovers the node's WAN address with a STUN Binding request.
package stun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/stun"
	"go.uber.org/zap"

	"github.com/saintparish4/unl/pkg/types"
)

// DefaultServers are public STUN servers tried in order
var DefaultServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// Config configures a Discoverer
type Config struct {
	Servers  []string
	Timeout  time.Duration // per server
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Servers:  DefaultServers,
		Timeout:  3 * time.Second,
		CacheTTL: 5 * time.Minute,
	}
}

// Discoverer resolves and caches the mapped address
type Discoverer struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	cached   types.Endpoint
	cachedAt time.Time
}

// New creates a Discoverer
func New(cfg Config) *Discoverer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{cfg: cfg, clock: clock.New(), logger: logger.Named("stun")}
}

// WithClock replaces the cache clock
func (d *Discoverer) WithClock(c clock.Clock) *Discoverer {
	d.clock = c
	return d
}

// Discover returns the mapped address as seen by the first server that
// answers.
func (d *Discoverer) Discover(ctx context.Context) (types.Endpoint, error) {
	d.mu.Lock()
	if d.cached.IP != "" && d.clock.Since(d.cachedAt) < d.cfg.CacheTTL {
		ep := d.cached
		d.mu.Unlock()
		return ep, nil
	}
	d.mu.Unlock()

	if len(d.cfg.Servers) == 0 {
		return types.Endpoint{}, types.NewOpError("stun", "", errors.New("no servers configured"))
	}

	var lastErr error
	for _, server := range d.cfg.Servers {
		ep, err := d.query(ctx, server)
		if err == nil {
			d.mu.Lock()
			d.cached, d.cachedAt = ep, d.clock.Now()
			d.mu.Unlock()
			d.logger.Debug("mapped address", zap.String("server", server), zap.Stringer("addr", ep))
			return ep, nil
		}
		if ctx.Err() != nil {
			return types.Endpoint{}, ctx.Err()
		}
		d.logger.Debug("server failed", zap.String("server", server), zap.Error(err))
		lastErr = err
	}
	return types.Endpoint{}, lastErr
}

// ExternalIP is Discover reduced to the address
func (d *Discoverer) ExternalIP(ctx context.Context) (string, error) {
	ep, err := d.Discover(ctx)
	if err != nil {
		return "", err
	}
	return ep.IP, nil
}

func (d *Discoverer) query(ctx context.Context, server string) (types.Endpoint, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return types.Endpoint{}, types.NewOpError("resolve", server, err)
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return types.Endpoint{}, types.NewOpError("dial", server, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(d.cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return types.Endpoint{}, types.NewOpError("set_deadline", server, err)
	}

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return types.Endpoint{}, types.NewOpError("build_request", server, err)
	}
	if _, err := req.WriteTo(conn); err != nil {
		return types.Endpoint{}, types.NewOpError("send_request", server, err)
	}

	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return types.Endpoint{}, types.NewOpError("read_response", server, err)
		}
		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			continue
		}
		if res.TransactionID != req.TransactionID {
			continue
		}
		return mappedAddress(res, server)
	}
}

func mappedAddress(res *stun.Message, server string) (types.Endpoint, error) {
	if res.Type != stun.BindingSuccess {
		return types.Endpoint{}, types.NewOpError("parse_response", server, fmt.Errorf("unexpected message type %s", res.Type))
	}
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(res); err == nil {
		return types.Endpoint{IP: xor.IP.String(), Port: xor.Port}, nil
	}
	var mapped stun.MappedAddress
	if err := mapped.GetFrom(res); err != nil {
		return types.Endpoint{}, types.NewOpError("parse_response", server, err)
	}
	return types.Endpoint{IP: mapped.IP.String(), Port: mapped.Port}, nil
}
