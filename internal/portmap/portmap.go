// Package portmap opens the passive port on the local gateway, trying
// NAT-PMP first and UPnP IGD second.
package portmap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrNoGateway is returned when neither protocol finds a gateway
var ErrNoGateway = errors.New("no port mapping gateway found")

// Config holds configuration for the mapper
type Config struct {
	// Timeout for gateway discovery and each request
	Timeout time.Duration

	// Description shown in the gateway's mapping table (UPnP only)
	Description string

	DisableNATPMP bool
	DisableUPnP   bool

	Logger *zap.Logger
}

// DefaultConfig returns the default mapper configuration
func DefaultConfig() Config {
	return Config{
		Timeout:     3 * time.Second,
		Description: "unl",
	}
}

// protocol is one way of talking to the gateway
type protocol interface {
	name() string
	add(ctx context.Context, internal, external int, lifetime time.Duration) (int, error)
	remove(ctx context.Context, internal, external int) error
	externalIP(ctx context.Context) (net.IP, error)
}

// Mapper keeps TCP port mappings on the gateway
type Mapper struct {
	cfg    Config
	logger *zap.Logger

	// discoverers run in order until one finds a gateway
	discoverers []func(ctx context.Context) (protocol, error)

	mu       sync.Mutex
	proto    protocol
	mappings map[int]int // internal -> external
}

// New creates a mapper. Discovery happens on the first Map.
func New(cfg Config) *Mapper {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Description == "" {
		cfg.Description = def.Description
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	m := &Mapper{
		cfg:      cfg,
		logger:   cfg.Logger.Named("portmap"),
		mappings: make(map[int]int),
	}
	if !cfg.DisableNATPMP {
		m.discoverers = append(m.discoverers, func(context.Context) (protocol, error) {
			return discoverNATPMP(cfg.Timeout)
		})
	}
	if !cfg.DisableUPnP {
		m.discoverers = append(m.discoverers, func(ctx context.Context) (protocol, error) {
			return discoverUPnP(ctx, cfg.Description)
		})
	}
	return m
}

func (m *Mapper) gateway(ctx context.Context) (protocol, error) {
	if m.proto != nil {
		return m.proto, nil
	}
	var errs []error
	for _, discover := range m.discoverers {
		dctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		p, err := discover(dctx)
		cancel()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		m.logger.Info("gateway found", zap.String("protocol", p.name()))
		m.proto = p
		return p, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrNoGateway, errors.Join(errs...))
}

// Map asks the gateway to forward external TCP traffic to port and returns
// the external port granted.
func (m *Mapper) Map(ctx context.Context, port int, lifetime time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.gateway(ctx)
	if err != nil {
		return 0, err
	}
	rctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	external, err := p.add(rctx, port, port, lifetime)
	if err != nil {
		return 0, fmt.Errorf("%s map %d: %w", p.name(), port, err)
	}
	m.mappings[port] = external
	m.logger.Info("port mapped",
		zap.String("protocol", p.name()),
		zap.Int("internal", port),
		zap.Int("external", external),
		zap.Duration("lifetime", lifetime))
	return external, nil
}

// Unmap removes the mapping made for port
func (m *Mapper) Unmap(ctx context.Context, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unmap(ctx, port)
}

func (m *Mapper) unmap(ctx context.Context, port int) error {
	external, ok := m.mappings[port]
	if !ok || m.proto == nil {
		return nil
	}
	delete(m.mappings, port)
	rctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	if err := m.proto.remove(rctx, port, external); err != nil {
		return fmt.Errorf("%s unmap %d: %w", m.proto.name(), port, err)
	}
	return nil
}

// ExternalIP asks the gateway for its public address
func (m *Mapper) ExternalIP(ctx context.Context) (net.IP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.gateway(ctx)
	if err != nil {
		return nil, err
	}
	return p.externalIP(ctx)
}

// Mapped returns the external port for port, if mapped
func (m *Mapper) Mapped(port int) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ext, ok := m.mappings[port]
	return ext, ok
}

// Close removes every mapping
func (m *Mapper) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	for port := range m.mappings {
		err = multierr.Append(err, m.unmap(context.Background(), port))
	}
	return err
}
