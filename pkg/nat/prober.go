package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saintparish4/unl/pkg/netutil"
	rdv "github.com/saintparish4/unl/pkg/rendezvous"
	"github.com/saintparish4/unl/pkg/types"
)

// ErrNoServers is returned when the prober has no rendezvous server to ask
var ErrNoServers = errors.New("no rendezvous servers configured")

// ProberConfig holds configuration for NAT probing
type ProberConfig struct {
	// Rendezvous servers, tried in order
	Servers []string

	// Samples is the number of SOURCE round trips per probe
	Samples int

	// Timeout for one server's full set of samples
	Timeout time.Duration

	// MaxAge after which a probe result is refreshed
	MaxAge time.Duration

	Logger *zap.Logger
}

// DefaultProberConfig returns a prober configuration with sensible defaults
func DefaultProberConfig(servers ...string) ProberConfig {
	return ProberConfig{
		Servers: servers,
		Samples: 4,
		Timeout: 5 * time.Second,
		MaxAge:  10 * time.Minute,
	}
}

// Probe is the outcome of one NAT classification
type Probe struct {
	Class      types.NatClass
	Delta      int
	Samples    []Sample
	Server     string
	DetectedAt time.Time
}

// IsValid checks if the probe is recent enough to reuse
func (p *Probe) IsValid(maxAge time.Duration) bool {
	if p == nil {
		return false
	}
	return time.Since(p.DetectedAt) < maxAge
}

// RoleInput is what role probing decides on
type RoleInput struct {
	NAT    types.NatClass
	WANIP  string
	Mapped bool
}

// Prober classifies the local NAT by asking rendezvous servers which source
// port they saw for fresh connections.
type Prober struct {
	cfg    ProberConfig
	logger *zap.Logger

	mu   sync.Mutex
	last *Probe
}

// NewProber creates a prober
func NewProber(cfg ProberConfig) *Prober {
	def := DefaultProberConfig()
	if cfg.Samples <= 0 {
		cfg.Samples = def.Samples
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Prober{cfg: cfg, logger: cfg.Logger.Named("nat")}
}

// Detect runs a probe against the first server that answers every sample.
// A recent result is reused.
func (p *Prober) Detect(ctx context.Context) (*Probe, error) {
	p.mu.Lock()
	if p.last.IsValid(p.cfg.MaxAge) {
		last := p.last
		p.mu.Unlock()
		return last, nil
	}
	p.mu.Unlock()

	if len(p.cfg.Servers) == 0 {
		return nil, ErrNoServers
	}

	var errs []error
	for _, server := range p.cfg.Servers {
		samples, err := p.sample(ctx, server)
		if err != nil {
			p.logger.Debug("probe failed", zap.String("server", server), zap.Error(err))
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		class, delta := Classify(samples)
		probe := &Probe{
			Class:      class,
			Delta:      delta,
			Samples:    samples,
			Server:     server,
			DetectedAt: time.Now(),
		}
		p.logger.Info("nat classified",
			zap.Stringer("class", class),
			zap.Int("delta", delta),
			zap.String("server", server))

		p.mu.Lock()
		p.last = probe
		p.mu.Unlock()
		return probe, nil
	}
	return nil, fmt.Errorf("nat probe failed: %w", errors.Join(errs...))
}

func (p *Prober) sample(ctx context.Context, server string) ([]Sample, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	samples := make([]Sample, 0, p.cfg.Samples)
	for i := 0; i < p.cfg.Samples; i++ {
		c, err := rdv.Dial(ctx, server, rdv.WithLogger(p.logger))
		if err != nil {
			return nil, err
		}
		remote, err := c.Source(ctx, i)
		local := c.LocalPort()
		c.Close()
		if err != nil {
			return nil, err
		}
		samples = append(samples, Sample{Local: local, Remote: remote})
	}
	return samples, nil
}

// ProbeNAT returns the NAT class
func (p *Prober) ProbeNAT(ctx context.Context) (types.NatClass, error) {
	probe, err := p.Detect(ctx)
	if err != nil {
		return types.NatUnknown, err
	}
	return probe.Class, nil
}

// ProbeRole decides how this node can be reached
func (p *Prober) ProbeRole(_ context.Context, in RoleInput) (types.NodeRole, error) {
	return DecideRole(in), nil
}

// DecideRole picks passive when the node is reachable as is, either
// through a locally bound WAN address or a port mapping. Otherwise a
// random NAT can only dial out.
func DecideRole(in RoleInput) types.NodeRole {
	if in.Mapped {
		return types.RolePassive
	}
	if ip := net.ParseIP(in.WANIP); ip != nil && netutil.IsLocal(ip) {
		return types.RolePassive
	}
	if in.NAT == types.NatRandom {
		return types.RoleActive
	}
	return types.RoleSimultaneous
}

// Predictor returns a predictor for the last probe, or a local-port
// predictor when nothing has been probed yet.
func (p *Prober) Predictor() *Predictor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return NewPredictor(types.NatUnknown, 0, nil)
	}
	return NewPredictor(p.last.Class, p.last.Delta, p.last.Samples)
}
