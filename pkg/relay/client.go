// Package relay opens forwarded connections through a relay server when a
// direct connection to the target cannot be made.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	rdv "github.com/saintparish4/unl/pkg/rendezvous"
	"github.com/saintparish4/unl/pkg/sock"
	"github.com/saintparish4/unl/pkg/types"
)

// ErrNoServers is returned when no relay server is configured
var ErrNoServers = errors.New("no relay servers configured")

// ClientConfig holds configuration for the relay client
type ClientConfig struct {
	// Relay servers, tried once each in order
	Servers []string

	// Timeout for connecting to a server and receiving its answer
	Timeout time.Duration

	Logger *zap.Logger
}

// DefaultClientConfig returns a configuration with sensible defaults
func DefaultClientConfig(servers ...string) ClientConfig {
	return ClientConfig{
		Servers: servers,
		Timeout: 5 * time.Second,
	}
}

// Client requests relayed connections
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger
}

// NewClient creates a new relay client
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultClientConfig().Timeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, logger: logger.Named("relay")}
}

// Dial asks each server in turn to forward to ip:port. The returned socket
// talks to the target through the server that accepted.
func (c *Client) Dial(ctx context.Context, ip string, port int) (*sock.Sock, error) {
	if len(c.cfg.Servers) == 0 {
		return nil, ErrNoServers
	}
	target := types.Endpoint{IP: ip, Port: port}.String()

	var errs []error
	for _, server := range c.cfg.Servers {
		s, err := c.dialVia(ctx, server, ip, port)
		if err == nil {
			c.logger.Info("relayed connection", zap.String("server", server), zap.String("target", target))
			return s, nil
		}
		c.logger.Debug("relay failed", zap.String("server", server), zap.String("target", target), zap.Error(err))
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, types.NewOpError("relay", target, errors.Join(errs...))
}

func (c *Client) dialVia(ctx context.Context, server, ip string, port int) (*sock.Sock, error) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	s, err := sock.Dial(dctx, server, sock.WithBlocking(true), sock.WithLogger(c.logger))
	if err != nil {
		return nil, err
	}
	if err := s.SendLine(rdv.FormatRelay(ip, port)); err != nil {
		s.Close()
		return nil, err
	}
	line, err := s.RecvLineTimeout(c.cfg.Timeout)
	if err != nil {
		s.Close()
		return nil, err
	}
	switch {
	case line == string(rdv.VerbOK):
		s.SetBlocking(true, 0)
		return s, nil
	case line == "":
		s.Close()
		return nil, types.NewOpError("relay", server, types.ErrTimeout)
	case strings.HasPrefix(line, string(rdv.VerbError)):
		s.Close()
		return nil, types.NewOpError("relay", server, fmt.Errorf("%w: %s", rdv.ErrRejected, strings.TrimSpace(strings.TrimPrefix(line, string(rdv.VerbError)))))
	default:
		s.Close()
		return nil, types.NewOpError("relay", server, fmt.Errorf("unexpected reply %q", line))
	}
}
