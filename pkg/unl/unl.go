// Package unl negotiates NAT-traversing connections to peers. A peer is
// resolved to a record, and the rendezvous server schedules a simultaneous
// open that both sides execute at the same instant. Passive peers are
// dialed directly.
package unl

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/saintparish4/unl/pkg/conntable"
	"github.com/saintparish4/unl/pkg/holepunch"
	"github.com/saintparish4/unl/pkg/types"
)

// ErrNoServers is returned when a punch is needed but no rendezvous server
// is configured
var ErrNoServers = errors.New("no rendezvous servers configured")

// ErrIncompatibleNAT is returned when both ends have random mappings
var ErrIncompatibleNAT = errors.New("both peers behind random NAT")

// Resolver maps a peer id to its advertised record
type Resolver interface {
	Resolve(ctx context.Context, peerID string) (*types.PeerRecord, error)
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(ctx context.Context, peerID string) (*types.PeerRecord, error)

// Resolve calls f
func (f ResolverFunc) Resolve(ctx context.Context, peerID string) (*types.PeerRecord, error) {
	return f(ctx, peerID)
}

// Events receives the outcome of an asynchronous Connect. Callbacks run on
// the worker goroutine.
type Events interface {
	OnSuccess(conn *conntable.Connection)
	OnFailure(err error)
}

// EventFuncs adapts a pair of functions to Events. Either may be nil.
type EventFuncs struct {
	Success func(conn *conntable.Connection)
	Failure func(err error)
}

// OnSuccess calls Success
func (e EventFuncs) OnSuccess(conn *conntable.Connection) {
	if e.Success != nil {
		e.Success(conn)
	}
}

// OnFailure calls Failure
func (e EventFuncs) OnFailure(err error) {
	if e.Failure != nil {
		e.Failure(err)
	}
}

// Config holds configuration for the coordinator
type Config struct {
	// Rendezvous servers, rotated through on retries
	Servers []string

	// BindIP for punch sessions; empty binds all interfaces
	BindIP string

	// MaxAttempts per Connect
	MaxAttempts int

	// Exponential backoff between attempts
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// RequestTimeout bounds waiting for the server to schedule a punch
	RequestTimeout time.Duration

	// DirectTimeout bounds dialing a passive peer
	DirectTimeout time.Duration

	Punch  holepunch.Config
	Clock  clock.Clock
	Logger *zap.Logger
}

// DefaultConfig returns the default coordinator configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BackoffBase:    time.Second,
		BackoffMax:     10 * time.Second,
		RequestTimeout: 15 * time.Second,
		DirectTimeout:  5 * time.Second,
		Punch:          holepunch.DefaultConfig(),
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.DirectTimeout <= 0 {
		c.DirectTimeout = def.DirectTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Punch.Clock == nil {
		c.Punch.Clock = c.Clock
	}
	if c.Punch.Logger == nil {
		c.Punch.Logger = c.Logger
	}
}

// backoff returns the wait after the given failed attempt (1-based)
func (c *Config) backoff(attempt int) time.Duration {
	d := c.BackoffBase << uint(attempt-1)
	if d <= 0 || d > c.BackoffMax {
		d = c.BackoffMax
	}
	return d
}

// PendingPunch describes a Connect still in flight
type PendingPunch struct {
	ID       string
	PeerID   string
	Server   string
	Attempt  int
	Deadline time.Time
	Started  time.Time
}

// Result is a finished punch. Exactly one of Conn and Err is set.
type Result struct {
	PeerID string
	Conn   *conntable.Connection
	Err    error
}
