// Package holepunch performs TCP simultaneous open. A session reserves a
// local port with address reuse enabled, then at an agreed instant both
// listens on it and dials the remote from it. Whichever handshake
// completes first (dialed, accepted or a true simultaneous open) wins.
package holepunch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saintparish4/unl/pkg/types"
)

const (
	// DefaultAttempts is the number of dials per remote endpoint
	DefaultAttempts = 10

	// DefaultInterval between dial attempts
	DefaultInterval = 200 * time.Millisecond

	// DefaultTimeout for one punch once the agreed time arrives
	DefaultTimeout = 10 * time.Second

	// DefaultDialTimeout bounds a single connect
	DefaultDialTimeout = time.Second
)

// ErrNoRemotes is returned when Punch is given nothing to connect to
var ErrNoRemotes = errors.New("no remote endpoints")

// Config holds configuration for a punch
type Config struct {
	Attempts    int
	Interval    time.Duration
	Timeout     time.Duration
	DialTimeout time.Duration
	Clock       clock.Clock
	Logger      *zap.Logger
}

// DefaultConfig returns the default punch configuration
func DefaultConfig() Config {
	return Config{
		Attempts:    DefaultAttempts,
		Interval:    DefaultInterval,
		Timeout:     DefaultTimeout,
		DialTimeout: DefaultDialTimeout,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Attempts <= 0 {
		c.Attempts = def.Attempts
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Session is a reserved local port waiting for its punch
type Session struct {
	cfg      Config
	listener *net.TCPListener
	bindIP   string
	port     int
	logger   *zap.Logger

	closeOnce sync.Once
}

// Prepare binds a reusable listener on bindIP:port. Port 0 picks an
// ephemeral port; LocalPort reports the result.
func Prepare(ctx context.Context, bindIP string, port int, cfg Config) (*Session, error) {
	cfg.normalize()
	lc := net.ListenConfig{Control: reuseControl}
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(bindIP, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare local endpoint: %w", err)
	}
	tcpLn := ln.(*net.TCPListener)
	local := tcpLn.Addr().(*net.TCPAddr)
	return &Session{
		cfg:      cfg,
		listener: tcpLn,
		bindIP:   bindIP,
		port:     local.Port,
		logger:   cfg.Logger.Named("holepunch").With(zap.Int("local_port", local.Port)),
	}, nil
}

// LocalPort returns the reserved port
func (s *Session) LocalPort() int { return s.port }

// Close releases the reserved port. Connections already produced by Punch
// are unaffected.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.listener.Close() })
	return err
}

// Punch waits until at, then races accepting and dialing every remote from
// the reserved port. The first established stream is returned and every
// other one is closed. Once the wait is over the attempt is only bounded by
// Timeout; ctx cancellation is honored only before at.
func (s *Session) Punch(ctx context.Context, remotes []types.Endpoint, at time.Time) (net.Conn, error) {
	defer s.Close()
	if len(remotes) == 0 {
		return nil, ErrNoRemotes
	}

	if wait := at.Sub(s.cfg.Clock.Now()); wait > 0 {
		timer := s.cfg.Clock.Timer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	pctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	allowed := make(map[string]bool, len(remotes))
	for _, r := range remotes {
		allowed[r.IP] = true
	}

	results := make(chan net.Conn, len(remotes)+1)
	g, gctx := errgroup.WithContext(pctx)
	g.Go(func() error { return s.acceptLoop(gctx, allowed, results) })
	for _, r := range remotes {
		g.Go(func() error { return s.dialLoop(gctx, r, results) })
	}

	allDone := make(chan struct{})
	go func() {
		g.Wait()
		close(allDone)
	}()

	var winner net.Conn
	select {
	case winner = <-results:
	case <-allDone:
		// every loop gave up; a result may still have landed just before
		select {
		case winner = <-results:
		default:
		}
	case <-pctx.Done():
	}
	cancel()
	s.Close()

	// close whatever else completed
	go func() {
		<-allDone
		close(results)
		for c := range results {
			c.Close()
		}
	}()

	if winner == nil {
		s.logger.Debug("punch failed", zap.Stringers("remotes", remotes))
		return nil, types.NewOpError("punch", remotes[0].String(), types.ErrTimeout)
	}
	s.logger.Debug("punch succeeded", zap.String("remote", winner.RemoteAddr().String()))
	return winner, nil
}

func (s *Session) acceptLoop(ctx context.Context, allowed map[string]bool, results chan<- net.Conn) error {
	for ctx.Err() == nil {
		if err := s.listener.SetDeadline(time.Now().Add(s.cfg.Interval)); err != nil {
			return nil
		}
		conn, err := s.listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return nil
		}
		ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if !allowed[ip] {
			conn.Close()
			continue
		}
		results <- conn
		return nil
	}
	return nil
}

func (s *Session) dialLoop(ctx context.Context, remote types.Endpoint, results chan<- net.Conn) error {
	dialer := &net.Dialer{
		Timeout:   s.cfg.DialTimeout,
		LocalAddr: &net.TCPAddr{IP: net.ParseIP(s.bindIP), Port: s.port},
		Control:   reuseControl,
	}
	for attempt := 1; attempt <= s.cfg.Attempts; attempt++ {
		conn, err := dialer.DialContext(ctx, "tcp", remote.String())
		if err == nil {
			results <- conn
			return nil
		}
		s.logger.Debug("dial attempt failed", zap.Stringer("remote", remote), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.Interval):
		}
	}
	return nil
}
