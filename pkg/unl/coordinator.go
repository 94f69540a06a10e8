package unl

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saintparish4/unl/pkg/conntable"
	"github.com/saintparish4/unl/pkg/holepunch"
	"github.com/saintparish4/unl/pkg/nat"
	rdv "github.com/saintparish4/unl/pkg/rendezvous"
	"github.com/saintparish4/unl/pkg/sock"
	"github.com/saintparish4/unl/pkg/types"
)

const resultBuffer = 64

// Option configures a Coordinator
type Option func(*Coordinator)

// WithPredictor sets the port predictor used for candidate ports
func WithPredictor(p *nat.Predictor) Option {
	return func(c *Coordinator) { c.predictor = p }
}

// WithSockOptions applies opts to every Sock the coordinator creates
func WithSockOptions(opts ...sock.Option) Option {
	return func(c *Coordinator) { c.sockOpts = append(c.sockOpts, opts...) }
}

// Coordinator runs punch negotiations. Connect and Listen work in the
// background and report through Events and Results; PunchAddress is
// synchronous.
type Coordinator struct {
	cfg       Config
	resolver  Resolver
	predictor *nat.Predictor
	sockOpts  []sock.Option
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*PendingPunch
	closed  bool

	results chan Result
}

// New creates a coordinator. resolver may be nil when only PunchAddress and
// Listen are used.
func New(cfg Config, resolver Resolver, opts ...Option) *Coordinator {
	cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:      cfg,
		resolver: resolver,
		logger:   cfg.Logger.Named("unl"),
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]*PendingPunch),
		results:  make(chan Result, resultBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the normalized configuration
func (c *Coordinator) Config() Config { return c.cfg }

// Connect starts negotiating a connection to peerID and returns at once.
// events may be nil. Callbacks always run on a coordinator goroutine, also
// when the coordinator is already closed.
func (c *Coordinator) Connect(peerID string, events Events) *PendingPunch {
	now := c.cfg.Clock.Now()
	p := &PendingPunch{
		ID:      uuid.NewString(),
		PeerID:  peerID,
		Started: now,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		snapshot := *p
		go c.finish(p, events, nil, types.ErrStopped)
		return &snapshot
	}
	c.pending[p.ID] = p
	snapshot := *p
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		conn, err := c.run(p)
		c.finish(p, events, conn, err)
	}()
	return &snapshot
}

func (c *Coordinator) run(p *PendingPunch) (*conntable.Connection, error) {
	log := c.logger.With(zap.String("peer", p.PeerID), zap.String("punch", p.ID))
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		server := c.server(attempt)
		c.mu.Lock()
		p.Attempt = attempt
		p.Server = server
		p.Deadline = c.cfg.Clock.Now().Add(c.cfg.RequestTimeout + c.cfg.Punch.Timeout)
		c.mu.Unlock()

		conn, err := c.attempt(c.ctx, p.PeerID, server)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Debug("attempt failed", zap.Int("attempt", attempt), zap.String("server", server), zap.Error(err))

		// a miss on one server or resolver may succeed on the next attempt
		if c.ctx.Err() != nil || errors.Is(err, ErrIncompatibleNAT) {
			break
		}
		if attempt < c.cfg.MaxAttempts {
			timer := c.cfg.Clock.Timer(c.cfg.backoff(attempt))
			select {
			case <-timer.C:
			case <-c.ctx.Done():
				timer.Stop()
				return nil, c.ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("connect %s failed after %d attempts: %w", p.PeerID, p.Attempt, lastErr)
}

func (c *Coordinator) server(attempt int) string {
	if len(c.cfg.Servers) == 0 {
		return ""
	}
	return c.cfg.Servers[(attempt-1)%len(c.cfg.Servers)]
}

func (c *Coordinator) finish(p *PendingPunch, events Events, conn *conntable.Connection, err error) {
	c.mu.Lock()
	delete(c.pending, p.ID)
	c.mu.Unlock()

	if err != nil {
		c.logger.Info("connect failed", zap.String("peer", p.PeerID), zap.Error(err))
		if events != nil {
			events.OnFailure(err)
		}
	} else {
		c.logger.Info("connected", zap.String("peer", p.PeerID), zap.Stringer("conn", conn))
		if events != nil {
			events.OnSuccess(conn)
		}
	}
	c.publish(Result{PeerID: p.PeerID, Conn: conn, Err: err})
}

// publish hands r to the pump. A result nobody will collect is discarded
// and its connection closed.
func (c *Coordinator) publish(r Result) {
	select {
	case c.results <- r:
	default:
		c.logger.Warn("result dropped", zap.String("peer", r.PeerID))
		if r.Conn != nil {
			r.Conn.Close()
		}
	}
}

func (c *Coordinator) attempt(ctx context.Context, peerID, server string) (*conntable.Connection, error) {
	if c.resolver == nil {
		return nil, types.NewOpError("resolve", peerID, types.ErrNotFound)
	}
	rec, err := c.resolver.Resolve(ctx, peerID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, types.NewOpError("resolve", peerID, types.ErrNotFound)
	}

	if rec.Role == types.RolePassive {
		return c.direct(ctx, rec.Endpoint())
	}
	if rec.Role == types.RoleActive {
		return nil, types.NewOpError("connect", rec.Endpoint().String(), types.ErrUnreachable)
	}
	if !nat.Punchable(c.predictor.Class(), rec.NAT) {
		return nil, types.NewOpError("connect", rec.Endpoint().String(), ErrIncompatibleNAT)
	}
	if server == "" {
		return nil, ErrNoServers
	}
	return c.punch(ctx, server, rec.IP, rec.Port)
}

func (c *Coordinator) direct(ctx context.Context, ep types.Endpoint) (*conntable.Connection, error) {
	opts := append([]sock.Option{sock.WithDialTimeout(c.cfg.DirectTimeout), sock.WithLogger(c.logger)}, c.sockOpts...)
	s, err := sock.Dial(ctx, ep.String(), opts...)
	if err != nil {
		return nil, err
	}
	return conntable.NewConnection(s, types.DirOutbound, types.RolePassive), nil
}

// punch asks server to pair us with the registered node at ip:port and
// executes the scheduled simultaneous open.
func (c *Coordinator) punch(ctx context.Context, server, ip string, port int) (*conntable.Connection, error) {
	cl, err := rdv.Dial(ctx, server, rdv.WithClock(c.cfg.Clock), rdv.WithLogger(c.logger))
	if err != nil {
		return nil, err
	}
	defer cl.Close()

	if _, err := cl.SyncClock(ctx); err != nil {
		return nil, err
	}

	sess, err := holepunch.Prepare(ctx, c.cfg.BindIP, 0, c.cfg.Punch)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	ports := c.predictor.Predict(sess.LocalPort())
	rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	fight, err := cl.Candidate(rctx, rdv.Candidate{IP: ip, Port: port, Ports: ports})
	if err != nil {
		return nil, err
	}
	// committed: the peer punches at the scheduled time regardless
	return c.execute(context.WithoutCancel(ctx), cl, sess, fight, types.DirOutbound)
}

// execute runs the punch a FIGHT scheduled and wraps the winner
func (c *Coordinator) execute(ctx context.Context, cl *rdv.Client, sess *holepunch.Session, fight rdv.Fight, dir types.Direction) (*conntable.Connection, error) {
	remotes := make([]types.Endpoint, 0, len(fight.Ports))
	for _, p := range fight.Ports {
		remotes = append(remotes, types.Endpoint{IP: fight.IP, Port: p})
	}
	at := cl.LocalTime(fight.At)
	c.logger.Debug("punch scheduled",
		zap.String("ip", fight.IP),
		zap.Ints("ports", fight.Ports),
		zap.Time("at", at),
		zap.Int("local_port", sess.LocalPort()))

	conn, err := sess.Punch(ctx, remotes, at)
	if err != nil {
		return nil, err
	}
	opts := append([]sock.Option{sock.WithLogger(c.logger)}, c.sockOpts...)
	return conntable.NewConnection(sock.New(conn, opts...), dir, types.RoleSimultaneous), nil
}

// PunchAddress runs one synchronous simultaneous open against the node
// registered at ip (and port, when non-zero), trying each server once.
func (c *Coordinator) PunchAddress(ctx context.Context, ip string, port int) (*conntable.Connection, error) {
	if len(c.cfg.Servers) == 0 {
		return nil, types.NewOpError("punch", ip, ErrNoServers)
	}
	var errs []error
	for _, server := range c.cfg.Servers {
		conn, err := c.punch(ctx, server, ip, port)
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	target := types.Endpoint{IP: ip, Port: port}
	return nil, types.NewOpError("punch", target.String(), errors.Join(errs...))
}

// Pending returns a snapshot of punches in flight, oldest first
func (c *Coordinator) Pending() []PendingPunch {
	c.mu.Lock()
	out := make([]PendingPunch, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, *p)
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b PendingPunch) int {
		if n := a.Started.Compare(b.Started); n != 0 {
			return n
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// PendingCount returns the number of punches in flight
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Results delivers finished punches
func (c *Coordinator) Results() <-chan Result { return c.results }

// Drain returns every result ready now without blocking
func (c *Coordinator) Drain() []Result {
	var out []Result
	for {
		select {
		case r := <-c.results:
			out = append(out, r)
		default:
			return out
		}
	}
}

// Close cancels negotiations that have not reached their scheduled punch
// and waits for the workers. Punches already scheduled run to their
// timeout.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	return nil
}

func (c *Coordinator) track() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}
