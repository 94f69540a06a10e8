package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/saintparish4/unl/pkg/sock"
	"github.com/saintparish4/unl/pkg/types"
)

var (
	// ErrRejected is returned when the server answers with ERROR
	ErrRejected = errors.New("rendezvous rejected request")

	// ErrNoTarget is returned when no node matching a candidate is
	// registered on this server
	ErrNoTarget = errors.New("no matching node registered")
)

// DefaultTimeout bounds a request when the context has no deadline
const DefaultTimeout = 10 * time.Second

const pollSlice = 100 * time.Millisecond

// Option configures a Client
type Option func(*Client)

// WithClock sets the local clock used for offset estimation
func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// Client is one connection to a rendezvous server. It is not safe for
// concurrent use.
type Client struct {
	addr   string
	sock   *sock.Sock
	clock  clock.Clock
	offset time.Duration
	logger *zap.Logger
}

// Dial connects to the rendezvous server at addr
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	c := &Client{addr: addr, clock: clock.New(), logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("rendezvous").With(zap.String("server", addr))

	s, err := sock.Dial(ctx, addr, sock.WithBlocking(true), sock.WithLogger(c.logger))
	if err != nil {
		return nil, err
	}
	c.sock = s
	return c, nil
}

// Addr returns the server address
func (c *Client) Addr() string { return c.addr }

// LocalPort returns the local port of the control connection
func (c *Client) LocalPort() int { return c.sock.LocalPort() }

// Offset is server clock minus local clock, as of the last SyncClock
func (c *Client) Offset() time.Duration { return c.offset }

// LocalTime converts a server timestamp to the local clock
func (c *Client) LocalTime(server time.Time) time.Time {
	return server.Add(-c.offset)
}

// Close closes the control connection
func (c *Client) Close() error {
	return c.sock.Close()
}

// Source asks the server which source port it observed for this
// connection. n is an opaque nonce echoed for bookkeeping.
func (c *Client) Source(ctx context.Context, n int) (int, error) {
	if err := c.send(fmt.Sprintf("%s %s %d", VerbSource, proto, n)); err != nil {
		return 0, err
	}
	m, err := c.expect(ctx, VerbRemote)
	if err != nil {
		return 0, err
	}
	if len(m.Args) != 2 {
		return 0, c.malformed(m)
	}
	port, err := strconv.Atoi(m.Args[1])
	if err != nil {
		return 0, c.malformed(m)
	}
	return port, nil
}

// SyncClock estimates the server clock offset from one TIME round trip
func (c *Client) SyncClock(ctx context.Context) (time.Duration, error) {
	sent := c.clock.Now()
	if err := c.send(string(VerbTime)); err != nil {
		return 0, err
	}
	m, err := c.expect(ctx, VerbTime)
	if err != nil {
		return 0, err
	}
	recv := c.clock.Now()
	if len(m.Args) != 1 {
		return 0, c.malformed(m)
	}
	ms, err := strconv.ParseInt(m.Args[0], 10, 64)
	if err != nil {
		return 0, c.malformed(m)
	}
	mid := sent.Add(recv.Sub(sent) / 2)
	c.offset = time.UnixMilli(ms).Sub(mid)
	c.logger.Debug("clock synced", zap.Duration("offset", c.offset), zap.Duration("rtt", recv.Sub(sent)))
	return c.offset, nil
}

// Register announces this node as a punch target reachable on passivePort
func (c *Client) Register(ctx context.Context, passivePort int) error {
	if err := c.send(fmt.Sprintf("%s READY %d", VerbSimultaneous, passivePort)); err != nil {
		return err
	}
	_, err := c.expect(ctx, VerbReady)
	return err
}

// Candidate asks the server to pair us with the registered node at ip
// (and port, when non-zero), offering our predicted ports. It blocks until
// the server schedules the punch.
func (c *Client) Candidate(ctx context.Context, cand Candidate) (Fight, error) {
	if err := c.send(cand.String()); err != nil {
		return Fight{}, err
	}
	m, err := c.expect(ctx, VerbFight)
	if err != nil {
		return Fight{}, err
	}
	return c.fight(m)
}

// NextChallenge waits for the server to push a CHALLENGE
func (c *Client) NextChallenge(ctx context.Context) (Challenge, error) {
	m, err := c.expect(ctx, VerbChallenge)
	if err != nil {
		return Challenge{}, err
	}
	ch, err := ParseChallenge(m)
	if err != nil {
		return Challenge{}, types.NewOpError("challenge", c.addr, err)
	}
	return ch, nil
}

// Accept answers a challenge with our predicted ports and waits for FIGHT
func (c *Client) Accept(ctx context.Context, ch Challenge, ports []int) (Fight, error) {
	if err := c.send(FormatAccept(ch.IP, ports)); err != nil {
		return Fight{}, err
	}
	m, err := c.expect(ctx, VerbFight)
	if err != nil {
		return Fight{}, err
	}
	return c.fight(m)
}

func (c *Client) fight(m Message) (Fight, error) {
	f, err := ParseFight(m)
	if err != nil {
		return Fight{}, types.NewOpError("fight", c.addr, err)
	}
	return f, nil
}

func (c *Client) send(line string) error {
	c.logger.Debug("send", zap.String("line", line))
	return c.sock.SendLine(line)
}

// expect reads lines until one with verb arrives. ERROR ends the wait.
func (c *Client) expect(ctx context.Context, verb Verb) (Message, error) {
	for {
		line, err := c.readLine(ctx)
		if err != nil {
			return Message{}, err
		}
		m, err := Parse(line)
		if err != nil {
			continue
		}
		switch m.Verb {
		case verb:
			return m, nil
		case VerbError:
			reason := ""
			if len(m.Args) > 0 {
				reason = m.Args[0]
			}
			if reason == ReasonNotFound {
				return Message{}, types.NewOpError(string(verb), c.addr, ErrNoTarget)
			}
			return Message{}, types.NewOpError(string(verb), c.addr, fmt.Errorf("%w: %s", ErrRejected, reason))
		default:
			c.logger.Debug("ignoring line", zap.String("line", line), zap.String("want", string(verb)))
		}
	}
}

func (c *Client) readLine(ctx context.Context) (string, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return "", types.NewOpError("recv", c.addr, types.ErrTimeout)
		}
		if wait > pollSlice {
			wait = pollSlice
		}
		line, err := c.sock.RecvLineTimeout(wait)
		if err != nil {
			return "", err
		}
		if line != "" {
			c.logger.Debug("recv", zap.String("line", line))
			return line, nil
		}
	}
}

func (c *Client) malformed(m Message) error {
	return types.NewOpError("parse", c.addr, fmt.Errorf("malformed reply %q", m))
}
