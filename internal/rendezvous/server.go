// Package rendezvous is a development rendezvous and relay server for the
// line protocol in pkg/rendezvous. It keeps all state in memory.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	rdv "github.com/saintparish4/unl/pkg/rendezvous"
	"github.com/saintparish4/unl/pkg/sock"
)

// Config holds server configuration options.
type Config struct {
	Addr             string
	Lead             time.Duration // delay between ACCEPT and the scheduled punch
	RelayDialTimeout time.Duration
	DisableRelay     bool
	Clock            clock.Clock
	Logger           *zap.Logger
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:             ":8571",
		Lead:             2 * time.Second,
		RelayDialTimeout: 5 * time.Second,
	}
}

// Server matches punch candidates with registered nodes and schedules the
// simultaneous open.
type Server struct {
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	sessions map[*session]struct{}
	closed   bool
	wg       sync.WaitGroup
}

type session struct {
	conn net.Conn
	sock *sock.Sock
	ip   string

	writeMu sync.Mutex

	// guarded by Server.mu
	registered  bool
	passivePort int
	challenges  []*match
}

type match struct {
	requester *session
	ports     []int
}

// New creates a server
func New(cfg Config) *Server {
	if cfg.Lead <= 0 {
		cfg.Lead = DefaultConfig().Lead
	}
	if cfg.RelayDialTimeout <= 0 {
		cfg.RelayDialTimeout = DefaultConfig().RelayDialTimeout
	}
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		clock:    c,
		logger:   logger.Named("rendezvous"),
		sessions: make(map[*session]struct{}),
	}
}

// Listen binds the configured address
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Serve accepts connections until Shutdown. Listen must be called first.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("rendezvous: Serve called before Listen")
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.add(conn)
	}
}

// Start binds and serves in the background
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	go s.Serve()
	return nil
}

// Addr returns the bound address
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Registered counts sessions that have sent SIMULTANEOUS READY
func (s *Server) Registered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for sess := range s.sessions {
		if sess.registered {
			n++
		}
	}
	return n
}

// Shutdown closes the listener and every session, then waits for handlers
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for sess := range s.sessions {
		sess.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("stopped")
	return err
}

func (s *Server) add(conn net.Conn) {
	ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	sess := &session{conn: conn, sock: sock.New(conn, sock.WithBlocking(true)), ip: ip}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.handle(sess)
}

func (s *Server) remove(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	for other := range s.sessions {
		kept := other.challenges[:0]
		for _, m := range other.challenges {
			if m.requester != sess {
				kept = append(kept, m)
			}
		}
		other.challenges = kept
	}
	s.mu.Unlock()

	sess.writeMu.Lock()
	sess.sock.Close()
	sess.writeMu.Unlock()
}

func (s *Server) handle(sess *session) {
	defer s.wg.Done()
	defer s.remove(sess)

	log := s.logger.With(zap.String("peer", sess.sock.RemoteAddr()))
	log.Debug("session opened")
	for {
		line, err := sess.sock.RecvLine()
		if err != nil {
			log.Debug("session closed", zap.Error(err))
			return
		}
		if line == "" {
			continue
		}
		msg, err := rdv.Parse(line)
		if err != nil {
			continue
		}
		if msg.Verb == rdv.VerbRelay {
			s.relay(sess, msg, log)
			return
		}
		s.dispatch(sess, msg, log)
	}
}

func (s *Server) dispatch(sess *session, msg rdv.Message, log *zap.Logger) {
	switch msg.Verb {
	case rdv.VerbSource:
		port := sess.sock.RemotePort()
		s.reply(sess, fmt.Sprintf("%s TCP %d", rdv.VerbRemote, port))

	case rdv.VerbTime:
		s.reply(sess, fmt.Sprintf("%s %d", rdv.VerbTime, s.clock.Now().UnixMilli()))

	case rdv.VerbSimultaneous:
		if len(msg.Args) != 2 || msg.Args[0] != "READY" {
			s.reply(sess, rdv.FormatError(rdv.ReasonBadRequest))
			return
		}
		port, err := strconv.Atoi(msg.Args[1])
		if err != nil || port < 0 || port > 65535 {
			s.reply(sess, rdv.FormatError(rdv.ReasonBadRequest))
			return
		}
		s.mu.Lock()
		sess.registered = true
		sess.passivePort = port
		s.mu.Unlock()
		log.Debug("registered", zap.Int("passive_port", port))
		s.reply(sess, string(rdv.VerbReady))

	case rdv.VerbCandidate:
		cand, err := rdv.ParseCandidate(msg)
		if err != nil {
			s.reply(sess, rdv.FormatError(rdv.ReasonBadRequest))
			return
		}
		target := s.findTarget(sess, cand)
		if target == nil {
			log.Debug("no target", zap.String("ip", cand.IP), zap.Int("port", cand.Port))
			s.reply(sess, rdv.FormatError(rdv.ReasonNotFound))
			return
		}
		s.reply(target, rdv.Challenge{IP: sess.ip, Ports: cand.Ports}.String())

	case rdv.VerbAccept:
		acc, err := rdv.ParseAccept(msg)
		if err != nil {
			s.reply(sess, rdv.FormatError(rdv.ReasonBadRequest))
			return
		}
		m := s.popChallenge(sess, acc.IP)
		if m == nil {
			s.reply(sess, rdv.FormatError(rdv.ReasonGone))
			return
		}
		at := s.clock.Now().Add(s.cfg.Lead)
		s.reply(m.requester, rdv.Fight{IP: sess.ip, Ports: acc.Ports, At: at}.String())
		s.reply(sess, rdv.Fight{IP: m.requester.ip, Ports: m.ports, At: at}.String())
		log.Debug("fight scheduled", zap.String("requester", m.requester.ip), zap.Time("at", at))

	default:
		s.reply(sess, rdv.FormatError(rdv.ReasonBadRequest))
	}
}

// findTarget picks a registered session at cand.IP, ignoring the requester
// itself, and queues the challenge on it.
func (s *Server) findTarget(requester *session, cand rdv.Candidate) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		if sess == requester || !sess.registered || sess.ip != cand.IP {
			continue
		}
		if cand.Port != 0 && sess.passivePort != cand.Port {
			continue
		}
		sess.challenges = append(sess.challenges, &match{requester: requester, ports: cand.Ports})
		return sess
	}
	return nil
}

func (s *Server) popChallenge(target *session, ip string) *match {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range target.challenges {
		if m.requester.ip == ip {
			target.challenges = append(target.challenges[:i:i], target.challenges[i+1:]...)
			if _, alive := s.sessions[m.requester]; !alive {
				return nil
			}
			return m
		}
	}
	return nil
}

func (s *Server) reply(sess *session, line string) {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if err := sess.sock.SendLine(line); err != nil {
		s.logger.Debug("reply failed", zap.String("peer", sess.sock.RemoteAddr()), zap.Error(err))
	}
}

// relay connects the session to ip:port and pipes bytes both ways until
// either side closes.
func (s *Server) relay(sess *session, msg rdv.Message, log *zap.Logger) {
	ip, port, err := rdv.ParseRelay(msg)
	if err != nil {
		s.reply(sess, rdv.FormatError(rdv.ReasonBadRequest))
		return
	}
	if s.cfg.DisableRelay {
		s.reply(sess, rdv.FormatError(rdv.ReasonBadRequest))
		return
	}
	target := net.JoinHostPort(ip, strconv.Itoa(port))
	upstream, err := net.DialTimeout("tcp", target, s.cfg.RelayDialTimeout)
	if err != nil {
		log.Debug("relay dial failed", zap.String("target", target), zap.Error(err))
		s.reply(sess, rdv.FormatError(rdv.ReasonUnreachable))
		return
	}
	defer upstream.Close()

	s.reply(sess, string(rdv.VerbOK))

	downstream := sess.conn
	if pending := sess.sock.Buffer(); len(pending) > 0 {
		if _, err := upstream.Write(pending); err != nil {
			return
		}
	}
	if err := downstream.SetDeadline(time.Time{}); err != nil {
		return
	}

	log.Debug("relaying", zap.String("target", target))
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(upstream, downstream)
		closeWrite(upstream)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(downstream, upstream)
		closeWrite(downstream)
		return err
	})
	if err := g.Wait(); err != nil {
		log.Debug("relay ended", zap.Error(err))
	}
}

func closeWrite(c net.Conn) {
	if tcp, ok := c.(*net.TCPConn); ok {
		tcp.CloseWrite()
		return
	}
	c.Close()
}
