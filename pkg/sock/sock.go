// Package sock implements a buffered, CRLF-framed wrapper around one TCP
// stream. Reads are blocking, blocking with a timeout, or non-blocking
// (a short poll window). There is no background reader: bytes only move
// when a caller asks for them.
package sock

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saintparish4/unl/pkg/types"
)

const (
	// Terminator ends every line on the wire
	Terminator = "\r\n"

	// DefaultDialTimeout bounds Dial and Reconnect when the context has no deadline
	DefaultDialTimeout = 10 * time.Second

	// pollWindow is how long a non-blocking read waits for ready bytes
	pollWindow = 2 * time.Millisecond

	readChunk = 4096
)

var term = []byte(Terminator)

// Option configures a Sock
type Option func(*Sock)

// WithBlocking sets the initial blocking mode
func WithBlocking(blocking bool) Option {
	return func(s *Sock) { s.blocking = blocking }
}

// WithTimeout sets the default timeout for blocking reads and for writes.
// Zero means wait indefinitely.
func WithTimeout(d time.Duration) Option {
	return func(s *Sock) { s.timeout = d }
}

// WithDialTimeout bounds connection establishment
func WithDialTimeout(d time.Duration) Option {
	return func(s *Sock) { s.dialTimeout = d }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Sock) {
		if l != nil {
			s.logger = l
		}
	}
}

// Sock is a line-oriented TCP socket. It is not safe for concurrent use;
// each Sock has exactly one consumer at a time.
type Sock struct {
	addr        string
	conn        net.Conn
	blocking    bool
	timeout     time.Duration
	dialTimeout time.Duration

	buf     []byte
	replies []string
	scratch []byte

	connected atomic.Bool
	logger    *zap.Logger
}

func newSock(addr string, opts []Option) *Sock {
	s := &Sock{
		addr:        addr,
		blocking:    true,
		dialTimeout: DefaultDialTimeout,
		scratch:     make([]byte, readChunk),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to addr ("host:port") and wraps the stream
func Dial(ctx context.Context, addr string, opts ...Option) (*Sock, error) {
	s := newSock(addr, opts)
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// New wraps an already established connection
func New(conn net.Conn, opts ...Option) *Sock {
	s := newSock(conn.RemoteAddr().String(), opts)
	s.conn = conn
	s.connected.Store(true)
	return s
}

// NewBuffer returns an unconnected Sock, useful for driving the parser alone
func NewBuffer() *Sock {
	return newSock("", nil)
}

func (s *Sock) connect(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: s.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return types.NewOpError("dial", s.addr, err)
	}
	s.conn = conn
	s.connected.Store(true)
	s.logger.Debug("connected", zap.String("addr", s.addr))
	return nil
}

// Reconnect closes the current stream and dials the same address again.
// The buffer and pending replies are discarded.
func (s *Sock) Reconnect(ctx context.Context) error {
	if s.addr == "" {
		return types.NewOpError("reconnect", "", types.ErrInvalidAddress)
	}
	_ = s.Close()
	s.buf = nil
	s.replies = nil
	return s.connect(ctx)
}

// Close releases the OS handle. It is safe to call more than once.
func (s *Sock) Close() error {
	s.connected.Store(false)
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Connected reflects the outcome of the last I/O, not a live probe
func (s *Sock) Connected() bool {
	return s.connected.Load()
}

// SetBlocking changes the read mode and default timeout
func (s *Sock) SetBlocking(blocking bool, timeout time.Duration) {
	s.blocking = blocking
	s.timeout = timeout
}

// Blocking reports the current read mode
func (s *Sock) Blocking() bool { return s.blocking }

// Timeout returns the default timeout
func (s *Sock) Timeout() time.Duration { return s.timeout }

// Conn returns the underlying stream (nil after Close)
func (s *Sock) Conn() net.Conn { return s.conn }

// RemoteAddr returns the address this socket was opened against
func (s *Sock) RemoteAddr() string {
	return s.addr
}

// RemoteIP returns the host part of the remote address
func (s *Sock) RemoteIP() string {
	host, _, err := net.SplitHostPort(s.addr)
	if err != nil {
		return s.addr
	}
	return host
}

// RemotePort returns the remote port, or 0 if unknown
func (s *Sock) RemotePort() int {
	_, port, err := net.SplitHostPort(s.addr)
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(port)
	return p
}

// LocalPort returns the local port of the stream, or 0 when closed
func (s *Sock) LocalPort() int {
	if s.conn == nil {
		return 0
	}
	if tcp, ok := s.conn.LocalAddr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Send writes b synchronously
func (s *Sock) Send(b []byte) (int, error) {
	if s.conn == nil {
		return 0, types.NewOpError("send", s.addr, types.ErrClosed)
	}
	var deadline time.Time
	if s.timeout > 0 {
		deadline = time.Now().Add(s.timeout)
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		s.fault("send", err)
		return 0, types.NewOpError("send", s.addr, err)
	}
	n, err := s.conn.Write(b)
	if err != nil {
		s.fault("send", err)
		return n, types.NewOpError("send", s.addr, err)
	}
	return n, nil
}

// SendLine writes line followed by the terminator
func (s *Sock) SendLine(line string) error {
	_, err := s.Send([]byte(line + Terminator))
	return err
}

// Recv reads up to n raw bytes straight from the stream using the
// configured mode. It does not consume the line buffer. An empty result
// with a nil error means nothing arrived in time.
func (s *Sock) Recv(n int) ([]byte, error) {
	return s.read(n, s.blocking, s.timeout)
}

// RecvTimeout is Recv in blocking mode with an explicit timeout
func (s *Sock) RecvTimeout(n int, timeout time.Duration) ([]byte, error) {
	return s.read(n, true, timeout)
}

// RecvLine returns the next complete line without its terminator. It
// returns "" and a nil error when no line is ready (non-blocking) or the
// timeout expires.
func (s *Sock) RecvLine() (string, error) {
	return s.recvLine(s.blocking, s.timeout)
}

// RecvLineTimeout is RecvLine in blocking mode with an explicit timeout
func (s *Sock) RecvLineTimeout(timeout time.Duration) (string, error) {
	return s.recvLine(true, timeout)
}

func (s *Sock) recvLine(block bool, timeout time.Duration) (string, error) {
	if line, ok := s.PopReply(); ok {
		return line, nil
	}
	s.replies = append(s.replies, s.ParseBuffer()...)
	if line, ok := s.PopReply(); ok {
		return line, nil
	}

	var deadline time.Time
	if block && timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		wait := timeout
		if !deadline.IsZero() {
			wait = time.Until(deadline)
			if wait <= 0 {
				return "", nil
			}
		}
		data, err := s.read(readChunk, block, wait)
		if len(data) > 0 {
			s.buf = append(s.buf, data...)
			s.replies = append(s.replies, s.ParseBuffer()...)
			if line, ok := s.PopReply(); ok {
				return line, nil
			}
		}
		if err != nil {
			return "", err
		}
		if len(data) == 0 {
			return "", nil
		}
	}
}

// read performs one Read. Timeouts are not errors.
func (s *Sock) read(n int, block bool, timeout time.Duration) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	if s.conn == nil {
		return nil, types.NewOpError("recv", s.addr, types.ErrClosed)
	}

	var deadline time.Time
	switch {
	case !block:
		deadline = time.Now().Add(pollWindow)
	case timeout > 0:
		deadline = time.Now().Add(timeout)
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		s.fault("recv", err)
		return nil, types.NewOpError("recv", s.addr, err)
	}

	p := s.scratch
	if n < len(p) {
		p = p[:n]
	} else if n > len(p) {
		p = make([]byte, n)
	}
	got, err := s.conn.Read(p)
	var data []byte
	if got > 0 {
		data = append([]byte(nil), p[:got]...)
	}
	if err != nil {
		if isTimeout(err) {
			return data, nil
		}
		s.fault("recv", err)
		return data, types.NewOpError("recv", s.addr, err)
	}
	return data, nil
}

func (s *Sock) fault(op string, err error) {
	if s.connected.Swap(false) {
		s.logger.Debug("connection lost", zap.String("op", op), zap.String("addr", s.addr), zap.Error(err))
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Buffer returns a copy of the unparsed bytes
func (s *Sock) Buffer() []byte {
	return append([]byte(nil), s.buf...)
}

// SetBuffer replaces the unparsed bytes
func (s *Sock) SetBuffer(b []byte) {
	s.buf = append([]byte(nil), b...)
}

// AppendBuffer adds bytes to the end of the buffer
func (s *Sock) AppendBuffer(b []byte) {
	s.buf = append(s.buf, b...)
}

// ParseBuffer removes every complete line from the buffer and returns them
// in order. Empty lines are dropped. A trailing fragment with no terminator
// stays buffered.
func (s *Sock) ParseBuffer() []string {
	lines := []string{}
	for {
		i := bytes.Index(s.buf, term)
		if i < 0 {
			break
		}
		if i > 0 {
			lines = append(lines, string(s.buf[:i]))
		}
		s.buf = s.buf[i+len(term):]
	}
	if len(s.buf) == 0 {
		s.buf = nil
	}
	return lines
}

// Update pulls whatever bytes are ready without blocking and queues the
// parsed lines as replies. An unconnected Sock only parses its buffer.
func (s *Sock) Update() error {
	if s.conn == nil {
		s.replies = append(s.replies, s.ParseBuffer()...)
		return nil
	}
	for {
		data, err := s.read(readChunk, false, 0)
		if len(data) > 0 {
			s.buf = append(s.buf, data...)
		}
		if err != nil || len(data) == 0 {
			s.replies = append(s.replies, s.ParseBuffer()...)
			return err
		}
	}
}

// Replies returns a copy of the queued lines
func (s *Sock) Replies() []string {
	return append([]string(nil), s.replies...)
}

// PopReply removes and returns the oldest queued line
func (s *Sock) PopReply() (string, bool) {
	if len(s.replies) == 0 {
		return "", false
	}
	line := s.replies[0]
	s.replies = s.replies[1:]
	return line, true
}

// Lines yields lines lazily. In non-blocking mode it stops once no full
// line is available; in blocking mode it stops on disconnect or timeout.
func (s *Sock) Lines() iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			line, err := s.RecvLine()
			if err != nil || line == "" {
				return
			}
			if !yield(line) {
				return
			}
		}
	}
}
