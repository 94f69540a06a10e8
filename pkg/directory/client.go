package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saintparish4/unl/pkg/types"
)

const readLimit = 64 * 1024

// ErrClosed is returned by requests on a closed client
var ErrClosed = errors.New("directory client closed")

// Config holds configuration for the directory client
type Config struct {
	// URL of the directory WebSocket endpoint, e.g. ws://host:8572/ws
	URL string

	// Timeout bounds the dial and each request when the caller's context
	// has no earlier deadline
	Timeout time.Duration

	Logger *zap.Logger
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig(url string) Config {
	return Config{
		URL:     url,
		Timeout: 10 * time.Second,
	}
}

// Client talks to a directory server. It dials on first use and redials
// after the connection drops. It is safe for concurrent use.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan *Message
	closed  bool

	writeMu sync.Mutex
}

// New creates a client. No connection is made until the first request.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig("").Timeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.Timeout,
		},
		logger:  logger.Named("directory"),
		pending: make(map[string]chan *Message),
	}
}

// Resolve looks up peerID. An unknown peer is reported as types.ErrNotFound.
func (c *Client) Resolve(ctx context.Context, peerID string) (*types.PeerRecord, error) {
	reply, err := c.request(ctx, NewMessage(MessageTypeLookup).WithPeerID(peerID), MessageTypeRecord)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", peerID, err)
	}
	var rec types.PeerRecord
	if err := reply.ParsePayload(&rec); err != nil {
		return nil, fmt.Errorf("lookup %s: %w", peerID, err)
	}
	return &rec, nil
}

// Announce publishes rec, replacing any earlier record for the same peer
func (c *Client) Announce(ctx context.Context, rec types.PeerRecord) error {
	msg := NewMessage(MessageTypeAnnounce).WithPeerID(rec.PeerID).WithPayload(rec)
	if _, err := c.request(ctx, msg, MessageTypeAck); err != nil {
		return fmt.Errorf("announce %s: %w", rec.PeerID, err)
	}
	return nil
}

// Bootstrap asks for up to n known records
func (c *Client) Bootstrap(ctx context.Context, n int) ([]types.PeerRecord, error) {
	msg := NewMessage(MessageTypeBootstrap).WithPayload(BootstrapPayload{Limit: n})
	reply, err := c.request(ctx, msg, MessageTypePeerList)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	var list PeerListPayload
	if err := reply.ParsePayload(&list); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return list.Peers, nil
}

// Close drops the connection and fails outstanding requests
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	return c.dropLocked(c.conn)
}

func (c *Client) request(ctx context.Context, msg *Message, want MessageType) (*Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	msg.RequestID = uuid.NewString()
	ch := make(chan *Message, 1)
	c.mu.Lock()
	c.pending[msg.RequestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
	}()

	if err := c.write(conn, msg); err != nil {
		c.drop(conn, err)
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, errors.New("directory connection lost")
		}
		if reply.Type == MessageTypeError {
			var p ErrorPayload
			reply.ParsePayload(&p)
			return nil, &ServerError{Code: p.Code, Message: p.Message}
		}
		if reply.Type != want {
			return nil, fmt.Errorf("unexpected %s reply", reply.Type)
		}
		return reply, nil
	case <-ctx.Done():
		return nil, types.NewOpError("directory", c.cfg.URL, ctx.Err())
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (%s)", err, resp.Status)
		}
		return nil, types.NewOpError("dial", c.cfg.URL, err)
	}
	conn.SetReadLimit(readLimit)
	c.conn = conn
	go c.readLoop(conn)
	c.logger.Debug("connected", zap.String("url", c.cfg.URL))
	return conn, nil
}

func (c *Client) write(conn *websocket.Conn, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.drop(conn, err)
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("invalid message", zap.Error(err))
			continue
		}
		if msg.RequestID == "" {
			// greeting or unsolicited notice
			continue
		}
		c.mu.Lock()
		if ch, ok := c.pending[msg.RequestID]; ok {
			select {
			case ch <- &msg:
			default:
			}
		}
		c.mu.Unlock()
	}
}

// drop forgets conn so the next request redials, and fails the requests
// waiting on it
func (c *Client) drop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.dropLocked(conn)
	if !c.closed {
		c.logger.Debug("connection lost", zap.Error(cause))
	}
}

func (c *Client) dropLocked(conn *websocket.Conn) error {
	c.conn = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	return conn.Close()
}
