package directory

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	proto "github.com/saintparish4/unl/pkg/directory"
)

// Conn abstracts a WebSocket connection for testability.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// Peer is one connected directory client
type Peer struct {
	ID string

	conn         Conn
	writeTimeout time.Duration
	mu           sync.Mutex // Protects conn writes
	closed       bool
}

// NewPeer wraps conn
func NewPeer(id string, conn Conn, writeTimeout time.Duration) *Peer {
	return &Peer{ID: id, conn: conn, writeTimeout: writeTimeout}
}

// Send sends a message to the peer. Thread-safe.
func (p *Peer) Send(msg *proto.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("peer %s connection is closed", p.ID)
	}
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// SendError sends an error reply for requestID
func (p *Peer) SendError(requestID, code, message string) error {
	return p.Send(proto.NewErrorMessage(code, message).WithRequestID(requestID))
}

// Ping writes a ping control frame
func (p *Peer) Ping() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("peer %s connection is closed", p.ID)
	}
	p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	return p.conn.WriteMessage(websocket.PingMessage, nil)
}

// Close closes the peer's connection
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// IsClosed returns whether the peer's connection is closed
func (p *Peer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
