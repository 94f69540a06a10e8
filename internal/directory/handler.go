package directory

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	proto "github.com/saintparish4/unl/pkg/directory"
	"github.com/saintparish4/unl/pkg/types"
)

// Handler serves directory clients over WebSocket
type Handler struct {
	registry *Registry
	upgrader websocket.Upgrader
	logger   *zap.Logger

	// Configuration
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration

	mu    sync.Mutex
	peers map[*Peer]struct{}
}

// NewHandler creates a new WebSocket handler
func NewHandler(registry *Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// development server; any origin may connect
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:       logger,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		peers:        make(map[*Peer]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	peer := NewPeer(uuid.NewString(), conn, h.WriteTimeout)
	h.mu.Lock()
	h.peers[peer] = struct{}{}
	h.mu.Unlock()
	log := h.logger.With(zap.String("conn", peer.ID), zap.String("remote", r.RemoteAddr))
	log.Debug("client connected")

	peer.Send(proto.NewMessage(proto.MessageTypeAck).
		WithPeerID(peer.ID).
		WithPayload(proto.AckPayload{Message: "connected"}))

	defer h.handleDisconnect(peer, log)

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(peer, done)

	conn.SetReadLimit(32 * 1024)
	conn.SetReadDeadline(time.Now().Add(h.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.PongWait))
		h.registry.Touch(peer)
		return nil
	})

	h.readLoop(peer, log)
}

func (h *Handler) readLoop(peer *Peer, log *zap.Logger) {
	conn := peer.conn
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !peer.IsClosed() {
				log.Debug("read error", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(h.PongWait))

		var msg proto.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			peer.SendError("", proto.ErrorCodeInvalidMessage, "invalid JSON")
			continue
		}
		if err := h.handleMessage(peer, &msg); err != nil {
			log.Debug("message error", zap.String("type", string(msg.Type)), zap.Error(err))
		}
	}
}

// pingLoop sends periodic pings to keep the connection alive
func (h *Handler) pingLoop(peer *Peer, done <-chan struct{}) {
	ticker := time.NewTicker(h.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := peer.Ping(); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handleDisconnect(peer *Peer, log *zap.Logger) {
	removed := h.registry.RemoveOwner(peer)
	peer.Close()
	log.Debug("client disconnected", zap.Int("records_removed", removed))
	h.mu.Lock()
	delete(h.peers, peer)
	h.mu.Unlock()
}

// CloseAll closes every client connection
func (h *Handler) CloseAll() {
	h.mu.Lock()
	peers := make([]*Peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		p.Close()
	}
}

// Connections returns the number of connected clients
func (h *Handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *Handler) handleMessage(peer *Peer, msg *proto.Message) error {
	switch msg.Type {
	case proto.MessageTypeAnnounce:
		return h.handleAnnounce(peer, msg)
	case proto.MessageTypeLookup:
		return h.handleLookup(peer, msg)
	case proto.MessageTypeBootstrap:
		return h.handleBootstrap(peer, msg)
	default:
		return peer.SendError(msg.RequestID, proto.ErrorCodeInvalidMessage, fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (h *Handler) handleAnnounce(peer *Peer, msg *proto.Message) error {
	var rec types.PeerRecord
	if err := msg.ParsePayload(&rec); err != nil {
		return peer.SendError(msg.RequestID, proto.ErrorCodeInvalidMessage, "announce needs a peer record")
	}
	if rec.PeerID == "" {
		rec.PeerID = msg.PeerID
	}
	if rec.PeerID == "" {
		return peer.SendError(msg.RequestID, proto.ErrorCodeInvalidMessage, "peer_id is required")
	}
	h.registry.Announce(rec, peer)
	h.logger.Debug("announced", zap.Stringer("record", rec))

	return peer.Send(proto.NewMessage(proto.MessageTypeAck).
		WithPeerID(rec.PeerID).
		WithRequestID(msg.RequestID).
		WithPayload(proto.AckPayload{Message: "announced"}))
}

func (h *Handler) handleLookup(peer *Peer, msg *proto.Message) error {
	if msg.PeerID == "" {
		return peer.SendError(msg.RequestID, proto.ErrorCodeInvalidMessage, "peer_id is required")
	}
	rec, ok := h.registry.Lookup(msg.PeerID)
	if !ok {
		return peer.SendError(msg.RequestID, proto.ErrorCodePeerNotFound, "peer not found")
	}
	return peer.Send(proto.NewMessage(proto.MessageTypeRecord).
		WithPeerID(rec.PeerID).
		WithRequestID(msg.RequestID).
		WithPayload(rec))
}

func (h *Handler) handleBootstrap(peer *Peer, msg *proto.Message) error {
	var req proto.BootstrapPayload
	if msg.Payload != nil {
		if err := msg.ParsePayload(&req); err != nil {
			return peer.SendError(msg.RequestID, proto.ErrorCodeInvalidMessage, "invalid bootstrap payload")
		}
	}
	var exclude []string
	if msg.PeerID != "" {
		exclude = append(exclude, msg.PeerID)
	}
	return peer.Send(proto.NewMessage(proto.MessageTypePeerList).
		WithRequestID(msg.RequestID).
		WithPayload(proto.PeerListPayload{Peers: h.registry.Bootstrap(req.Limit, exclude...)}))
}
