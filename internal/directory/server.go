// Package directory is a development directory server. Nodes announce
// their peer records over WebSocket and resolve each other's ids; records
// live in memory and disappear with the connection that announced them.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Config holds server configuration options.
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	CleanupInterval time.Duration
	StaleTimeout    time.Duration
	Clock           clock.Clock
	Logger          *zap.Logger
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8572",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		CleanupInterval: time.Minute,
		StaleTimeout:    5 * time.Minute,
	}
}

// Server serves the directory WebSocket endpoint and a small HTTP API
type Server struct {
	cfg      Config
	clock    clock.Clock
	registry *Registry
	handler  *Handler
	mux      *http.ServeMux
	logger   *zap.Logger

	mu         sync.Mutex
	listener   net.Listener
	httpServer *http.Server

	shutdownOnce sync.Once
	done         chan struct{}
}

// New creates a server
func New(cfg Config) *Server {
	def := DefaultConfig()
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = def.StaleTimeout
	}
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("directory")

	registry := NewRegistry(c)
	handler := NewHandler(registry, logger)
	if cfg.WriteTimeout > 0 {
		handler.WriteTimeout = cfg.WriteTimeout
	}
	s := &Server{
		cfg:      cfg,
		clock:    c,
		registry: registry,
		handler:  handler,
		mux:      http.NewServeMux(),
		logger:   logger,
		done:     make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.Handle("/ws", s.handler)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/stats", s.handleStats)
	s.mux.HandleFunc("/", s.handleNotFound)
}

// Start binds the configured address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	// no server WriteTimeout: it would cut hijacked WebSocket connections
	srv := &http.Server{
		Handler:     s.mux,
		ReadTimeout: s.cfg.ReadTimeout,
	}
	s.mu.Lock()
	s.listener = ln
	s.httpServer = srv
	s.mu.Unlock()

	go s.cleanupLoop()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve failed", zap.Error(err))
		}
	}()
	s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
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

// URL returns the WebSocket endpoint URL
func (s *Server) URL() string {
	return "ws://" + s.Addr() + "/ws"
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("shutting down")
		close(s.done)

		s.mu.Lock()
		srv := s.httpServer
		s.mu.Unlock()
		if srv != nil {
			err = srv.Shutdown(ctx)
		}
		// hijacked WebSocket connections are not closed by Shutdown
		s.handler.CloseAll()
	})
	return err
}

// cleanupLoop periodically drops records that stopped refreshing
func (s *Server) cleanupLoop() {
	ticker := s.clock.Ticker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if n := s.registry.CleanupStale(s.cfg.StaleTimeout); n > 0 {
				s.logger.Info("cleanup", zap.Int("stale_records", n))
			}
		}
	}
}

// Handler returns the HTTP handler with every route
func (s *Server) Handler() http.Handler { return s.mux }

// Registry returns the record registry
func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": s.clock.Now().UnixMilli(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := s.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"records": map[string]any{
			"total":   stats.TotalRecords,
			"by_role": stats.ByRole,
		},
		"connections": s.handler.Connections(),
		"timestamp":   s.clock.Now().UnixMilli(),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
