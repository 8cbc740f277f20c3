// Package api serves the engine's status surface: a health probe, a JSON
// snapshot of every subsystem, and a websocket stream of execution events.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"predictbot/internal/config"
	"predictbot/pkg/types"
)

// Server runs the status HTTP/websocket endpoint.
type Server struct {
	cfg      config.StatusConfig
	provider Provider
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the mux, hub and handlers.
func NewServer(cfg config.StatusConfig, provider Provider, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, cfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	return &Server{
		cfg:      cfg,
		provider: provider,
		hub:      hub,
		handlers: handlers,
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "api-server"),
	}
}

// Start runs the hub and the listener; it blocks until the listener fails
// or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.logger.Info("status server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Stop drains the listener with a deadline.
func (s *Server) Stop() error {
	s.logger.Info("stopping status server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// PublishExecution streams one execution event to connected clients.
func (s *Server) PublishExecution(ev types.ExecutionEvent) {
	s.hub.Broadcast(StreamEvent{
		Type:      "execution",
		Timestamp: time.Now(),
		Data:      ev,
	})
}

// PublishAccountChange streams an account lifecycle notice.
func (s *Server) PublishAccountChange(kind, accountID string) {
	s.hub.Broadcast(StreamEvent{
		Type:      "account",
		Timestamp: time.Now(),
		Data:      map[string]string{"kind": kind, "accountId": accountID},
	})
}
