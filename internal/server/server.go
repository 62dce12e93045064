// Package server exposes the sync service over HTTP: health, manual sync
// trigger, and the last run's summary.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jbhul/audiobookshelf-calibre-sync/internal/logger"
	syncsvc "github.com/jbhul/audiobookshelf-calibre-sync/internal/sync"
)

// Server represents the HTTP server
type Server struct {
	server *http.Server
	sync   *syncsvc.Service
	logger *logger.Logger
}

// New creates a new HTTP server around the sync service.
func New(addr string, svc *syncsvc.Service, log *logger.Logger) *Server {
	s := &Server{
		server: &http.Server{
			Addr: addr,
		},
		sync:   svc,
		logger: log,
	}

	handler := http.NewServeMux()
	handler.HandleFunc("/healthz", s.handleHealthCheck)
	handler.HandleFunc("/sync", s.handleSync)
	handler.HandleFunc("/sync/ratings", s.handleRatingSync)
	handler.HandleFunc("/summary", s.handleSummary)

	s.server.Handler = logger.HTTPMiddleware(handler)
	s.server.ReadTimeout = 10 * time.Second
	s.server.WriteTimeout = 30 * time.Second
	s.server.IdleTimeout = 120 * time.Second

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", map[string]interface{}{
		"addr": s.server.Addr,
	})

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server", nil)
	return s.server.Shutdown(ctx)
}

// handleHealthCheck handles health check requests
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

// handleSync triggers a sync run in the background. A run already in flight
// answers 409.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.sync.Running() {
		http.Error(w, "sync already in progress", http.StatusConflict)
		return
	}

	go func() {
		if _, err := s.sync.Sync(context.Background(), false); err != nil && !errors.Is(err, syncsvc.ErrSyncInProgress) {
			s.logger.Error("Sync failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprint(w, `{"status":"sync started"}`)
}

// handleRatingSync triggers an Audible rating refresh in the background.
func (s *Server) handleRatingSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.sync.Running() {
		http.Error(w, "sync already in progress", http.StatusConflict)
		return
	}

	go func() {
		if err := s.sync.SyncRatings(context.Background()); err != nil && !errors.Is(err, syncsvc.ErrSyncInProgress) {
			s.logger.Error("Rating sync failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprint(w, `{"status":"rating sync started"}`)
}

// handleSummary returns the last completed run.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	summary := s.sync.LastSummary()
	if summary == nil {
		http.Error(w, "no sync has completed yet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(summary); err != nil {
		s.logger.Error("Failed to encode summary", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
