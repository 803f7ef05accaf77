// Package server exposes warden's REST API and websocket endpoints: session
// management, sandbox lifecycle triggers, the observer event stream, and the
// sandbox control socket.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/wardenhq/warden/pkg/lifecycle"
	"github.com/wardenhq/warden/pkg/store"
)

// Server serves the REST API and websocket endpoints.
type Server struct {
	sessions   store.SessionStore
	sandboxes  store.SandboxStore
	supervisor *lifecycle.Supervisor
	hub        *Hub
	logger     *slog.Logger
	srv        *http.Server
}

// New creates a new Server.
func New(
	sessions store.SessionStore,
	sandboxes store.SandboxStore,
	supervisor *lifecycle.Supervisor,
	hub *Hub,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sessions:   sessions,
		sandboxes:  sandboxes,
		supervisor: supervisor,
		hub:        hub,
		logger:     logger,
	}
}

// Handler builds the route table. Exposed separately from Start so tests can
// drive the mux through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Sessions
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)

	// Sandbox lifecycle
	mux.HandleFunc("GET /api/sessions/{id}/sandbox", s.handleGetSandbox)
	mux.HandleFunc("POST /api/sessions/{id}/sandbox/spawn", s.handleSpawnSandbox)
	mux.HandleFunc("POST /api/sessions/{id}/sandbox/warm", s.handleWarmSandbox)
	mux.HandleFunc("POST /api/sessions/{id}/sandbox/snapshot", s.handleSnapshotSandbox)
	mux.HandleFunc("POST /api/sessions/{id}/activity", s.handleRecordActivity)

	// User environment overrides
	mux.HandleFunc("GET /api/users/{id}/env", s.handleGetEnvVars)
	mux.HandleFunc("PUT /api/users/{id}/env", s.handleSetEnvVar)

	// WebSockets
	mux.HandleFunc("/api/sessions/{id}/events", s.handleEventsWebSocket)
	mux.HandleFunc("/api/sessions/{id}/sandbox/socket", s.handleControlWebSocket)

	return s.corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	s.logger.Info("starting api server", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	s.logger.Error("api error", "error", err)
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}
