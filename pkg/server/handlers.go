package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/domain"
	"github.com/wardenhq/warden/pkg/store"
)

// --- Sessions ---

type createSessionRequest struct {
	UserID string `json:"user_id"`
	Repo   string `json:"repo"`
	Branch string `json:"branch,omitempty"`
	Model  string `json:"model,omitempty"`
}

type sessionResponse struct {
	Session *domain.Session `json:"session"`
	Sandbox *domain.Sandbox `json:"sandbox"`
}

// handleCreateSession creates the session and its lifetime-bound sandbox
// record in one request. The sandbox starts pending; nothing is provisioned
// until a spawn or warm trigger arrives.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if req.Repo == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("repo is required"))
		return
	}

	now := time.Now()
	sess := &domain.Session{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Repo:      req.Repo,
		Branch:    req.Branch,
		Model:     req.Model,
		Status:    "active",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.sessions.CreateSession(r.Context(), sess); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}

	sb := &domain.Sandbox{
		ID:        uuid.New().String(),
		SessionID: sess.ID,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.sandboxes.CreateSandbox(r.Context(), sb); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}

	s.jsonResponse(w, http.StatusCreated, sessionResponse{Session: sess, Sandbox: sb})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.sessions.GetSession(r.Context(), id)
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, sess)
}

// --- Sandbox lifecycle ---

func (s *Server) handleGetSandbox(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sb, err := s.sandboxes.GetSandbox(r.Context(), id)
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, sb)
}

// handleSpawnSandbox kicks off a spawn and returns immediately. Progress and
// failures are reported over the session's event socket; the call is
// idempotent, so retries are harmless.
func (s *Server) handleSpawnSandbox(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sandboxes.GetSandbox(r.Context(), id); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}

	mgr := s.supervisor.Manager(id)
	go func() {
		if err := mgr.SpawnSandbox(context.WithoutCancel(r.Context())); err != nil {
			s.logger.Error("spawn failed", "session_id", id, "error", err)
		}
	}()
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"status": "spawning"})
}

func (s *Server) handleWarmSandbox(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sandboxes.GetSandbox(r.Context(), id); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}

	mgr := s.supervisor.Manager(id)
	go func() {
		if err := mgr.WarmSandbox(context.WithoutCancel(r.Context())); err != nil {
			s.logger.Error("warm failed", "session_id", id, "error", err)
		}
	}()
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"status": "warming"})
}

type snapshotRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleSnapshotSandbox(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req snapshotRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) // empty body means manual
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	mgr := s.supervisor.Manager(id)
	mgr.TriggerSnapshot(r.Context(), req.Reason)

	sb, err := s.sandboxes.GetSandbox(r.Context(), id)
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, sb)
}

// handleRecordActivity persists an activity timestamp. It deliberately does
// not touch status or broadcast anything.
func (s *Server) handleRecordActivity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	mgr := s.supervisor.Manager(id)
	if err := mgr.UpdateLastActivity(r.Context(), time.Now()); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- User environment overrides ---

func (s *Server) handleGetEnvVars(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	env, err := s.sessions.GetUserEnvVars(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	// Values are secrets; only the keys go back out.
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"keys": keys})
}

type setEnvVarRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handleSetEnvVar(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req setEnvVarRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if req.Key == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("key is required"))
		return
	}
	if err := s.sessions.SetUserEnvVar(r.Context(), id, req.Key, req.Value); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
