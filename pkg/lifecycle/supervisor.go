package lifecycle

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wardenhq/warden/pkg/provider"
	"github.com/wardenhq/warden/pkg/store"
)

// SessionConnections is what the connection hub exposes for one session:
// live-connection tracking plus event fan-out.
type SessionConnections interface {
	Connections
	Broadcaster
}

// ConnectionHub hands out the per-session connection tracker.
type ConnectionHub interface {
	Session(sessionID string) SessionConnections
}

// Supervisor owns exactly one Manager per session id, realizing the
// actor-per-session model: all lifecycle operations for a session go through
// its single manager, which serializes them internally.
type Supervisor struct {
	cfg       Config
	sandboxes store.SandboxStore
	sessions  store.SessionStore
	provider  provider.Provider
	hub       ConnectionHub
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mgr   *Manager
	alarm *TimerAlarm
}

// NewSupervisor builds the per-session manager registry.
func NewSupervisor(cfg Config, sandboxes store.SandboxStore, sessions store.SessionStore, p provider.Provider, hub ConnectionHub, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:       cfg,
		sandboxes: sandboxes,
		sessions:  sessions,
		provider:  p,
		hub:       hub,
		logger:    logger,
		entries:   make(map[string]*entry),
	}
}

// Manager returns the session's lifecycle manager, creating it on first use.
func (s *Supervisor) Manager(sessionID string) *Manager {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[sessionID]; ok {
		return e.mgr
	}

	conns := s.hub.Session(sessionID)
	var mgr *Manager
	alarm := NewTimerAlarm(func() {
		if err := mgr.HandleAlarm(context.Background()); err != nil {
			s.logger.Error("alarm handling failed", "session_id", sessionID, "error", err)
		}
	})
	mgr = NewManager(s.cfg, Deps{
		SessionID:   sessionID,
		Sandboxes:   s.sandboxes,
		Sessions:    s.sessions,
		Provider:    s.provider,
		Connections: conns,
		Broadcaster: conns,
		Alarms:      alarm,
		Logger:      s.logger,
	})
	s.entries[sessionID] = &entry{mgr: mgr, alarm: alarm}
	return mgr
}

// Stop cancels all outstanding alarms. Called on shutdown.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		e.alarm.Stop()
	}
}
