package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wardenhq/warden/pkg/domain"
	"github.com/wardenhq/warden/pkg/lifecycle"
)

const writeWait = 10 * time.Second

// Hub tracks the live websocket connections of every session: at most one
// sandbox control socket plus any number of observer clients per session.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*sessionHub
	logger   *slog.Logger
}

// Verify interface compliance.
var _ lifecycle.ConnectionHub = (*Hub)(nil)

// NewHub creates an empty connection hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions: make(map[string]*sessionHub),
		logger:   logger,
	}
}

// Session returns the session's connection tracker, creating it on first use.
func (h *Hub) Session(sessionID string) lifecycle.SessionConnections {
	return h.session(sessionID)
}

func (h *Hub) session(sessionID string) *sessionHub {
	h.mu.Lock()
	defer h.mu.Unlock()
	sh, ok := h.sessions[sessionID]
	if !ok {
		sh = &sessionHub{
			clients: make(map[*websocket.Conn]bool),
			logger:  h.logger.With("session_id", sessionID),
		}
		h.sessions[sessionID] = sh
	}
	return sh
}

// sessionHub holds one session's connections. All websocket writes go
// through its mutex: gorilla connections do not allow concurrent writers.
type sessionHub struct {
	mu      sync.Mutex
	sandbox *websocket.Conn
	clients map[*websocket.Conn]bool
	logger  *slog.Logger
}

// setSandbox registers the control socket, displacing any previous one.
func (sh *sessionHub) setSandbox(ws *websocket.Conn) {
	sh.mu.Lock()
	prev := sh.sandbox
	sh.sandbox = ws
	sh.mu.Unlock()
	if prev != nil && prev != ws {
		prev.Close()
	}
}

// dropSandbox clears the control socket if ws is still the registered one.
func (sh *sessionHub) dropSandbox(ws *websocket.Conn) {
	sh.mu.Lock()
	if sh.sandbox == ws {
		sh.sandbox = nil
	}
	sh.mu.Unlock()
}

func (sh *sessionHub) addClient(ws *websocket.Conn) {
	sh.mu.Lock()
	sh.clients[ws] = true
	sh.mu.Unlock()
}

func (sh *sessionHub) removeClient(ws *websocket.Conn) {
	sh.mu.Lock()
	delete(sh.clients, ws)
	sh.mu.Unlock()
}

// SandboxConnected reports whether the control socket is open.
func (sh *sessionHub) SandboxConnected() bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.sandbox != nil
}

// SendToSandbox writes a JSON message to the control socket. Returns false
// when no control socket is connected.
func (sh *sessionHub) SendToSandbox(msg any) bool {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.sandbox == nil {
		return false
	}
	sh.sandbox.SetWriteDeadline(time.Now().Add(writeWait))
	if err := sh.sandbox.WriteJSON(msg); err != nil {
		sh.logger.Warn("control socket write failed", "error", err)
		return false
	}
	return true
}

// CloseSandbox sends a close frame with the given code and reason, then
// closes the control socket. No-op when not connected.
func (sh *sessionHub) CloseSandbox(code int, reason string) {
	sh.mu.Lock()
	ws := sh.sandbox
	sh.sandbox = nil
	sh.mu.Unlock()
	if ws == nil {
		return
	}
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		sh.logger.Debug("close frame write failed", "error", err)
	}
	ws.Close()
}

// ClientCount returns the number of connected observer clients.
func (sh *sessionHub) ClientCount() int {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.clients)
}

// Broadcast fans an event to every observer client and, so the agent can
// react to its own lifecycle, to the control socket as well. Dead client
// connections are dropped.
func (sh *sessionHub) Broadcast(ev domain.Event) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	for ws := range sh.clients {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteJSON(ev); err != nil {
			sh.logger.Debug("observer write failed, dropping client", "error", err)
			ws.Close()
			delete(sh.clients, ws)
		}
	}
	if sh.sandbox != nil {
		sh.sandbox.SetWriteDeadline(time.Now().Add(writeWait))
		if err := sh.sandbox.WriteJSON(ev); err != nil {
			sh.logger.Debug("control socket write failed", "error", err)
		}
	}
}
