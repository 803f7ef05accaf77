package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wardenhq/warden/pkg/auth"
	"github.com/wardenhq/warden/pkg/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleEventsWebSocket is the observer socket: a client subscribes to the
// session's lifecycle events. Connected observers also count toward the
// inactivity extension decision.
func (s *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}
	sb, err := s.sandboxes.GetSandbox(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	sh := s.hub.session(sessionID)
	sh.addClient(ws)
	defer sh.removeClient(ws)

	// Current status first so the observer does not start blind.
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(domain.StatusEvent(sb.Status)); err != nil {
		return
	}

	// Read loop: observers send nothing meaningful; reading detects close.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("observer socket closed", "session_id", sessionID, "error", err)
			}
			return
		}
	}
}

// controlMessage is what the sandbox agent sends over the control socket.
type controlMessage struct {
	Type string `json:"type"`
}

// handleControlWebSocket is the sandbox's own socket. The agent authenticates
// with the raw callback token issued at creation; it is compared against the
// stored hash. Heartbeats keep the disconnect watchdog at bay, activity
// messages push the inactivity deadline out.
func (s *Server) handleControlWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		http.Error(w, "Missing session ID", http.StatusBadRequest)
		return
	}

	sb, err := s.sandboxes.GetSandbox(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	token := bearerToken(r)
	if token == "" || sb.AuthTokenHash == "" || !auth.VerifyToken(token, sb.AuthTokenHash) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade control socket", "error", err)
		return
	}

	sh := s.hub.session(sessionID)
	sh.setSandbox(ws)
	defer sh.dropSandbox(ws)

	mgr := s.supervisor.Manager(sessionID)
	if err := mgr.HandleSandboxConnected(r.Context()); err != nil {
		slog.Error("recording sandbox connection", "session_id", sessionID, "error", err)
	}

	for {
		var msg controlMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("control socket closed", "session_id", sessionID, "error", err)
			}
			return
		}

		switch msg.Type {
		case "heartbeat":
			if err := mgr.RecordHeartbeat(r.Context(), time.Now()); err != nil {
				slog.Error("recording heartbeat", "session_id", sessionID, "error", err)
			}
		case "activity":
			if err := mgr.UpdateLastActivity(r.Context(), time.Now()); err != nil {
				slog.Error("recording activity", "session_id", sessionID, "error", err)
			}
		default:
			slog.Debug("unknown control message", "session_id", sessionID, "type", msg.Type)
		}
	}
}

// bearerToken extracts the sandbox credential from the Authorization header,
// falling back to the token query parameter for clients that cannot set
// headers on websocket dials.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
