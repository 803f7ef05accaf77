// Package lifecycle contains the sandbox lifecycle state machine: spawn,
// restore, snapshot, and watchdog-driven teardown for one coding-agent
// session's sandbox.
package lifecycle

import (
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/domain"
)

// Broadcaster fans a tagged event to all observers of the session and to the
// sandbox's own control socket.
type Broadcaster interface {
	Broadcast(ev domain.Event)
}

// Connections tracks the live websocket connections of one session: at most
// one sandbox control socket plus any number of observer clients.
type Connections interface {
	// SandboxConnected reports whether the sandbox's control socket is open.
	SandboxConnected() bool

	// SendToSandbox writes a JSON message to the control socket. Returns
	// false if no control socket is connected.
	SendToSandbox(msg any) bool

	// CloseSandbox closes the control socket with the given websocket close
	// code and reason. No-op when not connected.
	CloseSandbox(code int, reason string)

	// ClientCount returns the number of connected observer clients.
	ClientCount() int
}

// AlarmScheduler arranges a single future wake-up that drives HandleAlarm.
// A later call supersedes an earlier one; alarms never stack.
type AlarmScheduler interface {
	ScheduleAlarm(at time.Time)
}

// IDGenerator produces opaque identifiers for new sandboxes.
type IDGenerator interface {
	NewID() string
}

// UUIDs is the default IDGenerator.
type UUIDs struct{}

func (UUIDs) NewID() string { return uuid.New().String() }

// ShutdownMessage is the instruction sent over the control socket when the
// watchdog tears a sandbox down.
type ShutdownMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// NewShutdownMessage builds the shutdown instruction.
func NewShutdownMessage(reason string) ShutdownMessage {
	return ShutdownMessage{Type: "shutdown", Reason: reason}
}

// Config holds the injected lifecycle tuning. All fields have defaults.
type Config struct {
	// HeartbeatTimeout is how long the sandbox may go without a liveness
	// ping before it is considered unresponsive.
	HeartbeatTimeout time.Duration

	// InactivityTimeout is the idle duration after which an unused-but-live
	// sandbox is torn down (after a best-effort snapshot).
	InactivityTimeout time.Duration

	// BreakerThreshold and BreakerWindow tune the spawn circuit breaker:
	// once the durable failure count reaches the threshold, spawns are
	// blocked until the window has elapsed since the last failure.
	BreakerThreshold int
	BreakerWindow    time.Duration

	// CallbackURL is the control boundary the sandbox dials back into.
	CallbackURL string

	// DefaultModel is used when the session does not select one.
	DefaultModel string
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout:  90 * time.Second,
		InactivityTimeout: 10 * time.Minute,
		BreakerThreshold:  3,
		BreakerWindow:     5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = def.InactivityTimeout
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = def.BreakerThreshold
	}
	if c.BreakerWindow <= 0 {
		c.BreakerWindow = def.BreakerWindow
	}
	return c
}
