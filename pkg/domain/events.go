package domain

// EventType tags a broadcast event.
type EventType string

const (
	EventSandboxStatus   EventType = "sandbox_status"
	EventSandboxError    EventType = "sandbox_error"
	EventSandboxWarning  EventType = "sandbox_warning"
	EventSandboxWarming  EventType = "sandbox_warming"
	EventSnapshotSaved   EventType = "snapshot_saved"
	EventSandboxRestored EventType = "sandbox_restored"
)

// Event is a tagged status message fanned out to all observers of a session
// and, where relevant, to the sandbox's own control socket. Exactly one of
// the payload fields is meaningful per type; use the constructors below.
type Event struct {
	Type    EventType     `json:"type"`
	Status  SandboxStatus `json:"status,omitempty"`
	Error   string        `json:"error,omitempty"`
	Message string        `json:"message,omitempty"`
	ImageID string        `json:"image_id,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}

// StatusEvent reports a sandbox status transition.
func StatusEvent(status SandboxStatus) Event {
	return Event{Type: EventSandboxStatus, Status: status}
}

// ErrorEvent reports a spawn or provider failure.
func ErrorEvent(err string) Event {
	return Event{Type: EventSandboxError, Error: err}
}

// WarningEvent reports a non-fatal condition, e.g. an idle session being
// extended because observers are still connected.
func WarningEvent(message string) Event {
	return Event{Type: EventSandboxWarning, Message: message}
}

// WarmingEvent announces a speculative pre-warm spawn.
func WarmingEvent() Event {
	return Event{Type: EventSandboxWarming}
}

// SnapshotSavedEvent reports a successfully persisted snapshot.
func SnapshotSavedEvent(imageID, reason string) Event {
	return Event{Type: EventSnapshotSaved, ImageID: imageID, Reason: reason}
}

// RestoredEvent reports a successful restore-from-snapshot.
func RestoredEvent(imageID string) Event {
	return Event{Type: EventSandboxRestored, ImageID: imageID}
}
