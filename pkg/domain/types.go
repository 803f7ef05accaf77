package domain

import "time"

// Sandbox is the durable record of one remote execution sandbox. It is
// lifetime-bound 1:1 to a session: created when the session is initialized
// and mutated through spawn, restore, heartbeat, idle and snapshot cycles.
type Sandbox struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`

	// ProviderSandboxID and ProviderObjectID are identifiers understood by
	// the provider. ProviderObjectID is required to request a snapshot and
	// is refreshed whenever a create or restore succeeds.
	ProviderSandboxID string `json:"provider_sandbox_id,omitempty"`
	ProviderObjectID  string `json:"provider_object_id,omitempty"`

	// SnapshotImageID is the most recent successfully saved snapshot.
	// A non-empty value plus a restorable status enables restore-instead-of-create.
	SnapshotImageID string `json:"snapshot_image_id,omitempty"`

	// AuthTokenHash is the SHA-256 hash of the sandbox's callback credential.
	// The raw token is never persisted.
	AuthTokenHash string `json:"-"`

	Status        SandboxStatus `json:"status"`
	GitSyncStatus GitSyncStatus `json:"git_sync_status,omitempty"`

	LastHeartbeat time.Time `json:"last_heartbeat"`
	LastActivity  time.Time `json:"last_activity"`

	// LastSpawnError and LastSpawnErrorAt hold the most recent permanent
	// spawn failure, for diagnostics.
	LastSpawnError   string    `json:"last_spawn_error,omitempty"`
	LastSpawnErrorAt time.Time `json:"last_spawn_error_at,omitzero"`

	// SpawnFailureCount and LastSpawnFailure are the circuit-breaker state.
	// They are durable so a process restart does not erase failure history.
	SpawnFailureCount int       `json:"spawn_failure_count"`
	LastSpawnFailure  time.Time `json:"last_spawn_failure,omitzero"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session represents one coding-agent session. The lifecycle core reads it
// to build provider requests and never mutates it.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Repo      string    `json:"repo"`
	Branch    string    `json:"branch,omitempty"`
	Model     string    `json:"model"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SandboxStatus is the lifecycle state of a sandbox.
type SandboxStatus string

const (
	StatusPending      SandboxStatus = "pending"
	StatusSpawning     SandboxStatus = "spawning"
	StatusConnecting   SandboxStatus = "connecting"
	StatusWarming      SandboxStatus = "warming"
	StatusSyncing      SandboxStatus = "syncing"
	StatusReady        SandboxStatus = "ready"
	StatusRunning      SandboxStatus = "running"
	StatusStale        SandboxStatus = "stale"
	StatusSnapshotting SandboxStatus = "snapshotting"
	StatusStopped      SandboxStatus = "stopped"
	StatusFailed       SandboxStatus = "failed"
)

// Restorable reports whether a sandbox in this status may be restored from
// a snapshot instead of cold-created. The remote sandbox is gone in all
// three states; the snapshot, if any, is the latest saved state.
func (s SandboxStatus) Restorable() bool {
	switch s {
	case StatusStopped, StatusStale, StatusFailed:
		return true
	default:
		return false
	}
}

// GitSyncStatus is the repository sync sub-status. It is written by the
// sandbox's own progress reports, not by the lifecycle core.
type GitSyncStatus string

const (
	GitSyncIdle    GitSyncStatus = "idle"
	GitSyncCloning GitSyncStatus = "cloning"
	GitSyncSynced  GitSyncStatus = "synced"
	GitSyncError   GitSyncStatus = "error"
)
