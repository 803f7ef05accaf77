// Package store defines the persistence contracts for sessions and sandbox
// resource records.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/wardenhq/warden/pkg/domain"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleWrite is returned when a timestamp-gated write lost to a
	// fresher write: the record's updated_at is newer than the timestamp
	// carried by the write.
	ErrStaleWrite = errors.New("stale write")
)

// SpawnUpdate is the single atomic write applied after a successful provider
// create or restore.
type SpawnUpdate struct {
	ProviderSandboxID string
	ProviderObjectID  string
	// AuthTokenHash is the hash of the new callback credential. Empty on
	// restore paths that keep the previous credential.
	AuthTokenHash string
	Status        domain.SandboxStatus
	At            time.Time
}

// SandboxStore manages the persistence of sandbox resource records.
// Each sandbox is lifetime-bound to one session. Every mutation stamps
// updated_at from the caller-supplied timestamp, never from the wall clock,
// so all writes belonging to one logical operation carry one timestamp and
// a gated status write issued with that same timestamp still passes.
type SandboxStore interface {
	// CreateSandbox persists a new record. ID and SessionID must be set.
	CreateSandbox(ctx context.Context, sb *domain.Sandbox) error

	// GetSandbox retrieves the sandbox for the given session.
	// Returns ErrNotFound if no record exists.
	GetSandbox(ctx context.Context, sessionID string) (*domain.Sandbox, error)

	// UpdateSandboxStatus writes a status transition. The write is gated by
	// a monotonic timestamp comparison: it is applied only if the record's
	// current updated_at is not newer than at, and returns ErrStaleWrite
	// otherwise. This keeps delayed asynchronous completions from
	// overwriting fresher state.
	UpdateSandboxStatus(ctx context.Context, sessionID string, status domain.SandboxStatus, at time.Time) error

	// UpdateSandboxForSpawn applies the post-spawn identifiers, credential
	// hash, and status in one write.
	UpdateSandboxForSpawn(ctx context.Context, sessionID string, upd SpawnUpdate) error

	// UpdateSandboxSnapshotImageID records the most recent saved snapshot.
	UpdateSandboxSnapshotImageID(ctx context.Context, sessionID, imageID string, at time.Time) error

	// UpdateSandboxLastActivity persists a user/agent activity timestamp.
	UpdateSandboxLastActivity(ctx context.Context, sessionID string, ts time.Time) error

	// UpdateSandboxHeartbeat persists a liveness ping timestamp.
	UpdateSandboxHeartbeat(ctx context.Context, sessionID string, ts time.Time) error

	// IncrementSpawnFailure bumps the durable circuit-breaker counter and
	// records when the failure happened. Only permanent provider failures
	// are counted.
	IncrementSpawnFailure(ctx context.Context, sessionID string, at time.Time) error

	// ResetCircuitBreaker zeroes the failure counter and timestamp.
	ResetCircuitBreaker(ctx context.Context, sessionID string, at time.Time) error

	// SetLastSpawnError records the most recent failure detail for
	// diagnostics.
	SetLastSpawnError(ctx context.Context, sessionID, message string, at time.Time) error
}

// SessionStore manages session records and per-user settings. The lifecycle
// core only reads sessions; mutation belongs to the request layer.
type SessionStore interface {
	// CreateSession persists a new session. The ID field must be set.
	CreateSession(ctx context.Context, s *domain.Session) error

	// GetSession retrieves a session by ID. Returns ErrNotFound if missing.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessionIDs returns the IDs of all sessions, newest first.
	ListSessionIDs(ctx context.Context) ([]string, error)

	// GetUserEnvVars returns the environment overrides configured for the
	// given user scope. A missing scope yields an empty map, not an error.
	GetUserEnvVars(ctx context.Context, userID string) (map[string]string, error)

	// SetUserEnvVar upserts one environment override for the user scope.
	SetUserEnvVar(ctx context.Context, userID, key, value string) error
}
