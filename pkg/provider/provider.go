// Package provider defines the capability contract for the remote compute
// service that creates, restores, and snapshots sandboxes.
package provider

import (
	"context"
	"time"
)

// Capabilities advertises which optional operations a provider supports.
// The lifecycle manager consults these before calling the corresponding
// methods; TakeSnapshot in particular is a no-op without SupportsSnapshots.
type Capabilities struct {
	SupportsSnapshots bool
	SupportsRestore   bool
	SupportsWarm      bool
}

// CreateConfig carries everything needed to cold-create a sandbox.
type CreateConfig struct {
	// SandboxID is the caller-generated identifier for the new sandbox.
	SandboxID string
	SessionID string

	// AuthToken is the raw callback credential injected into the sandbox.
	// It is never persisted by the caller; only its hash is.
	AuthToken string

	Repo   string
	Branch string
	Model  string

	// Env holds per-scope environment overrides fetched from storage.
	Env map[string]string

	// CallbackURL is the control boundary the sandbox connects back to.
	CallbackURL string
}

// CreateResult is the provider's response to a successful create.
type CreateResult struct {
	ProviderSandboxID string
	ProviderObjectID  string
	Status            string
	CreatedAt         time.Time
}

// RestoreConfig carries everything needed to restore a sandbox from a
// previously saved snapshot.
type RestoreConfig struct {
	SandboxID       string
	SessionID       string
	SnapshotImageID string
	AuthToken       string
	Env             map[string]string
	CallbackURL     string
}

// RestoreResult is the provider's response to a restore attempt. Providers
// may report failure either through this result or through a returned error;
// callers must handle both.
type RestoreResult struct {
	Success           bool
	ProviderSandboxID string
	// ProviderObjectID, when non-empty, replaces the stored object id. It is
	// required by the next snapshot request.
	ProviderObjectID string
	Error            string
}

// SnapshotConfig identifies the running sandbox to snapshot.
type SnapshotConfig struct {
	SandboxID        string
	ProviderObjectID string
	Reason           string
}

// SnapshotResult is the provider's response to a snapshot request.
type SnapshotResult struct {
	Success bool
	ImageID string
	Error   string
}

// Provider is the capability-gated client for the remote compute service.
// Failures surface as a *Error carrying the original cause and a
// transient/permanent classification.
type Provider interface {
	Capabilities() Capabilities
	CreateSandbox(ctx context.Context, cfg CreateConfig) (*CreateResult, error)
	RestoreFromSnapshot(ctx context.Context, cfg RestoreConfig) (*RestoreResult, error)
	TakeSnapshot(ctx context.Context, cfg SnapshotConfig) (*SnapshotResult, error)
}
