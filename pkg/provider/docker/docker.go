// Package docker implements the sandbox provider on a local Docker daemon.
// It exists for development and self-hosted deployments: each sandbox is a
// container running the agent image, and snapshots are container commits.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/wardenhq/warden/pkg/provider"
)

const (
	// LabelManager identifies containers managed by this system.
	LabelManager = "manager"
	// LabelManagerValue is the value of the manager label.
	LabelManagerValue = "warden"
	// LabelSessionID identifies which session a container belongs to.
	LabelSessionID = "session-id"
	// AgentImage is the default sandbox agent image.
	AgentImage = "warden-agent:latest"
)

// Provider implements the sandbox provider using Docker containers.
type Provider struct {
	client *client.Client
	image  string
	logger *slog.Logger
}

// Verify interface compliance.
var _ provider.Provider = (*Provider)(nil)

// New creates a Docker-backed provider using the environment's daemon.
func New(image string) (*Provider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if image == "" {
		image = AgentImage
	}
	return &Provider{
		client: cli,
		image:  image,
		logger: slog.Default().With("component", "docker-provider"),
	}, nil
}

// Capabilities reports the Docker backend's feature set. Snapshots are
// container commits, so both snapshot and restore are supported.
func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportsSnapshots: true,
		SupportsRestore:   true,
		SupportsWarm:      true,
	}
}

// CreateSandbox starts a fresh agent container for the session. The agent
// receives its identity, credential, and callback target through the
// environment and dials back to the control socket on boot.
func (p *Provider) CreateSandbox(ctx context.Context, cfg provider.CreateConfig) (*provider.CreateResult, error) {
	if _, _, err := p.client.ImageInspectWithRaw(ctx, p.image); err != nil {
		return nil, provider.NewError(fmt.Sprintf("agent image %q not found", p.image), err)
	}

	env := agentEnv(cfg.SessionID, cfg.CallbackURL, cfg.Env)
	env = append(env,
		"WARDEN_SANDBOX_ID="+cfg.SandboxID,
		"WARDEN_AUTH_TOKEN="+cfg.AuthToken,
		"WARDEN_REPO="+cfg.Repo,
		"WARDEN_BRANCH="+cfg.Branch,
		"WARDEN_MODEL="+cfg.Model,
	)

	id, err := p.startContainer(ctx, cfg.SessionID, p.image, env)
	if err != nil {
		return nil, err
	}

	p.logger.Info("sandbox container started", "session_id", cfg.SessionID, "container_id", id)
	return &provider.CreateResult{
		ProviderSandboxID: p.containerName(cfg.SessionID),
		ProviderObjectID:  id,
		Status:            "running",
		CreatedAt:         time.Now(),
	}, nil
}

// RestoreFromSnapshot starts a container from a previously committed image.
// The snapshot carries the workspace and the agent's stored credential, so
// only the session identity and callback target are re-injected.
func (p *Provider) RestoreFromSnapshot(ctx context.Context, cfg provider.RestoreConfig) (*provider.RestoreResult, error) {
	if _, _, err := p.client.ImageInspectWithRaw(ctx, cfg.SnapshotImageID); err != nil {
		return &provider.RestoreResult{
			Success: false,
			Error:   fmt.Sprintf("snapshot image %q not found: %v", cfg.SnapshotImageID, err),
		}, nil
	}

	env := agentEnv(cfg.SessionID, cfg.CallbackURL, cfg.Env)
	id, err := p.startContainer(ctx, cfg.SessionID, cfg.SnapshotImageID, env)
	if err != nil {
		return nil, err
	}

	p.logger.Info("sandbox restored from snapshot",
		"session_id", cfg.SessionID, "image", cfg.SnapshotImageID, "container_id", id)
	return &provider.RestoreResult{
		Success:           true,
		ProviderSandboxID: p.containerName(cfg.SessionID),
		ProviderObjectID:  id,
	}, nil
}

// TakeSnapshot commits the running container to a local image. The container
// keeps running; whether it is then shut down is the caller's decision.
func (p *Provider) TakeSnapshot(ctx context.Context, cfg provider.SnapshotConfig) (*provider.SnapshotResult, error) {
	ref := fmt.Sprintf("warden-snapshot-%s:%d", cfg.SandboxID, time.Now().Unix())
	resp, err := p.client.ContainerCommit(ctx, cfg.ProviderObjectID, types.ContainerCommitOptions{
		Reference: ref,
		Comment:   "warden snapshot: " + cfg.Reason,
		Pause:     true,
	})
	if err != nil {
		return &provider.SnapshotResult{
			Success: false,
			Error:   fmt.Sprintf("committing container: %v", err),
		}, nil
	}
	p.logger.Info("snapshot committed", "image", ref, "id", resp.ID, "reason", cfg.Reason)
	return &provider.SnapshotResult{Success: true, ImageID: ref}, nil
}

// Close releases the Docker client resources.
func (p *Provider) Close() error {
	return p.client.Close()
}

// --- internal helpers ---

func agentEnv(sessionID, callbackURL string, overrides map[string]string) []string {
	env := []string{
		"WARDEN_SESSION_ID=" + sessionID,
		"WARDEN_CALLBACK_URL=" + callbackURL,
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// startContainer replaces any previous container for the session, then
// creates and starts a fresh one. AutoRemove lets the container clean itself
// up when the agent exits on a shutdown instruction.
func (p *Provider) startContainer(ctx context.Context, sessionID, image string, env []string) (string, error) {
	p.removeExisting(ctx, sessionID)

	cfg := &container.Config{
		Image: image,
		Env:   env,
		Labels: map[string]string{
			LabelManager:   LabelManagerValue,
			LabelSessionID: sessionID,
		},
	}
	hostCfg := &container.HostConfig{
		AutoRemove: true,
	}

	resp, err := p.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, p.containerName(sessionID))
	if err != nil {
		return "", provider.NewError("creating container", err)
	}
	if err := p.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", provider.NewError("starting container", err)
	}
	return resp.ID, nil
}

// removeExisting stops and removes any containers previously started for the
// session. Best-effort: a stale container that cannot be removed surfaces as
// a name conflict on create.
func (p *Provider) removeExisting(ctx context.Context, sessionID string) {
	containers, err := p.client.ContainerList(ctx, types.ContainerListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManager+"="+LabelManagerValue),
			filters.Arg("label", LabelSessionID+"="+sessionID),
		),
	})
	if err != nil {
		p.logger.Warn("listing existing containers", "session_id", sessionID, "error", err)
		return
	}
	for _, c := range containers {
		timeout := 10
		if err := p.client.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
			p.logger.Warn("stopping container", "id", c.ID, "error", err)
		}
		if err := p.client.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			p.logger.Warn("removing container", "id", c.ID, "error", err)
		}
	}
}

func (p *Provider) containerName(sessionID string) string {
	return "warden-sandbox-" + sessionID
}
