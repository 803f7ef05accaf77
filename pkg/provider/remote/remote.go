// Package remote implements the sandbox provider against a hosted compute
// service over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wardenhq/warden/pkg/provider"
)

const defaultTimeout = 60 * time.Second

// Client talks to the compute service's REST API. All failures are returned
// as typed provider errors so callers can distinguish infrastructure blips
// from permanent rejections.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	logger   *slog.Logger
}

// Verify interface compliance.
var _ provider.Provider = (*Client)(nil)

// New creates a client for the compute service at endpoint, authenticating
// with the given API token.
func New(endpoint, token string) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		http:     &http.Client{Timeout: defaultTimeout},
		logger:   slog.Default().With("component", "remote-provider"),
	}
}

// Capabilities reports what the compute service supports. The hosted service
// snapshots and restores natively.
func (c *Client) Capabilities() provider.Capabilities {
	return provider.Capabilities{
		SupportsSnapshots: true,
		SupportsRestore:   true,
		SupportsWarm:      true,
	}
}

type createRequest struct {
	SandboxID   string            `json:"sandbox_id"`
	SessionID   string            `json:"session_id"`
	AuthToken   string            `json:"auth_token"`
	Repo        string            `json:"repo"`
	Branch      string            `json:"branch,omitempty"`
	Model       string            `json:"model,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	CallbackURL string            `json:"callback_url"`
}

type createResponse struct {
	SandboxID string    `json:"sandbox_id"`
	ObjectID  string    `json:"object_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateSandbox provisions a fresh sandbox for the session.
func (c *Client) CreateSandbox(ctx context.Context, cfg provider.CreateConfig) (*provider.CreateResult, error) {
	var resp createResponse
	if err := c.post(ctx, "/v1/sandboxes", createRequest{
		SandboxID:   cfg.SandboxID,
		SessionID:   cfg.SessionID,
		AuthToken:   cfg.AuthToken,
		Repo:        cfg.Repo,
		Branch:      cfg.Branch,
		Model:       cfg.Model,
		Env:         cfg.Env,
		CallbackURL: cfg.CallbackURL,
	}, &resp); err != nil {
		return nil, err
	}
	return &provider.CreateResult{
		ProviderSandboxID: resp.SandboxID,
		ProviderObjectID:  resp.ObjectID,
		Status:            resp.Status,
		CreatedAt:         resp.CreatedAt,
	}, nil
}

type restoreRequest struct {
	SessionID       string            `json:"session_id"`
	SnapshotImageID string            `json:"snapshot_image_id"`
	Env             map[string]string `json:"env,omitempty"`
	CallbackURL     string            `json:"callback_url"`
}

type restoreResponse struct {
	Success   bool   `json:"success"`
	SandboxID string `json:"sandbox_id"`
	ObjectID  string `json:"object_id"`
	Error     string `json:"error,omitempty"`
}

// RestoreFromSnapshot boots a sandbox from a previously saved image. A
// service-level rejection comes back as Success=false rather than an error,
// matching the wire contract.
func (c *Client) RestoreFromSnapshot(ctx context.Context, cfg provider.RestoreConfig) (*provider.RestoreResult, error) {
	var resp restoreResponse
	if err := c.post(ctx, "/v1/sandboxes/"+cfg.SandboxID+"/restore", restoreRequest{
		SessionID:       cfg.SessionID,
		SnapshotImageID: cfg.SnapshotImageID,
		Env:             cfg.Env,
		CallbackURL:     cfg.CallbackURL,
	}, &resp); err != nil {
		return nil, err
	}
	return &provider.RestoreResult{
		Success:           resp.Success,
		ProviderSandboxID: resp.SandboxID,
		ProviderObjectID:  resp.ObjectID,
		Error:             resp.Error,
	}, nil
}

type snapshotRequest struct {
	ObjectID string `json:"object_id"`
	Reason   string `json:"reason,omitempty"`
}

type snapshotResponse struct {
	Success bool   `json:"success"`
	ImageID string `json:"image_id"`
	Error   string `json:"error,omitempty"`
}

// TakeSnapshot asks the service to persist the sandbox's filesystem state.
func (c *Client) TakeSnapshot(ctx context.Context, cfg provider.SnapshotConfig) (*provider.SnapshotResult, error) {
	var resp snapshotResponse
	if err := c.post(ctx, "/v1/sandboxes/"+cfg.SandboxID+"/snapshot", snapshotRequest{
		ObjectID: cfg.ProviderObjectID,
		Reason:   cfg.Reason,
	}, &resp); err != nil {
		return nil, err
	}
	return &provider.SnapshotResult{
		Success: resp.Success,
		ImageID: resp.ImageID,
		Error:   resp.Error,
	}, nil
}

// post sends a JSON request and decodes a JSON response. Transport failures
// and non-2xx statuses come back as typed provider errors; the status code
// and response body drive the transient/permanent classification.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return provider.NewError("calling compute service", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := fmt.Sprintf("compute service returned HTTP %d: %s",
			resp.StatusCode, strings.TrimSpace(string(detail)))
		c.logger.Warn("request rejected", "path", path, "status", resp.StatusCode)
		return &provider.Error{Message: msg, Type: provider.ClassifyMessage(msg)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return provider.NewError("decoding compute service response", err)
	}
	return nil
}
