package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/wardenhq/warden/pkg/domain"
	"github.com/wardenhq/warden/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedSandbox creates a session plus its sandbox record and returns the session ID.
func seedSandbox(t *testing.T, s *Store) string {
	t.Helper()
	ctx := context.Background()
	sessionID := uuid.New().String()
	if err := s.CreateSession(ctx, &domain.Session{
		ID:     sessionID,
		UserID: "user-1",
		Repo:   "acme/widgets",
		Model:  "claude-sonnet-4",
	}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.CreateSandbox(ctx, &domain.Sandbox{
		ID:        uuid.New().String(),
		SessionID: sessionID,
	}); err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}
	return sessionID
}

func TestSandboxRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sessionID := seedSandbox(t, s)

	sb, err := s.GetSandbox(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSandbox: %v", err)
	}
	if sb.Status != domain.StatusPending {
		t.Errorf("new sandbox status = %s, want pending", sb.Status)
	}
	if !sb.LastHeartbeat.IsZero() || !sb.LastActivity.IsZero() {
		t.Error("new sandbox has non-zero heartbeat/activity timestamps")
	}

	_, err = s.GetSandbox(ctx, "no-such-session")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetSandbox(missing) = %v, want ErrNotFound", err)
	}
}

func TestUpdateSandboxForSpawn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sessionID := seedSandbox(t, s)

	now := time.Now().UTC()
	err := s.UpdateSandboxForSpawn(ctx, sessionID, store.SpawnUpdate{
		ProviderSandboxID: "sb-abc",
		ProviderObjectID:  "obj-123",
		AuthTokenHash:     "deadbeef",
		Status:            domain.StatusConnecting,
		At:                now,
	})
	if err != nil {
		t.Fatalf("UpdateSandboxForSpawn: %v", err)
	}

	sb, err := s.GetSandbox(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSandbox: %v", err)
	}
	if sb.ProviderSandboxID != "sb-abc" || sb.ProviderObjectID != "obj-123" {
		t.Errorf("provider ids = (%q, %q)", sb.ProviderSandboxID, sb.ProviderObjectID)
	}
	if sb.AuthTokenHash != "deadbeef" {
		t.Errorf("auth token hash = %q", sb.AuthTokenHash)
	}
	if sb.Status != domain.StatusConnecting {
		t.Errorf("status = %s, want connecting", sb.Status)
	}

	// A restore-style spawn update with no new credential keeps the old hash.
	if err := s.UpdateSandboxForSpawn(ctx, sessionID, store.SpawnUpdate{
		ProviderSandboxID: "sb-def",
		ProviderObjectID:  "obj-456",
		Status:            domain.StatusConnecting,
		At:                now.Add(time.Second),
	}); err != nil {
		t.Fatalf("UpdateSandboxForSpawn (restore): %v", err)
	}
	sb, _ = s.GetSandbox(ctx, sessionID)
	if sb.AuthTokenHash != "deadbeef" {
		t.Errorf("restore overwrote auth token hash: %q", sb.AuthTokenHash)
	}
	if sb.ProviderObjectID != "obj-456" {
		t.Errorf("provider object id = %q, want obj-456", sb.ProviderObjectID)
	}
}

func TestUpdateSandboxStatusMonotonicGate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sessionID := seedSandbox(t, s)

	fresh := time.Now().UTC().Add(time.Minute)
	if err := s.UpdateSandboxStatus(ctx, sessionID, domain.StatusRunning, fresh); err != nil {
		t.Fatalf("UpdateSandboxStatus (fresh): %v", err)
	}

	// A write carrying an older timestamp must be rejected.
	stale := fresh.Add(-time.Second)
	err := s.UpdateSandboxStatus(ctx, sessionID, domain.StatusStopped, stale)
	if !errors.Is(err, store.ErrStaleWrite) {
		t.Fatalf("stale write err = %v, want ErrStaleWrite", err)
	}
	sb, _ := s.GetSandbox(ctx, sessionID)
	if sb.Status != domain.StatusRunning {
		t.Errorf("status after stale write = %s, want running", sb.Status)
	}

	// An equal timestamp is not newer, so the write is accepted.
	if err := s.UpdateSandboxStatus(ctx, sessionID, domain.StatusReady, fresh); err != nil {
		t.Fatalf("equal-timestamp write rejected: %v", err)
	}

	err = s.UpdateSandboxStatus(ctx, "no-such-session", domain.StatusReady, fresh)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing record err = %v, want ErrNotFound", err)
	}
}

func TestCircuitBreakerCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sessionID := seedSandbox(t, s)

	at := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		if err := s.IncrementSpawnFailure(ctx, sessionID, at); err != nil {
			t.Fatalf("IncrementSpawnFailure: %v", err)
		}
	}

	sb, err := s.GetSandbox(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSandbox: %v", err)
	}
	if sb.SpawnFailureCount != 3 {
		t.Errorf("failure count = %d, want 3", sb.SpawnFailureCount)
	}
	if !sb.LastSpawnFailure.Equal(at) {
		t.Errorf("last spawn failure = %v, want %v", sb.LastSpawnFailure, at)
	}

	if err := s.ResetCircuitBreaker(ctx, sessionID, at.Add(time.Second)); err != nil {
		t.Fatalf("ResetCircuitBreaker: %v", err)
	}
	sb, _ = s.GetSandbox(ctx, sessionID)
	if sb.SpawnFailureCount != 0 || !sb.LastSpawnFailure.IsZero() {
		t.Errorf("after reset: count=%d lastFailure=%v", sb.SpawnFailureCount, sb.LastSpawnFailure)
	}
}

func TestHeartbeatAndActivityTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sessionID := seedSandbox(t, s)

	hb := time.Now().UTC().Truncate(time.Millisecond)
	act := hb.Add(-30 * time.Second)
	if err := s.UpdateSandboxHeartbeat(ctx, sessionID, hb); err != nil {
		t.Fatalf("UpdateSandboxHeartbeat: %v", err)
	}
	if err := s.UpdateSandboxLastActivity(ctx, sessionID, act); err != nil {
		t.Fatalf("UpdateSandboxLastActivity: %v", err)
	}

	sb, _ := s.GetSandbox(ctx, sessionID)
	if !sb.LastHeartbeat.Equal(hb) {
		t.Errorf("last heartbeat = %v, want %v", sb.LastHeartbeat, hb)
	}
	if !sb.LastActivity.Equal(act) {
		t.Errorf("last activity = %v, want %v", sb.LastActivity, act)
	}
}

func TestSnapshotImageIDUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sessionID := seedSandbox(t, s)

	at := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.UpdateSandboxSnapshotImageID(ctx, sessionID, "img-1", at); err != nil {
		t.Fatalf("UpdateSandboxSnapshotImageID: %v", err)
	}
	sb, _ := s.GetSandbox(ctx, sessionID)
	if sb.SnapshotImageID != "img-1" {
		t.Errorf("snapshot image = %q, want img-1", sb.SnapshotImageID)
	}

	// The write is stamped with the operation timestamp, so a gated status
	// write from the same operation still lands.
	if !sb.UpdatedAt.Equal(at) {
		t.Errorf("updated_at = %v, want %v", sb.UpdatedAt, at)
	}
	if err := s.UpdateSandboxStatus(ctx, sessionID, domain.StatusStopped, at); err != nil {
		t.Fatalf("status write after snapshot with the same timestamp: %v", err)
	}
	sb, _ = s.GetSandbox(ctx, sessionID)
	if sb.Status != domain.StatusStopped {
		t.Errorf("status = %s, want stopped", sb.Status)
	}
}

func TestLastSpawnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sessionID := seedSandbox(t, s)

	at := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.SetLastSpawnError(ctx, sessionID, "HTTP 403: forbidden", at); err != nil {
		t.Fatalf("SetLastSpawnError: %v", err)
	}
	sb, _ := s.GetSandbox(ctx, sessionID)
	if sb.LastSpawnError != "HTTP 403: forbidden" {
		t.Errorf("last spawn error = %q", sb.LastSpawnError)
	}
	if !sb.LastSpawnErrorAt.Equal(at) {
		t.Errorf("last spawn error at = %v, want %v", sb.LastSpawnErrorAt, at)
	}

	// Recording the failure must not gate out the failed status carrying
	// the same timestamp.
	if err := s.UpdateSandboxStatus(ctx, sessionID, domain.StatusFailed, at); err != nil {
		t.Fatalf("status write after spawn error with the same timestamp: %v", err)
	}
	sb, _ = s.GetSandbox(ctx, sessionID)
	if sb.Status != domain.StatusFailed {
		t.Errorf("status = %s, want failed", sb.Status)
	}
}

func TestUserEnvVars(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	env, err := s.GetUserEnvVars(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetUserEnvVars (empty): %v", err)
	}
	if len(env) != 0 {
		t.Errorf("expected empty env, got %v", env)
	}

	if err := s.SetUserEnvVar(ctx, "user-1", "NPM_TOKEN", "secret"); err != nil {
		t.Fatalf("SetUserEnvVar: %v", err)
	}
	if err := s.SetUserEnvVar(ctx, "user-1", "NPM_TOKEN", "rotated"); err != nil {
		t.Fatalf("SetUserEnvVar (upsert): %v", err)
	}
	env, _ = s.GetUserEnvVars(ctx, "user-1")
	if env["NPM_TOKEN"] != "rotated" {
		t.Errorf("env = %v, want NPM_TOKEN=rotated", env)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &domain.Session{ID: "sess-1", UserID: "u", Repo: "acme/widgets", Model: "m"}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	got, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Repo != "acme/widgets" || got.Status != "active" {
		t.Errorf("session = %+v", got)
	}

	ids, err := s.ListSessionIDs(ctx)
	if err != nil {
		t.Fatalf("ListSessionIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "sess-1" {
		t.Errorf("ids = %v", ids)
	}

	_, err = s.GetSession(ctx, "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetSession(missing) = %v, want ErrNotFound", err)
	}
}
