package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/pkg/domain"
	"github.com/wardenhq/warden/pkg/provider"
	"github.com/wardenhq/warden/pkg/store"
	"github.com/wardenhq/warden/pkg/store/sqlite"
)

// durableFixture drives a manager against the real sqlite store so every
// write's updated_at stamp participates in the monotonic gate exactly as it
// does in production. The in-memory fakes cannot catch a store that stamps
// its own clock instead of the operation timestamp.
type durableFixture struct {
	mgr       *Manager
	store     *sqlite.Store
	provider  *fakeProvider
	conns     *fakeConns
	events    *fakeEvents
	sessionID string
	now       time.Time
}

func newDurableFixture(t *testing.T) *durableFixture {
	t.Helper()

	s, err := sqlite.New(t.TempDir() + "/lifecycle.db")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

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

	// Freeze the clock at the row's creation moment; the manager's gated
	// writes must win against its own earlier writes, not against wall time.
	now := time.Now().UTC().Truncate(time.Millisecond)

	prov := &fakeProvider{
		caps: provider.Capabilities{SupportsSnapshots: true, SupportsRestore: true, SupportsWarm: true},
		createResult: &provider.CreateResult{
			ProviderSandboxID: "prov-sb",
			ProviderObjectID:  "prov-obj",
			CreatedAt:         now,
		},
		snapResult: &provider.SnapshotResult{Success: true, ImageID: "img-new"},
	}
	conns := &fakeConns{}
	events := &fakeEvents{}

	mgr := NewManager(Config{
		HeartbeatTimeout:  90 * time.Second,
		InactivityTimeout: 10 * time.Minute,
		BreakerThreshold:  3,
		BreakerWindow:     5 * time.Minute,
	}, Deps{
		SessionID:   sessionID,
		Sandboxes:   s,
		Sessions:    s,
		Provider:    prov,
		Connections: conns,
		Broadcaster: events,
		Alarms:      &fakeAlarms{},
		IDs:         &seqIDs{},
	})
	mgr.now = func() time.Time { return now }

	return &durableFixture{
		mgr:       mgr,
		store:     s,
		provider:  prov,
		conns:     conns,
		events:    events,
		sessionID: sessionID,
		now:       now,
	}
}

func TestPermanentFailurePersistsFailedStatus(t *testing.T) {
	f := newDurableFixture(t)
	ctx := context.Background()
	f.provider.createErr = &provider.Error{Message: "HTTP 403: forbidden", Type: provider.ErrorPermanent}

	time.Sleep(2 * time.Millisecond)
	if err := f.mgr.SpawnSandbox(ctx); err != nil {
		t.Fatalf("SpawnSandbox: %v", err)
	}

	sb, err := f.store.GetSandbox(ctx, f.sessionID)
	if err != nil {
		t.Fatalf("GetSandbox: %v", err)
	}
	// The breaker bookkeeping and the status write belong to one failure:
	// neither may gate out the other.
	if sb.Status != domain.StatusFailed {
		t.Errorf("status = %s, want failed", sb.Status)
	}
	if sb.SpawnFailureCount != 1 {
		t.Errorf("failure count = %d, want 1", sb.SpawnFailureCount)
	}
	if sb.LastSpawnError != "HTTP 403: forbidden" {
		t.Errorf("last spawn error = %q", sb.LastSpawnError)
	}
}

func TestInactivityStopPersistsStoppedStatus(t *testing.T) {
	f := newDurableFixture(t)
	ctx := context.Background()

	past := f.now.Add(-time.Hour)
	if err := f.store.UpdateSandboxForSpawn(ctx, f.sessionID, store.SpawnUpdate{
		ProviderSandboxID: "prov-sb",
		ProviderObjectID:  "obj-1",
		Status:            domain.StatusReady,
		At:                past,
	}); err != nil {
		t.Fatalf("UpdateSandboxForSpawn: %v", err)
	}
	if err := f.store.UpdateSandboxLastActivity(ctx, f.sessionID, past); err != nil {
		t.Fatalf("UpdateSandboxLastActivity: %v", err)
	}
	if err := f.store.UpdateSandboxHeartbeat(ctx, f.sessionID, f.now.Add(-10*time.Second)); err != nil {
		t.Fatalf("UpdateSandboxHeartbeat: %v", err)
	}

	// The snapshot call takes real time before its image id is persisted;
	// the stop that follows still carries the alarm's timestamp.
	f.provider.onSnapshot = func() { time.Sleep(5 * time.Millisecond) }

	if err := f.mgr.HandleAlarm(ctx); err != nil {
		t.Fatalf("HandleAlarm: %v", err)
	}

	sb, err := f.store.GetSandbox(ctx, f.sessionID)
	if err != nil {
		t.Fatalf("GetSandbox: %v", err)
	}
	if sb.SnapshotImageID != "img-new" {
		t.Errorf("snapshot image = %q, want img-new", sb.SnapshotImageID)
	}
	if sb.Status != domain.StatusStopped {
		t.Errorf("status = %s, want stopped", sb.Status)
	}
	// The recorded stop is what makes the saved snapshot usable next spawn.
	if !sb.Status.Restorable() {
		t.Errorf("status %s is not restorable", sb.Status)
	}
}
