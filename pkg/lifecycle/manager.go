package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wardenhq/warden/pkg/auth"
	"github.com/wardenhq/warden/pkg/domain"
	"github.com/wardenhq/warden/pkg/provider"
	"github.com/wardenhq/warden/pkg/store"
)

// Manager orchestrates the sandbox lifecycle for exactly one session. All
// durable facts live in the sandbox record; the only in-memory state is the
// spawn-in-progress guard. Operations are serialized by an internal mutex,
// so a manager behaves like a single-owner actor even when its entry points
// are invoked from multiple goroutines.
type Manager struct {
	sessionID string

	sandboxes store.SandboxStore
	sessions  store.SessionStore
	provider  provider.Provider
	conns     Connections
	events    Broadcaster
	alarms    AlarmScheduler
	ids       IDGenerator
	cfg       Config
	logger    *slog.Logger

	// onTerminating, when set, is awaited immediately before a terminating
	// shutdown is issued so an upstream owner can persist final state first.
	onTerminating func(context.Context) error

	mu       sync.Mutex
	spawning atomic.Bool
	now      func() time.Time
}

// Deps bundles the constructor-injected collaborators.
type Deps struct {
	SessionID     string
	Sandboxes     store.SandboxStore
	Sessions      store.SessionStore
	Provider      provider.Provider
	Connections   Connections
	Broadcaster   Broadcaster
	Alarms        AlarmScheduler
	IDs           IDGenerator
	Logger        *slog.Logger
	OnTerminating func(context.Context) error
}

// NewManager builds the lifecycle manager for one session.
func NewManager(cfg Config, d Deps) *Manager {
	if d.IDs == nil {
		d.IDs = UUIDs{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Manager{
		sessionID:     d.SessionID,
		sandboxes:     d.Sandboxes,
		sessions:      d.Sessions,
		provider:      d.Provider,
		conns:         d.Connections,
		events:        d.Broadcaster,
		alarms:        d.Alarms,
		ids:           d.IDs,
		cfg:           cfg.withDefaults(),
		logger:        d.Logger.With("session_id", d.SessionID),
		onTerminating: d.OnTerminating,
		now:           time.Now,
	}
}

// IsSpawning reports whether a spawn attempt is currently in flight. It has
// no side effects, so callers can test without racing a spawn.
func (m *Manager) IsSpawning() bool {
	return m.spawning.Load()
}

// SpawnSandbox creates or restores the session's sandbox. It is idempotent
// and safe to call repeatedly: reentrant calls during an in-flight attempt,
// calls while the control socket is live, and calls while the record is
// already spawning or connecting are all no-ops. Provider failures are
// converted into a failed status plus a sandbox_error broadcast; only
// storage failures are returned.
func (m *Manager) SpawnSandbox(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spawnLocked(ctx)
}

func (m *Manager) spawnLocked(ctx context.Context) error {
	if m.spawning.Load() || m.conns.SandboxConnected() {
		return nil
	}

	sb, err := m.sandboxes.GetSandbox(ctx, m.sessionID)
	if err != nil {
		return fmt.Errorf("loading sandbox record: %w", err)
	}
	if sb.Status == domain.StatusSpawning || sb.Status == domain.StatusConnecting {
		return nil
	}

	now := m.now()

	// Circuit breaker: repeated permanent failures block further attempts
	// until the cooldown window has elapsed.
	if sb.SpawnFailureCount >= m.cfg.BreakerThreshold {
		if now.Sub(sb.LastSpawnFailure) < m.cfg.BreakerWindow {
			m.logger.Warn("spawn blocked by circuit breaker",
				"failures", sb.SpawnFailureCount,
				"last_failure", sb.LastSpawnFailure)
			m.events.Broadcast(domain.ErrorEvent(fmt.Sprintf(
				"sandbox creation temporarily disabled after %d consecutive failures",
				sb.SpawnFailureCount)))
			return nil
		}
		if err := m.sandboxes.ResetCircuitBreaker(ctx, m.sessionID, now); err != nil {
			return fmt.Errorf("resetting circuit breaker: %w", err)
		}
	}

	if !m.spawning.CompareAndSwap(false, true) {
		return nil
	}
	defer m.spawning.Store(false)

	sess, err := m.sessions.GetSession(ctx, m.sessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	env, err := m.sessions.GetUserEnvVars(ctx, sess.UserID)
	if err != nil {
		return fmt.Errorf("loading env overrides: %w", err)
	}

	if sb.SnapshotImageID != "" && sb.Status.Restorable() && m.provider.Capabilities().SupportsRestore {
		return m.restore(ctx, sb, env, now)
	}
	return m.create(ctx, sb, sess, env, now)
}

func (m *Manager) create(ctx context.Context, sb *domain.Sandbox, sess *domain.Session, env map[string]string, now time.Time) error {
	token, err := auth.GenerateToken()
	if err != nil {
		return fmt.Errorf("generating sandbox token: %w", err)
	}
	model := sess.Model
	if model == "" {
		model = m.cfg.DefaultModel
	}

	res, err := m.provider.CreateSandbox(ctx, provider.CreateConfig{
		SandboxID:   m.ids.NewID(),
		SessionID:   m.sessionID,
		AuthToken:   token,
		Repo:        sess.Repo,
		Branch:      sess.Branch,
		Model:       model,
		Env:         env,
		CallbackURL: m.cfg.CallbackURL,
	})
	if err != nil {
		return m.failSpawn(ctx, err)
	}

	// Hash the credential and let the raw token go out of scope. Only the
	// hash is ever written to storage.
	hash := auth.HashToken(token)

	createdAt := res.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	if err := m.sandboxes.UpdateSandboxForSpawn(ctx, m.sessionID, store.SpawnUpdate{
		ProviderSandboxID: res.ProviderSandboxID,
		ProviderObjectID:  res.ProviderObjectID,
		AuthTokenHash:     hash,
		Status:            domain.StatusConnecting,
		At:                createdAt,
	}); err != nil {
		return fmt.Errorf("persisting spawn result: %w", err)
	}

	m.events.Broadcast(domain.StatusEvent(domain.StatusConnecting))
	if err := m.sandboxes.ResetCircuitBreaker(ctx, m.sessionID, now); err != nil {
		return fmt.Errorf("resetting circuit breaker: %w", err)
	}
	m.logger.Info("sandbox created",
		"provider_sandbox_id", res.ProviderSandboxID,
		"provider_object_id", res.ProviderObjectID)
	return nil
}

func (m *Manager) restore(ctx context.Context, sb *domain.Sandbox, env map[string]string, now time.Time) error {
	res, err := m.provider.RestoreFromSnapshot(ctx, provider.RestoreConfig{
		SandboxID:       sb.ProviderSandboxID,
		SessionID:       m.sessionID,
		SnapshotImageID: sb.SnapshotImageID,
		Env:             env,
		CallbackURL:     m.cfg.CallbackURL,
	})
	if err != nil {
		return m.failSpawn(ctx, err)
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "restore from snapshot failed"
		}
		return m.failSpawn(ctx, &provider.Error{Message: msg, Type: provider.ClassifyMessage(msg)})
	}

	providerSandboxID := res.ProviderSandboxID
	if providerSandboxID == "" {
		providerSandboxID = sb.ProviderSandboxID
	}
	// A restore may hand back a new provider object id; it is required by
	// the next snapshot request, so it must be persisted.
	objectID := res.ProviderObjectID
	if objectID == "" {
		objectID = sb.ProviderObjectID
	}
	if err := m.sandboxes.UpdateSandboxForSpawn(ctx, m.sessionID, store.SpawnUpdate{
		ProviderSandboxID: providerSandboxID,
		ProviderObjectID:  objectID,
		Status:            domain.StatusConnecting,
		At:                now,
	}); err != nil {
		return fmt.Errorf("persisting restore result: %w", err)
	}

	m.events.Broadcast(domain.RestoredEvent(sb.SnapshotImageID))
	m.events.Broadcast(domain.StatusEvent(domain.StatusConnecting))
	if err := m.sandboxes.ResetCircuitBreaker(ctx, m.sessionID, now); err != nil {
		return fmt.Errorf("resetting circuit breaker: %w", err)
	}
	m.logger.Info("sandbox restored from snapshot",
		"snapshot_image_id", sb.SnapshotImageID,
		"provider_object_id", objectID)
	return nil
}

// failSpawn converts a provider failure into a failed status plus a
// sandbox_error broadcast. Permanent failures count against the circuit
// breaker and are recorded for diagnostics; transient ones are not.
func (m *Manager) failSpawn(ctx context.Context, cause error) error {
	now := m.now()
	msg := cause.Error()
	kind := provider.Classify(cause)
	m.logger.Error("spawn failed", "error", cause, "classification", kind)

	var errs []error
	if kind == provider.ErrorPermanent {
		if err := m.sandboxes.IncrementSpawnFailure(ctx, m.sessionID, now); err != nil {
			errs = append(errs, fmt.Errorf("incrementing spawn failure: %w", err))
		}
		if err := m.sandboxes.SetLastSpawnError(ctx, m.sessionID, msg, now); err != nil {
			errs = append(errs, fmt.Errorf("recording spawn error: %w", err))
		}
	}
	if err := m.setStatus(ctx, domain.StatusFailed, now); err != nil {
		errs = append(errs, err)
	}
	m.events.Broadcast(domain.ErrorEvent(msg))
	return errors.Join(errs...)
}

// setStatus applies a timestamp-gated status write. Losing the gate means a
// fresher write already landed, which is not an error for the caller.
func (m *Manager) setStatus(ctx context.Context, status domain.SandboxStatus, at time.Time) error {
	err := m.sandboxes.UpdateSandboxStatus(ctx, m.sessionID, status, at)
	if errors.Is(err, store.ErrStaleWrite) {
		m.logger.Debug("status write superseded by fresher state", "status", status)
		return nil
	}
	if err != nil {
		return fmt.Errorf("updating status to %s: %w", status, err)
	}
	return nil
}

// WarmSandbox speculatively spawns the sandbox before a user is known to
// need it. Best-effort: a live control socket or an in-flight spawn makes
// it a no-op.
func (m *Manager) WarmSandbox(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conns.SandboxConnected() || m.spawning.Load() {
		return nil
	}
	sb, err := m.sandboxes.GetSandbox(ctx, m.sessionID)
	if err != nil {
		return fmt.Errorf("loading sandbox record: %w", err)
	}
	if sb.Status == domain.StatusSpawning {
		return nil
	}

	m.events.Broadcast(domain.WarmingEvent())
	return m.spawnLocked(ctx)
}

// TriggerSnapshot asks the provider to save the sandbox's current state.
// Best-effort: it never returns an error. Failures are logged and leave the
// record untouched.
func (m *Manager) TriggerSnapshot(ctx context.Context, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggerSnapshotLocked(ctx, reason, m.now())
}

// triggerSnapshotLocked persists the saved image id stamped with the
// operation timestamp at, so a status write carrying the same timestamp
// (snapshot-then-stop) is not gated out by its own snapshot.
func (m *Manager) triggerSnapshotLocked(ctx context.Context, reason string, at time.Time) {
	if !m.provider.Capabilities().SupportsSnapshots {
		return
	}
	sb, err := m.sandboxes.GetSandbox(ctx, m.sessionID)
	if err != nil {
		m.logger.Warn("snapshot skipped: loading sandbox record", "error", err)
		return
	}
	if sb.ProviderObjectID == "" {
		m.logger.Debug("snapshot skipped: no provider object id", "reason", reason)
		return
	}

	res, err := m.provider.TakeSnapshot(ctx, provider.SnapshotConfig{
		SandboxID:        sb.ProviderSandboxID,
		ProviderObjectID: sb.ProviderObjectID,
		Reason:           reason,
	})
	if err != nil {
		m.logger.Warn("snapshot failed", "reason", reason, "error", err)
		return
	}
	if !res.Success {
		m.logger.Warn("snapshot rejected by provider", "reason", reason, "error", res.Error)
		return
	}
	if err := m.sandboxes.UpdateSandboxSnapshotImageID(ctx, m.sessionID, res.ImageID, at); err != nil {
		m.logger.Error("persisting snapshot image id", "image_id", res.ImageID, "error", err)
		return
	}
	m.events.Broadcast(domain.SnapshotSavedEvent(res.ImageID, reason))
	m.logger.Info("snapshot saved", "image_id", res.ImageID, "reason", reason)
}

// HandleAlarm is the watchdog tick. Exactly one of three things happens:
// an unresponsive sandbox is marked stale and shut down; an idle sandbox is
// snapshotted and stopped (or granted an extension while observers are
// connected); or the alarm is rescheduled for the nearer of the two
// remaining deadlines. Every branch that does not terminate the sandbox
// schedules exactly one new alarm.
func (m *Manager) HandleAlarm(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sb, err := m.sandboxes.GetSandbox(ctx, m.sessionID)
	if err != nil {
		return fmt.Errorf("loading sandbox record: %w", err)
	}
	now := m.now()

	// A sandbox that has connected before but stopped pinging is
	// unresponsive. A zero heartbeat means it never connected; that case is
	// governed by the inactivity deadline instead.
	if !sb.LastHeartbeat.IsZero() && now.Sub(sb.LastHeartbeat) > m.cfg.HeartbeatTimeout {
		m.logger.Warn("sandbox unresponsive", "last_heartbeat", sb.LastHeartbeat)
		statusErr := m.setStatus(ctx, domain.StatusStale, now)
		m.events.Broadcast(domain.StatusEvent(domain.StatusStale))
		m.terminate(ctx, "heartbeat timeout")
		return statusErr
	}

	lastActivity := sb.LastActivity
	if lastActivity.IsZero() {
		lastActivity = sb.CreatedAt
	}
	if now.Sub(lastActivity) > m.cfg.InactivityTimeout {
		if m.conns.ClientCount() > 0 {
			// Observers are still watching: extend instead of stopping.
			m.events.Broadcast(domain.WarningEvent(
				"session has been idle; extending because clients are connected"))
			m.alarms.ScheduleAlarm(now.Add(m.cfg.InactivityTimeout))
			return nil
		}
		m.logger.Info("sandbox idle, stopping", "last_activity", lastActivity)
		m.triggerSnapshotLocked(ctx, "inactivity_timeout", now)
		statusErr := m.setStatus(ctx, domain.StatusStopped, now)
		m.events.Broadcast(domain.StatusEvent(domain.StatusStopped))
		m.terminate(ctx, "inactivity timeout")
		return statusErr
	}

	// Neither threshold exceeded: wake again at whichever boundary comes
	// first so the next tick coincides with it.
	next := lastActivity.Add(m.cfg.InactivityTimeout)
	if !sb.LastHeartbeat.IsZero() {
		if hb := sb.LastHeartbeat.Add(m.cfg.HeartbeatTimeout); hb.Before(next) {
			next = hb
		}
	}
	m.alarms.ScheduleAlarm(next)
	return nil
}

// terminate issues the shutdown sequence: await the termination callback,
// send the shutdown instruction over the control socket, and close it with
// a normal-closure code. No further alarm is scheduled.
func (m *Manager) terminate(ctx context.Context, reason string) {
	if m.onTerminating != nil {
		if err := m.onTerminating(ctx); err != nil {
			m.logger.Warn("termination callback failed", "error", err)
		}
	}
	m.conns.SendToSandbox(NewShutdownMessage(reason))
	m.conns.CloseSandbox(websocket.CloseNormalClosure, reason)
}

// ScheduleDisconnectCheck arms the watchdog to fire one heartbeat timeout
// from now, superseding any previously scheduled alarm.
func (m *Manager) ScheduleDisconnectCheck() {
	m.alarms.ScheduleAlarm(m.now().Add(m.cfg.HeartbeatTimeout))
}

// ScheduleInactivityCheck arms the watchdog to fire one inactivity timeout
// from now, superseding any previously scheduled alarm.
func (m *Manager) ScheduleInactivityCheck() {
	m.alarms.ScheduleAlarm(m.now().Add(m.cfg.InactivityTimeout))
}

// UpdateLastActivity persists a user/agent activity timestamp. Pure side
// effect: no status change and no broadcast. It takes the manager lock so
// the write cannot land in the middle of an alarm's read-decide-write cycle.
func (m *Manager) UpdateLastActivity(ctx context.Context, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sandboxes.UpdateSandboxLastActivity(ctx, m.sessionID, ts)
}

// RecordHeartbeat persists a liveness ping and re-arms the disconnect check.
// Serialized with alarm handling like UpdateLastActivity.
func (m *Manager) RecordHeartbeat(ctx context.Context, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sandboxes.UpdateSandboxHeartbeat(ctx, m.sessionID, ts); err != nil {
		return err
	}
	m.ScheduleDisconnectCheck()
	return nil
}

// HandleSandboxConnected is called when the sandbox's control socket opens:
// the sandbox is alive, so record the heartbeat, mark it ready, and arm the
// disconnect watchdog.
func (m *Manager) HandleSandboxConnected(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if err := m.sandboxes.UpdateSandboxHeartbeat(ctx, m.sessionID, now); err != nil {
		return err
	}
	if err := m.setStatus(ctx, domain.StatusReady, now); err != nil {
		return err
	}
	m.events.Broadcast(domain.StatusEvent(domain.StatusReady))
	m.ScheduleDisconnectCheck()
	return nil
}
