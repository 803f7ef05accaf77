// Package sqlite implements the session and sandbox stores on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wardenhq/warden/pkg/domain"
	"github.com/wardenhq/warden/pkg/store"
)

// Store implements store.SandboxStore and store.SessionStore using SQLite.
// All timestamps are stored as unix milliseconds so the monotonic
// updated_at gate is an exact integer comparison.
type Store struct {
	db *sql.DB
}

// Verify interface compliance at compile time.
var _ store.SandboxStore = (*Store)(nil)
var _ store.SessionStore = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs
// migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		repo TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sandboxes (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL UNIQUE,
		provider_sandbox_id TEXT NOT NULL DEFAULT '',
		provider_object_id TEXT NOT NULL DEFAULT '',
		snapshot_image_id TEXT NOT NULL DEFAULT '',
		auth_token_hash TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		git_sync_status TEXT NOT NULL DEFAULT 'idle',
		last_heartbeat INTEGER NOT NULL DEFAULT 0,
		last_activity INTEGER NOT NULL DEFAULT 0,
		last_spawn_error TEXT NOT NULL DEFAULT '',
		last_spawn_error_at INTEGER NOT NULL DEFAULT 0,
		spawn_failure_count INTEGER NOT NULL DEFAULT 0,
		last_spawn_failure INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_sandboxes_session ON sandboxes(session_id);

	CREATE TABLE IF NOT EXISTS user_env_vars (
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (user_id, key)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// millis converts a time to its stored representation. Zero times store as 0.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMillis converts a stored timestamp back. 0 scans as the zero time.
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// --- SessionStore ---

func (s *Store) CreateSession(ctx context.Context, sess *domain.Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = "active"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, repo, branch, model, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.Repo, sess.Branch, sess.Model, sess.Status,
		millis(sess.CreatedAt), millis(sess.UpdatedAt),
	)
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	sess := &domain.Session{}
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, repo, branch, model, status, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.Repo, &sess.Branch, &sess.Model, &sess.Status,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	return sess, nil
}

func (s *Store) ListSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) GetUserEnvVars(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM user_env_vars WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	env := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		env[k] = v
	}
	return env, rows.Err()
}

func (s *Store) SetUserEnvVar(ctx context.Context, userID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_env_vars (user_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value`,
		userID, key, value)
	return err
}

// --- SandboxStore ---

const sandboxColumns = `id, session_id, provider_sandbox_id, provider_object_id,
	snapshot_image_id, auth_token_hash, status, git_sync_status,
	last_heartbeat, last_activity, last_spawn_error, last_spawn_error_at,
	spawn_failure_count, last_spawn_failure, created_at, updated_at`

func (s *Store) CreateSandbox(ctx context.Context, sb *domain.Sandbox) error {
	now := time.Now().UTC()
	if sb.CreatedAt.IsZero() {
		sb.CreatedAt = now
	}
	sb.UpdatedAt = now
	if sb.Status == "" {
		sb.Status = domain.StatusPending
	}
	if sb.GitSyncStatus == "" {
		sb.GitSyncStatus = domain.GitSyncIdle
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sandboxes (`+sandboxColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sb.ID, sb.SessionID, sb.ProviderSandboxID, sb.ProviderObjectID,
		sb.SnapshotImageID, sb.AuthTokenHash, sb.Status, sb.GitSyncStatus,
		millis(sb.LastHeartbeat), millis(sb.LastActivity),
		sb.LastSpawnError, millis(sb.LastSpawnErrorAt),
		sb.SpawnFailureCount, millis(sb.LastSpawnFailure),
		millis(sb.CreatedAt), millis(sb.UpdatedAt),
	)
	return err
}

func (s *Store) GetSandbox(ctx context.Context, sessionID string) (*domain.Sandbox, error) {
	sb := &domain.Sandbox{}
	var lastHeartbeat, lastActivity, lastSpawnErrorAt, lastSpawnFailure, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE session_id = ?`, sessionID,
	).Scan(&sb.ID, &sb.SessionID, &sb.ProviderSandboxID, &sb.ProviderObjectID,
		&sb.SnapshotImageID, &sb.AuthTokenHash, &sb.Status, &sb.GitSyncStatus,
		&lastHeartbeat, &lastActivity, &sb.LastSpawnError, &lastSpawnErrorAt,
		&sb.SpawnFailureCount, &lastSpawnFailure, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sandbox for session %s: %w", sessionID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	sb.LastHeartbeat = fromMillis(lastHeartbeat)
	sb.LastActivity = fromMillis(lastActivity)
	sb.LastSpawnErrorAt = fromMillis(lastSpawnErrorAt)
	sb.LastSpawnFailure = fromMillis(lastSpawnFailure)
	sb.CreatedAt = fromMillis(createdAt)
	sb.UpdatedAt = fromMillis(updatedAt)
	return sb, nil
}

// UpdateSandboxStatus applies a status transition gated by a monotonic
// timestamp comparison: the write is rejected with ErrStaleWrite when the
// record's updated_at is newer than at.
func (s *Store) UpdateSandboxStatus(ctx context.Context, sessionID string, status domain.SandboxStatus, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sandboxes SET status = ?, updated_at = ?
		 WHERE session_id = ? AND updated_at <= ?`,
		status, millis(at), sessionID, millis(at),
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.missingOrStale(ctx, sessionID)
	}
	return nil
}

// missingOrStale distinguishes an absent record from a lost timestamp race.
func (s *Store) missingOrStale(ctx context.Context, sessionID string) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sandboxes WHERE session_id = ?`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sandbox for session %s: %w", sessionID, store.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return store.ErrStaleWrite
}

func (s *Store) UpdateSandboxForSpawn(ctx context.Context, sessionID string, upd store.SpawnUpdate) error {
	at := upd.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	query := `UPDATE sandboxes SET provider_sandbox_id = ?, provider_object_id = ?,
		status = ?, created_at = ?, updated_at = ?`
	args := []any{upd.ProviderSandboxID, upd.ProviderObjectID, upd.Status, millis(at), millis(at)}
	if upd.AuthTokenHash != "" {
		query += `, auth_token_hash = ?`
		args = append(args, upd.AuthTokenHash)
	}
	query += ` WHERE session_id = ?`
	args = append(args, sessionID)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("sandbox for session %s: %w", sessionID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) UpdateSandboxSnapshotImageID(ctx context.Context, sessionID, imageID string, at time.Time) error {
	return s.touch(ctx, sessionID, at,
		`UPDATE sandboxes SET snapshot_image_id = ?, updated_at = ? WHERE session_id = ?`,
		imageID)
}

func (s *Store) UpdateSandboxLastActivity(ctx context.Context, sessionID string, ts time.Time) error {
	return s.touch(ctx, sessionID, ts,
		`UPDATE sandboxes SET last_activity = ?, updated_at = ? WHERE session_id = ?`,
		millis(ts))
}

func (s *Store) UpdateSandboxHeartbeat(ctx context.Context, sessionID string, ts time.Time) error {
	return s.touch(ctx, sessionID, ts,
		`UPDATE sandboxes SET last_heartbeat = ?, updated_at = ? WHERE session_id = ?`,
		millis(ts))
}

func (s *Store) IncrementSpawnFailure(ctx context.Context, sessionID string, at time.Time) error {
	return s.touch(ctx, sessionID, at,
		`UPDATE sandboxes SET spawn_failure_count = spawn_failure_count + 1,
		 last_spawn_failure = ?, updated_at = ? WHERE session_id = ?`,
		millis(at))
}

func (s *Store) ResetCircuitBreaker(ctx context.Context, sessionID string, at time.Time) error {
	return s.touch(ctx, sessionID, at,
		`UPDATE sandboxes SET spawn_failure_count = 0, last_spawn_failure = 0,
		 updated_at = ? WHERE session_id = ?`)
}

func (s *Store) SetLastSpawnError(ctx context.Context, sessionID, message string, at time.Time) error {
	return s.touch(ctx, sessionID, at,
		`UPDATE sandboxes SET last_spawn_error = ?, last_spawn_error_at = ?, updated_at = ?
		 WHERE session_id = ?`,
		message, millis(at))
}

// touch runs an update whose final two placeholders are updated_at and
// session_id, returning ErrNotFound when no row matched. updated_at comes
// from the caller's timestamp so the write stays gate-consistent with the
// rest of its operation.
func (s *Store) touch(ctx context.Context, sessionID string, at time.Time, query string, args ...any) error {
	args = append(args, millis(at), sessionID)
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("sandbox for session %s: %w", sessionID, store.ErrNotFound)
	}
	return nil
}
