// SPDX-License-Identifier: MIT

// Package stats persists per-agent counters and the append-only session audit
// trail in the SQL store. Counter bumps are single atomic UPDATEs so that
// concurrent submits for the same agent never race a read-modify-write.
package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/annolab/taskbridge/internal/persistence/sqldb"
)

// Session statuses. A session is created as assigned and updated exactly once.
const (
	StatusAssigned  = "assigned"
	StatusCompleted = "completed"
	StatusSkipped   = "skipped"
)

// ErrSessionNotFound is returned when a session ID does not exist.
var ErrSessionNotFound = errors.New("stats: session not found")

// AgentStats is one row of durable per-agent counters.
type AgentStats struct {
	AgentID              int64     `json:"agent_id"`
	TotalTasksCompleted  int64     `json:"total_tasks_completed"`
	TotalTasksSkipped    int64     `json:"total_tasks_skipped"`
	TotalDurationSeconds float64   `json:"total_duration_seconds"`
	TotalEarnings        float64   `json:"total_earnings"`
	LastActive           time.Time `json:"last_active"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Store implements the durable stats and session audit store.
type Store struct {
	db       *sql.DB
	postgres bool
	timeout  time.Duration
}

// New opens the store at url (sqlite path or postgres URL) and ensures the
// schema exists.
func New(url string, callTimeout time.Duration) (*Store, error) {
	db, err := sqldb.Open(url, sqldb.DefaultConfig())
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, postgres: sqldb.IsPostgres(url), timeout: callTimeout}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("stats: migration failed: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transcription_sessions (
		id TEXT PRIMARY KEY,
		agent_id BIGINT NOT NULL,
		task_id BIGINT NOT NULL,
		assigned_at_ms BIGINT NOT NULL,
		status TEXT NOT NULL,
		completed_at_ms BIGINT,
		duration_seconds DOUBLE PRECISION,
		transcription_length BIGINT,
		skip_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_agent_task ON transcription_sessions(agent_id, task_id, assigned_at_ms);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON transcription_sessions(status);

	CREATE TABLE IF NOT EXISTS agent_stats (
		agent_id BIGINT PRIMARY KEY,
		total_tasks_completed BIGINT NOT NULL DEFAULT 0,
		total_tasks_skipped BIGINT NOT NULL DEFAULT 0,
		total_duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_earnings DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_active_ms BIGINT NOT NULL,
		created_at_ms BIGINT NOT NULL,
		updated_at_ms BIGINT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// OpenSession records a new assignment and returns the session ID.
func (s *Store) OpenSession(ctx context.Context, agentID, taskID int64, assignedAt time.Time) (string, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	id := uuid.NewString()
	query := sqldb.Rebind(s.postgres,
		"INSERT INTO transcription_sessions (id, agent_id, task_id, assigned_at_ms, status) VALUES (?, ?, ?, ?, ?)")
	if _, err := s.db.ExecContext(ctx, query, id, agentID, taskID, assignedAt.UnixMilli(), StatusAssigned); err != nil {
		return "", fmt.Errorf("stats: open session: %w", err)
	}
	return id, nil
}

// LatestOpenSession returns the most recent still-assigned session for the
// (agent, task) pair, or ErrSessionNotFound.
func (s *Store) LatestOpenSession(ctx context.Context, agentID, taskID int64) (string, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	query := sqldb.Rebind(s.postgres, `
		SELECT id FROM transcription_sessions
		WHERE agent_id = ? AND task_id = ? AND status = ?
		ORDER BY assigned_at_ms DESC LIMIT 1`)
	var id string
	err := s.db.QueryRowContext(ctx, query, agentID, taskID, StatusAssigned).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("stats: latest open session: %w", err)
	}
	return id, nil
}

// CloseSessionCompleted marks the session completed.
func (s *Store) CloseSessionCompleted(ctx context.Context, sessionID string, completedAt time.Time, durationSeconds float64, transcriptionLength int) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	query := sqldb.Rebind(s.postgres, `
		UPDATE transcription_sessions
		SET status = ?, completed_at_ms = ?, duration_seconds = ?, transcription_length = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, StatusCompleted, completedAt.UnixMilli(), durationSeconds, transcriptionLength, sessionID)
	if err != nil {
		return fmt.Errorf("stats: close session completed: %w", err)
	}
	return checkAffected(res)
}

// CloseSessionSkipped marks the session skipped with the given reason.
func (s *Store) CloseSessionSkipped(ctx context.Context, sessionID string, completedAt time.Time, reason string) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	query := sqldb.Rebind(s.postgres, `
		UPDATE transcription_sessions
		SET status = ?, completed_at_ms = ?, skip_reason = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query, StatusSkipped, completedAt.UnixMilli(), reason, sessionID)
	if err != nil {
		return fmt.Errorf("stats: close session skipped: %w", err)
	}
	return checkAffected(res)
}

// BumpAgentOnComplete atomically increments the completion counters, creating
// the row if the agent has never been seen.
func (s *Store) BumpAgentOnComplete(ctx context.Context, agentID int64, durationSeconds, earnings float64, now time.Time) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	ms := now.UnixMilli()
	query := sqldb.Rebind(s.postgres, `
		INSERT INTO agent_stats (agent_id, total_tasks_completed, total_tasks_skipped, total_duration_seconds, total_earnings, last_active_ms, created_at_ms, updated_at_ms)
		VALUES (?, 1, 0, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			total_tasks_completed = agent_stats.total_tasks_completed + 1,
			total_duration_seconds = agent_stats.total_duration_seconds + excluded.total_duration_seconds,
			total_earnings = agent_stats.total_earnings + excluded.total_earnings,
			last_active_ms = excluded.last_active_ms,
			updated_at_ms = excluded.updated_at_ms`)
	if _, err := s.db.ExecContext(ctx, query, agentID, durationSeconds, earnings, ms, ms, ms); err != nil {
		return fmt.Errorf("stats: bump on complete: %w", err)
	}
	return nil
}

// BumpAgentOnSkip atomically increments the skip counter.
func (s *Store) BumpAgentOnSkip(ctx context.Context, agentID int64, now time.Time) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	ms := now.UnixMilli()
	query := sqldb.Rebind(s.postgres, `
		INSERT INTO agent_stats (agent_id, total_tasks_completed, total_tasks_skipped, total_duration_seconds, total_earnings, last_active_ms, created_at_ms, updated_at_ms)
		VALUES (?, 0, 1, 0, 0, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			total_tasks_skipped = agent_stats.total_tasks_skipped + 1,
			last_active_ms = excluded.last_active_ms,
			updated_at_ms = excluded.updated_at_ms`)
	if _, err := s.db.ExecContext(ctx, query, agentID, ms, ms, ms); err != nil {
		return fmt.Errorf("stats: bump on skip: %w", err)
	}
	return nil
}

// GetAgentStats returns the counters for an agent; a never-seen agent gets a
// zero-valued row, never a not-found error.
func (s *Store) GetAgentStats(ctx context.Context, agentID int64) (AgentStats, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	query := sqldb.Rebind(s.postgres, `
		SELECT total_tasks_completed, total_tasks_skipped, total_duration_seconds, total_earnings, last_active_ms, created_at_ms, updated_at_ms
		FROM agent_stats WHERE agent_id = ?`)
	out := AgentStats{AgentID: agentID}
	var lastActive, createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, agentID).Scan(
		&out.TotalTasksCompleted, &out.TotalTasksSkipped, &out.TotalDurationSeconds,
		&out.TotalEarnings, &lastActive, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("stats: get agent stats: %w", err)
	}
	out.LastActive = time.UnixMilli(lastActive).UTC()
	out.CreatedAt = time.UnixMilli(createdAt).UTC()
	out.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return out, nil
}

// HealthCheck verifies database reachability.
func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil // driver without RowsAffected support; assume success
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}
