// Package postgres implements atoll.Store using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	atoll "github.com/helmshore/atoll"
)

// Store implements atoll.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ atoll.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			parent_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS threads_user_idx ON threads(user_id)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_thread_idx ON messages(thread_id)`,

		`CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			mission TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT NOT NULL,
			tool_calls_used INTEGER NOT NULL,
			duration_ms BIGINT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS agent_runs_thread_idx ON agent_runs(thread_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// CreateThread inserts or replaces a thread.
func (s *Store) CreateThread(ctx context.Context, t atoll.Thread) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO threads (id, parent_id, user_id, channel, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   parent_id = EXCLUDED.parent_id,
		   user_id = EXCLUDED.user_id,
		   channel = EXCLUDED.channel,
		   created_at = EXCLUDED.created_at`,
		t.ID, t.ParentID, t.UserID, t.Channel, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create thread: %w", err)
	}
	return nil
}

// GetThread loads one thread. Unknown ids yield a not_found fault.
func (s *Store) GetThread(ctx context.Context, id string) (atoll.Thread, error) {
	var t atoll.Thread
	err := s.pool.QueryRow(ctx,
		`SELECT id, parent_id, user_id, channel, created_at FROM threads WHERE id = $1`, id,
	).Scan(&t.ID, &t.ParentID, &t.UserID, &t.Channel, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return atoll.Thread{}, atoll.NewFault(atoll.FaultNotFound,
			fmt.Sprintf("thread %q not found", id), map[string]any{"id": id})
	}
	if err != nil {
		return atoll.Thread{}, fmt.Errorf("postgres: get thread: %w", err)
	}
	return t, nil
}

// StoreMessage inserts or replaces a message.
func (s *Store) StoreMessage(ctx context.Context, m atoll.StoredMessage) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, thread_id, role, content, tool_calls, tool_call_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   thread_id = EXCLUDED.thread_id,
		   role = EXCLUDED.role,
		   content = EXCLUDED.content,
		   tool_calls = EXCLUDED.tool_calls,
		   tool_call_id = EXCLUDED.tool_call_id,
		   created_at = EXCLUDED.created_at`,
		m.ID, m.ThreadID, m.Role, m.Content, m.ToolCalls, m.ToolCallID, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: store message: %w", err)
	}
	return nil
}

// GetMessages returns the most recent messages for a thread, ordered
// chronologically (oldest first). limit <= 0 returns every message.
func (s *Store) GetMessages(ctx context.Context, threadID string, limit int) ([]atoll.StoredMessage, error) {
	query := `SELECT id, thread_id, role, content, tool_calls, tool_call_id, created_at
	          FROM messages
	          WHERE thread_id = $1
	          ORDER BY created_at DESC, id DESC`
	args := []any{threadID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: get messages: %w", err)
	}
	defer rows.Close()

	var messages []atoll.StoredMessage
	for rows.Next() {
		var m atoll.StoredMessage
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.ToolCalls, &m.ToolCallID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate messages: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// StoreAgentRun inserts or replaces an agent audit record.
func (s *Store) StoreAgentRun(ctx context.Context, run atoll.AgentRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_runs
		   (id, thread_id, agent_id, mission, status, result, tool_calls_used, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   result = EXCLUDED.result,
		   tool_calls_used = EXCLUDED.tool_calls_used,
		   duration_ms = EXCLUDED.duration_ms`,
		run.ID, run.ThreadID, run.AgentID, run.Mission, run.Status, run.Result,
		run.ToolCallsUsed, run.DurationMS, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: store agent run: %w", err)
	}
	return nil
}

// ListAgentRuns returns every agent run recorded for a thread, oldest first.
func (s *Store) ListAgentRuns(ctx context.Context, threadID string) ([]atoll.AgentRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, thread_id, agent_id, mission, status, result, tool_calls_used, duration_ms, created_at
		 FROM agent_runs
		 WHERE thread_id = $1
		 ORDER BY created_at ASC, id ASC`,
		threadID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list agent runs: %w", err)
	}
	defer rows.Close()

	var runs []atoll.AgentRun
	for rows.Next() {
		var r atoll.AgentRun
		if err := rows.Scan(&r.ID, &r.ThreadID, &r.AgentID, &r.Mission, &r.Status, &r.Result,
			&r.ToolCallsUsed, &r.DurationMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan agent run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate agent runs: %w", err)
	}
	return runs, nil
}

// Close is a no-op: the pool is externally owned.
func (s *Store) Close() error {
	return nil
}
