// Package sqlite implements atoll.Store using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	atoll "github.com/helmshore/atoll"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and row counts. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements atoll.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ atoll.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			parent_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_calls TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			mission TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT NOT NULL,
			tool_calls_used INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_agent_runs_thread ON agent_runs(thread_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_threads_user ON threads(user_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// CreateThread inserts or replaces a thread.
func (s *Store) CreateThread(ctx context.Context, t atoll.Thread) error {
	start := time.Now()
	s.logger.Debug("sqlite: create thread", "id", t.ID, "user_id", t.UserID, "channel", t.Channel)

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO threads (id, parent_id, user_id, channel, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.ParentID, t.UserID, t.Channel, t.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create thread failed", "id", t.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create thread: %w", err)
	}
	s.logger.Debug("sqlite: create thread ok", "id", t.ID, "duration", time.Since(start))
	return nil
}

// GetThread loads one thread. Unknown ids yield a not_found fault.
func (s *Store) GetThread(ctx context.Context, id string) (atoll.Thread, error) {
	var t atoll.Thread
	err := s.db.QueryRowContext(ctx,
		`SELECT id, parent_id, user_id, channel, created_at FROM threads WHERE id = ?`, id,
	).Scan(&t.ID, &t.ParentID, &t.UserID, &t.Channel, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return atoll.Thread{}, atoll.NewFault(atoll.FaultNotFound,
			fmt.Sprintf("thread %q not found", id), map[string]any{"id": id})
	}
	if err != nil {
		return atoll.Thread{}, fmt.Errorf("get thread: %w", err)
	}
	return t, nil
}

// StoreMessage inserts or replaces a message.
func (s *Store) StoreMessage(ctx context.Context, m atoll.StoredMessage) error {
	start := time.Now()
	s.logger.Debug("sqlite: store message", "id", m.ID, "thread_id", m.ThreadID, "role", m.Role)

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (id, thread_id, role, content, tool_calls, tool_call_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.Role, m.Content, m.ToolCalls, m.ToolCallID, m.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: store message failed", "id", m.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("store message: %w", err)
	}
	s.logger.Debug("sqlite: store message ok", "id", m.ID, "duration", time.Since(start))
	return nil
}

// GetMessages returns the most recent messages for a thread, ordered
// chronologically (oldest first). limit <= 0 returns every message.
func (s *Store) GetMessages(ctx context.Context, threadID string, limit int) ([]atoll.StoredMessage, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get messages", "thread_id", threadID, "limit", limit)

	if limit <= 0 {
		limit = -1 // SQLite treats a negative LIMIT as unlimited.
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, role, content, tool_calls, tool_call_id, created_at
		 FROM messages
		 WHERE thread_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		threadID, limit,
	)
	if err != nil {
		s.logger.Error("sqlite: get messages failed", "thread_id", threadID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var messages []atoll.StoredMessage
	for rows.Next() {
		var m atoll.StoredMessage
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.ToolCalls, &m.ToolCallID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	s.logger.Debug("sqlite: get messages ok", "thread_id", threadID, "count", len(messages), "duration", time.Since(start))
	return messages, nil
}

// StoreAgentRun inserts or replaces an agent audit record.
func (s *Store) StoreAgentRun(ctx context.Context, run atoll.AgentRun) error {
	start := time.Now()
	s.logger.Debug("sqlite: store agent run", "id", run.ID, "agent_id", run.AgentID, "status", run.Status)

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agent_runs
		   (id, thread_id, agent_id, mission, status, result, tool_calls_used, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ThreadID, run.AgentID, run.Mission, run.Status, run.Result,
		run.ToolCallsUsed, run.DurationMS, run.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: store agent run failed", "id", run.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("store agent run: %w", err)
	}
	s.logger.Debug("sqlite: store agent run ok", "id", run.ID, "duration", time.Since(start))
	return nil
}

// ListAgentRuns returns every agent run recorded for a thread, oldest first.
func (s *Store) ListAgentRuns(ctx context.Context, threadID string) ([]atoll.AgentRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, agent_id, mission, status, result, tool_calls_used, duration_ms, created_at
		 FROM agent_runs
		 WHERE thread_id = ?
		 ORDER BY created_at ASC, id ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("list agent runs: %w", err)
	}
	defer rows.Close()

	var runs []atoll.AgentRun
	for rows.Next() {
		var r atoll.AgentRun
		if err := rows.Scan(&r.ID, &r.ThreadID, &r.AgentID, &r.Mission, &r.Status, &r.Result,
			&r.ToolCallsUsed, &r.DurationMS, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent runs: %w", err)
	}
	return runs, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
