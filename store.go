package atoll

import "context"

// Thread is one persisted conversation. Sub-agent conversations record
// the orchestrator's conversation as their parent.
type Thread struct {
	ID        string
	ParentID  string
	UserID    string
	Channel   string
	CreatedAt int64
}

// StoredMessage is one persisted conversation message. ToolCalls holds
// the JSON-encoded tool-call list for assistant messages that made calls.
type StoredMessage struct {
	ID         string
	ThreadID   string
	Role       string
	Content    string
	ToolCalls  string
	ToolCallID string
	CreatedAt  int64
}

// AgentRun is the audit record of one dispatched agent.
type AgentRun struct {
	ID            string
	ThreadID      string
	AgentID       string
	Mission       string
	Status        string
	Result        string
	ToolCallsUsed int
	DurationMS    int64
	CreatedAt     int64
}

// Store abstracts conversation persistence. Implementations must be safe
// for concurrent use. GetThread returns a not_found fault for unknown
// ids.
type Store interface {
	// Init creates the schema. Idempotent.
	Init(ctx context.Context) error

	CreateThread(ctx context.Context, t Thread) error
	GetThread(ctx context.Context, id string) (Thread, error)

	StoreMessage(ctx context.Context, m StoredMessage) error
	// GetMessages returns the most recent messages in chronological
	// order. limit <= 0 means no limit.
	GetMessages(ctx context.Context, threadID string, limit int) ([]StoredMessage, error)

	StoreAgentRun(ctx context.Context, run AgentRun) error
	ListAgentRuns(ctx context.Context, threadID string) ([]AgentRun, error)

	Close() error
}
