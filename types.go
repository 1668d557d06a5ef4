package atoll

import (
	"encoding/json"
	"fmt"
)

// --- LLM protocol types ---

// ChatMessage is one entry in a conversation history. Content carries plain
// text; Parts is used instead of Content when a message needs typed content
// parts (currently only for prompt-cache breakpoints). A message never sets
// both.
type ChatMessage struct {
	Role       string        `json:"role"` // "system", "user", "assistant", "tool"
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// Text returns the message's textual content regardless of representation.
func (m ChatMessage) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		out += p.Text
	}
	return out
}

// ContentPart is a typed fragment of message content.
type ContentPart struct {
	Type  string        `json:"type"` // "text"
	Text  string        `json:"text"`
	Cache *CacheControl `json:"cache_control,omitempty"`
}

// CacheControl marks a content part as a prompt-cache breakpoint: the
// provider may cache everything up to and including this part.
type CacheControl struct {
	TTL string `json:"ttl,omitempty"` // "1h" or "5m"
}

// Cache TTLs used by the context assembler.
const (
	CacheTTLLong  = "1h" // system prompt: identity, rules, domain list
	CacheTTLShort = "5m" // context block: memory snippets, task summary
)

// ToolCall is a function invocation requested by the model. Args holds the
// decoded JSON arguments object.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// DecodeArgs unmarshals the call arguments into v. An empty Args decodes as
// an empty object so callers can rely on zero values.
func (tc ToolCall) DecodeArgs(v any) error {
	raw := tc.Args
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("tool call %s: decode args: %w", tc.Name, err)
	}
	return nil
}

// ToolDefinition describes one callable tool in the request payload.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ResponseFormat constrains the model output to a JSON schema. Used by the
// sentinel for its strict approve/reject verdict.
type ResponseFormat struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

// ChatRequest is one chat-completion call. Model may be empty, in which case
// the provider uses its configured default. Temperature is a pointer so that
// an explicit zero survives (the sentinel classifies at temperature 0).
type ChatRequest struct {
	Model          string          `json:"model,omitempty"`
	Messages       []ChatMessage   `json:"messages"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	APIKey         string          `json:"-"` // per-user key override, never serialized
}

// ChatResponse is the provider's reply: either text content, tool calls, or
// (rarely) both.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
	Model     string     `json:"model,omitempty"`
}

// Usage is the token accounting for one LLM call. Cache fields are zero when
// the provider does not report them. Cost is zero unless a cost calculator
// is wired in (see observer.WrapProvider).
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CacheReadTokens  int     `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int     `json:"cache_write_tokens,omitempty"`
	Cost             float64 `json:"cost,omitempty"`
}

// Add accumulates u2 into u.
func (u Usage) Add(u2 Usage) Usage {
	u.PromptTokens += u2.PromptTokens
	u.CompletionTokens += u2.CompletionTokens
	u.TotalTokens += u2.TotalTokens
	u.CacheReadTokens += u2.CacheReadTokens
	u.CacheWriteTokens += u2.CacheWriteTokens
	u.Cost += u2.Cost
	return u
}

// --- Dispatch types ---

// DispatchParams describes one sub-agent dispatch request. AgentID doubles
// as the DAG node identifier and must be unique within a turn.
type DispatchParams struct {
	AgentID       string   `json:"agent_id"`
	Mission       string   `json:"mission"`
	Skills        []string `json:"skills"`
	DependsOn     []string `json:"depends_on,omitempty"`
	MaxToolCalls  int      `json:"max_tool_calls,omitempty"` // 0 = DefaultMaxToolCalls
	ContextFiles  []string `json:"context_files,omitempty"`
	ModelOverride string   `json:"model_override,omitempty"`
	Context       string   `json:"context,omitempty"`
}

// DefaultMaxToolCalls is the per-agent skill-call budget when the dispatch
// does not specify one.
const DefaultMaxToolCalls = 5

// Agent statuses. AgentAwaiting is only observable while a sub-agent is
// paused on a request_help call.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
	StatusSkipped   = "skipped"
	StatusAwaiting  = "awaiting_orchestrator"
	StatusRunning   = "running"
)

// AgentResult is the terminal (or paused) outcome of one sub-agent.
type AgentResult struct {
	Status        string `json:"status"`
	Result        string `json:"result"`
	ToolCallsUsed int    `json:"tool_calls_used"`
	DurationMS    int64  `json:"duration_ms"`
	// AwaitingReason is set while the agent is paused on request_help.
	AwaitingReason string `json:"awaiting_reason,omitempty"`
}

// Terminal reports whether the status ends the agent's lifecycle.
// awaiting_orchestrator and running are live states.
func (r AgentResult) Terminal() bool {
	switch r.Status {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusSkipped:
		return true
	}
	return false
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID}
}

// CachedMessage builds a message whose whole content is one cacheable text
// part with the given TTL.
func CachedMessage(role, text, ttl string) ChatMessage {
	return ChatMessage{Role: role, Parts: []ContentPart{{Type: "text", Text: text, Cache: &CacheControl{TTL: ttl}}}}
}
