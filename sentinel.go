package atoll

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

const sentinelMaxTokens = 150

const sentinelSystemPrompt = `You are a security reviewer for an AI assistant. An agent wants to execute a skill call. Decide whether the call should proceed.

Evaluate two axes:
1. Request alignment: does the action serve what the user actually asked for?
2. Mission scope: does the action fall within the agent's stated mission?

Reasoning principles:
- Read-only actions (search, list, get, read) are low-risk; approve them even when alignment is loose.
- Reading before writing is a valid workflow; approve prerequisite reads for a legitimate write.
- Mutating actions require clear alignment with the request and the mission.
- Irreversible actions (send, archive, delete) require strong alignment with both.
- Agents must stay within their mission's domain; reject actions that wander into unrelated domains.

Respond with JSON only.`

var sentinelSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "decision": {"type": "string", "enum": ["approve", "reject"]},
    "reason": {"type": "string"}
  },
  "required": ["decision", "reason"],
  "additionalProperties": false
}`)

// ProposedAction is a skill call awaiting review.
type ProposedAction struct {
	Skill   string
	Args    map[string]any
	AgentID string
}

// ReviewInput bundles the three classification inputs. UserRequest may be
// empty when the originating request is not available.
type ReviewInput struct {
	UserRequest string
	Mission     string
	Action      ProposedAction
}

// Decision is the review outcome.
type Decision struct {
	Approved bool
	Reason   string
}

// Sentinel is a context-isolated LLM classifier that gates sub-agent
// skill calls. It sees only the user request, the mission, and the
// proposed action, never the agent's conversation.
type Sentinel struct {
	provider Provider
	model    string
	logger   *slog.Logger
}

// SentinelOption configures a Sentinel.
type SentinelOption func(*Sentinel)

// WithSentinelLogger sets the structured logger.
func WithSentinelLogger(l *slog.Logger) SentinelOption {
	return func(s *Sentinel) { s.logger = l }
}

// NewSentinel returns a classifier using the given provider and model.
func NewSentinel(provider Provider, model string, opts ...SentinelOption) *Sentinel {
	s := &Sentinel{provider: provider, model: model, logger: nopLogger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Review classifies one proposed action. Classification failures of any
// kind fail open with a warning log.
func (s *Sentinel) Review(ctx context.Context, in ReviewInput) Decision {
	temp := 0.0
	req := ChatRequest{
		Model:       s.model,
		Temperature: &temp,
		MaxTokens:   sentinelMaxTokens,
		ResponseFormat: &ResponseFormat{
			Name:   "sentinel_decision",
			Schema: sentinelSchema,
			Strict: true,
		},
		Messages: []ChatMessage{
			SystemMessage(sentinelSystemPrompt),
			UserMessage(s.reviewPrompt(in)),
		},
	}
	resp, err := s.provider.Chat(ctx, req)
	if err != nil {
		s.logger.Warn("sentinel call failed, failing open",
			"skill", in.Action.Skill, "agent_id", in.Action.AgentID, "error", err)
		return Decision{Approved: true, Reason: "review unavailable"}
	}

	var wire struct {
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(resp.Content), &wire); err != nil {
		s.logger.Warn("sentinel returned unparseable decision, failing open",
			"skill", in.Action.Skill, "content", resp.Content, "error", err)
		return Decision{Approved: true, Reason: "review unavailable"}
	}
	switch wire.Decision {
	case "approve":
		return Decision{Approved: true, Reason: wire.Reason}
	case "reject":
		return Decision{Approved: false, Reason: wire.Reason}
	default:
		s.logger.Warn("sentinel returned unknown decision, failing open",
			"skill", in.Action.Skill, "decision", wire.Decision)
		return Decision{Approved: true, Reason: "review unavailable"}
	}
}

func (s *Sentinel) reviewPrompt(in ReviewInput) string {
	request := in.UserRequest
	if request == "" {
		request = "(not available)"
	}
	args, err := json.Marshal(in.Action.Args)
	if err != nil {
		args = []byte("{}")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "User request: %s\n\n", request)
	fmt.Fprintf(&b, "Agent mission: %s\n\n", in.Mission)
	b.WriteString("Proposed action:\n")
	fmt.Fprintf(&b, "- skill: %s\n", in.Action.Skill)
	fmt.Fprintf(&b, "- agent: %s\n", in.Action.AgentID)
	fmt.Fprintf(&b, "- arguments: %s", args)
	return b.String()
}
