package atoll

import (
	"context"
	"time"
)

// UpdateKind classifies a progress Update.
type UpdateKind string

const (
	// UpdateAgentPaused reports an agent that stopped on request_help and
	// is waiting for the orchestrator.
	UpdateAgentPaused UpdateKind = "agent_paused"
	// UpdateAgentResumed reports a paused agent accepting an update.
	UpdateAgentResumed UpdateKind = "agent_resumed"
)

// Update is an out-of-band progress push emitted while a turn is in
// flight. Channel adapters can surface these to the user ("an agent
// needs more information...") without waiting for the final reply.
type Update struct {
	ConversationID string
	AgentID        string
	Kind           UpdateKind
	// Reason carries the agent's request_help reason for pauses and the
	// orchestrator's message for resumes.
	Reason string
	At     time.Time
}

// Notifier receives progress updates during a turn. Calls happen on the
// turn goroutine; implementations that might block should hand off to
// their own goroutine.
type Notifier interface {
	Notify(ctx context.Context, u Update)
}

// NotifierFunc adapts a plain function to the Notifier interface.
type NotifierFunc func(ctx context.Context, u Update)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, u Update) { f(ctx, u) }
