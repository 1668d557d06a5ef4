package atoll

import "context"

// Skill describes one executable capability. Skills are grouped into
// domains and addressed as "domain.action".
type Skill struct {
	// Name is the full identifier, "domain.action".
	Name string
	// Domain groups related skills, e.g. "email".
	Domain string
	// Action is the verb within the domain, e.g. "send".
	Action string
	// Brief is a one-line summary shown in domain listings.
	Brief string
	// Doc is the full usage document injected into agent prompts.
	Doc string
	// ReadOnly marks skills with no side effects. Only read-only skills
	// are callable outside a dispatched agent.
	ReadOnly bool
	// Enabled gates the skill without removing it from the registry.
	Enabled bool
}

// SkillContext carries per-conversation identity into skill execution.
type SkillContext struct {
	ConversationID string
	UserID         string
	Channel        string
	// AgentID is set when the call originates from a dispatched agent.
	AgentID string
	// Integrations holds connection handles keyed by integration name.
	Integrations map[string]any
	// Credentials holds secrets keyed by credential name.
	Credentials map[string]string
}

// SkillResult is the outcome of one skill execution.
type SkillResult struct {
	// Status is a short machine-readable outcome, e.g. "ok".
	Status string `json:"status"`
	// Content is the text returned to the calling LLM.
	Content string `json:"content"`
	// SideEffects lists externally visible actions taken, for audit.
	SideEffects []string `json:"side_effects,omitempty"`
	// Metadata carries structured extras for the caller.
	Metadata map[string]any `json:"metadata,omitempty"`
	// Files lists paths produced by the skill.
	Files []string `json:"files,omitempty"`
}

// Handler executes a skill. Flags are the LLM-supplied arguments, already
// decoded from JSON.
type Handler interface {
	Execute(ctx context.Context, flags map[string]any, sc SkillContext) (SkillResult, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, flags map[string]any, sc SkillContext) (SkillResult, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, flags map[string]any, sc SkillContext) (SkillResult, error) {
	return f(ctx, flags, sc)
}

// DomainBrief is one row of the domain listing returned by get_skill.
type DomainBrief struct {
	Domain string
	Brief  string
	Skills []string
}

// Registry resolves skill names to metadata and handlers. Implementations
// must be safe for concurrent use; lookups observe a consistent snapshot.
type Registry interface {
	// Resolve returns the skill and its handler. ok is false when the
	// name is unknown or the skill is disabled.
	Resolve(name string) (Skill, Handler, bool)
	// Domains lists every domain with its brief and skill names, sorted
	// by domain.
	Domains() []DomainBrief
	// DomainIndex returns the rendered index document for a domain.
	DomainIndex(domain string) (string, bool)
	// SkillDoc returns the full usage document for one skill.
	SkillDoc(name string) (string, bool)
}
