package atoll

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// EstimateTokens approximates token count at four bytes per token.
func EstimateTokens(s string) int {
	return len(s) / 4
}

// messageTokens estimates one message's cost including framing overhead.
func messageTokens(m ChatMessage) int {
	n := EstimateTokens(m.Text()) + 4
	for _, tc := range m.ToolCalls {
		n += EstimateTokens(tc.Name) + EstimateTokens(string(tc.Args)) + 4
	}
	return n
}

// ContextBudget computes the token window available for input: the model
// context scaled by the utilization target, minus the response reserve,
// never below 1000.
func ContextBudget(maxContextTokens int, utilization float64, reserve int) int {
	budget := int(float64(maxContextTokens)*utilization) - reserve
	if budget < 1000 {
		return 1000
	}
	return budget
}

// Assembler builds LLM request payloads laid out for prompt-cache hits:
// a long-TTL cached system message, an optional short-TTL cached context
// block, then the trimmed history as the uncached variable suffix.
type Assembler struct {
	identity string
	rules    string
	domains  []string
	now      func() time.Time
}

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithAssemblerClock overrides the clock used for the date line.
func WithAssemblerClock(now func() time.Time) AssemblerOption {
	return func(a *Assembler) { a.now = now }
}

// NewAssembler returns an assembler for the given identity and rules.
// Domains are copied and sorted so the cached prefix is stable.
func NewAssembler(identity, rules string, domains []string, opts ...AssemblerOption) *Assembler {
	sorted := make([]string, len(domains))
	copy(sorted, domains)
	sort.Strings(sorted)
	a := &Assembler{identity: identity, rules: rules, domains: sorted, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// BuildInput is one request's worth of assembly state.
type BuildInput struct {
	History []ChatMessage
	// Memory and TaskSummary form the context block; when both are empty
	// the block is omitted entirely.
	Memory      string
	TaskSummary string
	// Budget is the token window from ContextBudget.
	Budget int
	// BaselineTokens is the prompt_tokens usage observed on a prior call
	// and KnownCount the history length at that time. Zero values select
	// pure estimation.
	BaselineTokens int
	KnownCount     int
}

// Build assembles the full message sequence for one LLM call.
func (a *Assembler) Build(in BuildInput) []ChatMessage {
	history := TrimHistory(in.History, in.Budget, in.BaselineTokens, in.KnownCount)
	msgs := make([]ChatMessage, 0, len(history)+3)
	msgs = append(msgs, CachedMessage("system", a.systemText(), CacheTTLLong))
	if block := contextBlock(in.Memory, in.TaskSummary); block != "" {
		msgs = append(msgs, CachedMessage("user", block, CacheTTLShort))
		msgs = append(msgs, AssistantMessage("Understood."))
	}
	return append(msgs, history...)
}

func (a *Assembler) systemText() string {
	var b strings.Builder
	b.WriteString(a.identity)
	b.WriteString("\n\n")
	b.WriteString(a.rules)
	if len(a.domains) > 0 {
		b.WriteString("\n\nAvailable skill domains: ")
		b.WriteString(strings.Join(a.domains, ", "))
	}
	fmt.Fprintf(&b, "\n\nCurrent date: %s", a.now().Format("2006-01-02"))
	return b.String()
}

func contextBlock(memory, task string) string {
	if memory == "" && task == "" {
		return ""
	}
	var parts []string
	if memory != "" {
		parts = append(parts, "## Memory\n\n"+memory)
	}
	if task != "" {
		parts = append(parts, "## Current Task\n\n"+task)
	}
	return "# Context\n\n" + strings.Join(parts, "\n\n")
}

// TrimHistory returns the suffix of history that fits budget.
//
// When a usage baseline is available (baseline > 0 and 0 < knownCount ≤
// len(history)), the leading knownCount messages are costed at exactly
// baseline tokens and later messages at their estimates; oldest known
// messages are dropped first because the new suffix holds the tool
// calls and results the next call must see intact. Otherwise messages
// are accumulated newest-first by estimate alone.
func TrimHistory(history []ChatMessage, budget, baseline, knownCount int) []ChatMessage {
	if len(history) == 0 {
		return history
	}
	if baseline > 0 && knownCount > 0 && knownCount <= len(history) {
		return trimByUsage(history, budget, baseline, knownCount)
	}
	return trimByEstimate(history, budget)
}

func trimByUsage(history []ChatMessage, budget, baseline, knownCount int) []ChatMessage {
	newCost := 0
	for _, m := range history[knownCount:] {
		newCost += messageTokens(m)
	}
	deficit := baseline + newCost - budget
	if deficit <= 0 {
		return history
	}
	drop := 0
	for deficit > 0 && drop < knownCount {
		deficit -= messageTokens(history[drop])
		drop++
	}
	return history[drop:]
}

func trimByEstimate(history []ChatMessage, budget int) []ChatMessage {
	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := messageTokens(history[i])
		if total+cost > budget && start < len(history) {
			break
		}
		total += cost
		start = i
	}
	return history[start:]
}
