package atoll

import (
	"fmt"
	"sync"
	"time"
)

// The limits hierarchy has four levels:
//
//	1. per-skill fuse        — process-wide circuit breaker ([Fuse])
//	2. per-agent counter     — [AgentBudget] in sub-agent state
//	3. per-turn counters     — [TurnBudget] in engine loop state
//	4. per-conversation      — [ConversationWindow] sliding window
//
// Levels 2–4 use value semantics: Check methods return the updated state so
// the owner decides whether to commit it. Level 1 is shared across
// conversations and serializes internally.

// Fuse is the per-skill circuit breaker. Implementations are process-wide;
// a skill whose fuse is open is blocked for every agent until it recovers.
type Fuse interface {
	// Check returns nil when the fuse is closed, or a circuit_breaker_open
	// Fault when it is open.
	Check(skill string) error
	// RecordSuccess notes a successful handler execution.
	RecordSuccess(skill string)
	// RecordFailure notes a failed handler execution. Enough failures within
	// the window open the fuse.
	RecordFailure(skill string)
}

// FuseConfig sets the threshold-over-window trip condition.
type FuseConfig struct {
	Threshold int           // failures within Window that open the fuse
	Window    time.Duration // sliding failure window
}

// DefaultFuseConfig trips a skill after 5 failures within one minute.
var DefaultFuseConfig = FuseConfig{Threshold: 5, Window: time.Minute}

// MemoryFuse is an in-process Fuse keyed by skill name. The fuse is open
// while the number of failures inside the sliding window is at or above the
// threshold; it closes again when failures age out or a success resets them.
type MemoryFuse struct {
	mu       sync.Mutex
	cfg      FuseConfig
	failures map[string][]time.Time
	now      func() time.Time
}

// NewMemoryFuse creates a MemoryFuse. A zero-valued cfg falls back to
// DefaultFuseConfig.
func NewMemoryFuse(cfg FuseConfig) *MemoryFuse {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultFuseConfig.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultFuseConfig.Window
	}
	return &MemoryFuse{
		cfg:      cfg,
		failures: make(map[string][]time.Time),
		now:      time.Now,
	}
}

var _ Fuse = (*MemoryFuse)(nil)

func (f *MemoryFuse) Check(skill string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	recent := f.prune(skill)
	if len(recent) >= f.cfg.Threshold {
		return NewFault(FaultCircuitOpen,
			fmt.Sprintf("circuit breaker open for skill %q", skill),
			map[string]any{"skill": skill, "failures": len(recent), "threshold": f.cfg.Threshold})
	}
	return nil
}

func (f *MemoryFuse) RecordSuccess(skill string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, skill)
}

func (f *MemoryFuse) RecordFailure(skill string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[skill] = append(f.prune(skill), f.now())
}

// prune drops failure timestamps older than the window. Caller holds the lock.
func (f *MemoryFuse) prune(skill string) []time.Time {
	cutoff := f.now().Add(-f.cfg.Window)
	stamps := f.failures[skill]
	i := 0
	for i < len(stamps) && stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		stamps = stamps[i:]
		if len(stamps) == 0 {
			delete(f.failures, skill)
		} else {
			f.failures[skill] = stamps
		}
	}
	return stamps
}

// AgentBudget is the level-2 per-agent skill-call counter.
type AgentBudget struct {
	Used int
	Max  int
}

// Check admits n more skill calls. On success the updated budget is
// returned; on failure the budget is unchanged and the error is a
// limit_exceeded Fault.
func (b AgentBudget) Check(n int) (AgentBudget, error) {
	if b.Used+n > b.Max {
		return b, NewFault(FaultLimitExceeded,
			"tool call limit reached",
			map[string]any{"scope": "agent", "used": b.Used, "max": b.Max})
	}
	b.Used += n
	return b, nil
}

// TurnBudget is the level-3 per-turn counter pair: agents dispatched and
// skill calls executed during the current turn.
type TurnBudget struct {
	AgentsUsed     int `json:"agents_used"`
	SkillCallsUsed int `json:"skill_calls_used"`
	MaxAgents      int `json:"max_agents"`
	MaxSkillCalls  int `json:"max_skill_calls"`
}

// AddAgents admits n more sub-agent dispatches in this turn.
func (t TurnBudget) AddAgents(n int) (TurnBudget, error) {
	if t.AgentsUsed+n > t.MaxAgents {
		return t, NewFault(FaultLimitExceeded,
			"agent limit reached for this turn",
			map[string]any{"scope": "turn_agents", "used": t.AgentsUsed, "max": t.MaxAgents, "requested": n})
	}
	t.AgentsUsed += n
	return t, nil
}

// AddSkillCall admits one more skill call in this turn.
func (t TurnBudget) AddSkillCall() (TurnBudget, error) {
	if t.SkillCallsUsed+1 > t.MaxSkillCalls {
		return t, NewFault(FaultLimitExceeded,
			"skill call limit reached for this turn",
			map[string]any{"scope": "turn_skills", "used": t.SkillCallsUsed, "max": t.MaxSkillCalls})
	}
	t.SkillCallsUsed++
	return t, nil
}

// ConversationWindow is the level-4 sliding window over orchestrator
// iterations: at most MaxCalls LLM round-trips within Window, rolling.
type ConversationWindow struct {
	Stamps   []time.Time
	MaxCalls int
	Window   time.Duration
}

// Defaults for the conversation window: 50 iterations per 5 minutes.
const (
	DefaultWindowMaxCalls = 50
	DefaultWindowSpan     = 5 * time.Minute
)

// NewConversationWindow creates a window; non-positive arguments fall back
// to the defaults.
func NewConversationWindow(maxCalls int, span time.Duration) ConversationWindow {
	if maxCalls <= 0 {
		maxCalls = DefaultWindowMaxCalls
	}
	if span <= 0 {
		span = DefaultWindowSpan
	}
	return ConversationWindow{MaxCalls: maxCalls, Window: span}
}

// Admit records one iteration at now. Timestamps older than now−Window are
// purged first. On success the updated window is returned; on failure the
// purged-but-unchanged window is returned with a limit_exceeded Fault whose
// details carry the retry hint.
func (w ConversationWindow) Admit(now time.Time) (ConversationWindow, error) {
	cutoff := now.Add(-w.Window)
	i := 0
	for i < len(w.Stamps) && w.Stamps[i].Before(cutoff) {
		i++
	}
	kept := make([]time.Time, len(w.Stamps)-i)
	copy(kept, w.Stamps[i:])
	w.Stamps = kept

	if len(w.Stamps)+1 > w.MaxCalls {
		retryIn := w.Stamps[0].Add(w.Window).Sub(now)
		if retryIn < 0 {
			retryIn = 0
		}
		return w, NewFault(FaultLimitExceeded,
			"conversation rate limit reached",
			map[string]any{
				"scope":          "conversation",
				"used":           len(w.Stamps),
				"max":            w.MaxCalls,
				"retry_after_ms": retryIn.Milliseconds(),
			})
	}
	w.Stamps = append(w.Stamps, now)
	return w, nil
}
