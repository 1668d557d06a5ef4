package atoll

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// AgentState is the execution state of a spawned agent.
type AgentState int32

const (
	// StatePending indicates the agent has been spawned but its worker
	// has not started.
	StatePending AgentState = iota
	// StateRunning indicates the worker loop is in progress.
	StateRunning
	// StateAwaiting indicates the agent paused on request_help and is
	// blocked on its resume mailbox.
	StateAwaiting
	// StateCompleted indicates the agent finished its mission.
	StateCompleted
	// StateFailed indicates the agent ended with an error.
	StateFailed
	// StateTimeout indicates the agent was cut off by a deadline.
	StateTimeout
	// StateSkipped indicates the agent never ran because a dependency
	// failed.
	StateSkipped
)

// String returns the state as its wire status.
func (s AgentState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return StatusRunning
	case StateAwaiting:
		return StatusAwaiting
	case StateCompleted:
		return StatusCompleted
	case StateFailed:
		return StatusFailed
	case StateTimeout:
		return StatusTimeout
	case StateSkipped:
		return StatusSkipped
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is final. Awaiting is not
// terminal: a paused agent can still resume.
func (s AgentState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimeout, StateSkipped:
		return true
	}
	return false
}

func stateFromStatus(status string) AgentState {
	switch status {
	case StatusCompleted:
		return StateCompleted
	case StatusTimeout:
		return StateTimeout
	case StatusSkipped:
		return StateSkipped
	case StatusAwaiting:
		return StateAwaiting
	default:
		return StateFailed
	}
}

// AgentHandle tracks one spawned agent. It distinguishes settled from
// done: settled closes when the agent reaches a terminal state or pauses
// awaiting the orchestrator; done closes only on a terminal state. Wave
// collection waits on settled, result waiting on done. All methods are
// safe for concurrent use.
type AgentHandle struct {
	id     string
	state  atomic.Int32
	cancel context.CancelFunc

	mu     sync.Mutex
	result AgentResult

	done       chan struct{}
	settled    chan struct{}
	doneOnce   sync.Once
	settleOnce sync.Once
}

func newAgentHandle(id string, cancel context.CancelFunc) *AgentHandle {
	h := &AgentHandle{
		id:      id,
		cancel:  cancel,
		done:    make(chan struct{}),
		settled: make(chan struct{}),
	}
	h.state.Store(int32(StatePending))
	return h
}

// ID returns the agent identifier chosen at dispatch.
func (h *AgentHandle) ID() string { return h.id }

// State returns the current execution state.
func (h *AgentHandle) State() AgentState {
	return AgentState(h.state.Load())
}

// Done returns a channel closed when the agent reaches a terminal state.
func (h *AgentHandle) Done() <-chan struct{} { return h.done }

// Settled returns a channel closed when the agent reaches a terminal
// state or pauses awaiting the orchestrator.
func (h *AgentHandle) Settled() <-chan struct{} { return h.settled }

// Snapshot returns the most recent known result. Before the agent
// settles it reports a running status.
func (h *AgentHandle) Snapshot() AgentResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.result.Status == "" {
		return AgentResult{Status: StatusRunning}
	}
	return h.result
}

// Await blocks until the agent reaches a terminal state or ctx is
// cancelled. A paused agent does not satisfy Await.
func (h *AgentHandle) Await(ctx context.Context) (AgentResult, error) {
	select {
	case <-h.done:
		return h.Snapshot(), nil
	case <-ctx.Done():
		return AgentResult{}, ctx.Err()
	}
}

// MarkPaused records a pause snapshot and settles the handle without
// finishing it. The worker goroutine stays alive blocked on its mailbox.
func (h *AgentHandle) MarkPaused(snapshot AgentResult) {
	h.mu.Lock()
	h.result = snapshot
	h.mu.Unlock()
	h.state.Store(int32(StateAwaiting))
	h.settleOnce.Do(func() { close(h.settled) })
}

// MarkResumed transitions a paused agent back to running after an update
// is injected. The handle stays settled.
func (h *AgentHandle) MarkResumed() {
	h.state.Store(int32(StateRunning))
}

// finish records the terminal result and closes both channels.
func (h *AgentHandle) finish(r AgentResult) {
	h.mu.Lock()
	h.result = r
	h.mu.Unlock()
	h.state.Store(int32(stateFromStatus(r.Status)))
	h.settleOnce.Do(func() { close(h.settled) })
	h.doneOnce.Do(func() { close(h.done) })
}

// Cancel requests cancellation. Non-blocking. The worker observes a
// cancelled context and finishes on its own.
func (h *AgentHandle) Cancel() { h.cancel() }

// Supervisor owns the agent handles of one conversation. Handles persist
// across waves within a turn so the orchestrator can query results and
// resume paused agents.
type Supervisor struct {
	mu      sync.Mutex
	handles map[string]*AgentHandle
	logger  *slog.Logger
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// SupervisorLogger sets the structured logger for lifecycle events.
func SupervisorLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

// NewSupervisor returns an empty supervisor.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{handles: make(map[string]*AgentHandle), logger: nopLogger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn launches fn in a background goroutine and returns its handle.
// fn receives the handle so it can pause itself via MarkPaused. A panic
// in fn becomes a failed result, never a crash.
func (s *Supervisor) Spawn(ctx context.Context, id string, fn func(ctx context.Context, h *AgentHandle) AgentResult) *AgentHandle {
	ctx, cancel := context.WithCancel(ctx)
	h := newAgentHandle(id, cancel)

	s.mu.Lock()
	s.handles[id] = h
	s.mu.Unlock()

	s.logger.Info("agent spawned", "agent_id", id)

	go func() {
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("agent panic", "agent_id", id, "panic", fmt.Sprintf("%v", p))
				h.finish(AgentResult{
					Status: StatusFailed,
					Result: fmt.Sprintf("agent crashed: %v", p),
				})
			}
		}()
		h.state.Store(int32(StateRunning))
		start := time.Now()
		r := fn(ctx, h)
		if r.DurationMS == 0 {
			r.DurationMS = time.Since(start).Milliseconds()
		}
		h.finish(r)

		if r.Status == StatusCompleted {
			s.logger.Info("agent completed", "agent_id", id,
				"tool_calls", r.ToolCallsUsed, "duration_ms", r.DurationMS)
		} else {
			s.logger.Warn("agent ended", "agent_id", id,
				"status", r.Status, "duration_ms", r.DurationMS)
		}
	}()

	return h
}

// Get returns the handle for id.
func (s *Supervisor) Get(id string) (*AgentHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

// IDs returns all known agent identifiers.
func (s *Supervisor) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	return ids
}

// CancelAll cancels every handle. Worker goroutines finish on their own.
func (s *Supervisor) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handles {
		h.cancel()
	}
}

// Reset cancels and forgets all handles, preparing for the next turn.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handles {
		h.cancel()
	}
	s.handles = make(map[string]*AgentHandle)
}
