package atoll

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// DefaultWaveTimeout bounds each scheduler wave.
const DefaultWaveTimeout = 120 * time.Second

// PlanWaves orders a dispatch batch into execution waves. Agents with no
// unresolved dependencies form the first wave, agents depending only on
// earlier waves the next, and so on. Waves are sorted by agent id so the
// plan is a pure function of the batch.
//
// depends_on may only reference agents within the same batch; anything
// else is an unknown_dependency fault. A dependency cycle is a
// cycle_detected fault.
func PlanWaves(dispatches []DispatchParams) ([][]string, error) {
	known := make(map[string]bool, len(dispatches))
	for _, d := range dispatches {
		known[d.AgentID] = true
	}

	indegree := make(map[string]int, len(dispatches))
	dependents := make(map[string][]string)
	for _, d := range dispatches {
		indegree[d.AgentID] += 0
		for _, dep := range d.DependsOn {
			if !known[dep] {
				return nil, NewFault(FaultUnknownDependency,
					fmt.Sprintf("agent %q depends on unknown agent %q", d.AgentID, dep),
					map[string]any{"agent_id": d.AgentID, "dependency": dep})
			}
			indegree[d.AgentID]++
			dependents[dep] = append(dependents[dep], d.AgentID)
		}
	}

	var waves [][]string
	placed := 0
	for placed < len(indegree) {
		var wave []string
		for id, deg := range indegree {
			if deg == 0 {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			var remaining []string
			for id := range indegree {
				remaining = append(remaining, id)
			}
			sort.Strings(remaining)
			return nil, NewFault(FaultCycleDetected,
				fmt.Sprintf("dependency cycle detected among agents: %s", strings.Join(remaining, ", ")),
				map[string]any{"agents": remaining})
		}
		sort.Strings(wave)
		for _, id := range wave {
			delete(indegree, id)
			for _, dep := range dependents[id] {
				if _, ok := indegree[dep]; ok {
					indegree[dep]--
				}
			}
		}
		placed += len(wave)
		waves = append(waves, wave)
	}
	return waves, nil
}

// AgentRunner executes one dispatched agent. deps holds the settled
// results of the agent's dependencies.
type AgentRunner func(ctx context.Context, h *AgentHandle, d DispatchParams, deps map[string]AgentResult) AgentResult

// Dispatcher runs dispatch batches wave by wave. Agents inside a wave run
// concurrently; a wave completes when every agent in it has settled
// (terminal or paused). Worker failures never propagate as errors, they
// become result rows.
type Dispatcher struct {
	waveTimeout time.Duration
	logger      *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWaveTimeout overrides the per-wave deadline.
func WithWaveTimeout(d time.Duration) DispatcherOption {
	return func(dd *Dispatcher) { dd.waveTimeout = d }
}

// WithDispatcherLogger sets the structured logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(dd *Dispatcher) { dd.logger = l }
}

// NewDispatcher returns a Dispatcher with the default wave timeout.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{waveTimeout: DefaultWaveTimeout, logger: nopLogger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Execute plans and runs one dispatch batch. The returned map has one row
// per dispatched agent: settled results for agents that ran, synthesized
// timeout rows for agents cancelled at the wave deadline, and skipped
// rows naming the original failed ancestors for agents whose dependencies
// did not complete.
func (d *Dispatcher) Execute(ctx context.Context, dispatches []DispatchParams, sup *Supervisor, run AgentRunner) (map[string]AgentResult, error) {
	waves, err := PlanWaves(dispatches)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]DispatchParams, len(dispatches))
	for _, dp := range dispatches {
		byID[dp.AgentID] = dp
	}

	results := make(map[string]AgentResult, len(dispatches))
	// rootCauses maps a skipped agent to the failed ancestors that
	// started the cascade, so transitive skips name original failures.
	rootCauses := make(map[string][]string)

	for i, wave := range waves {
		d.logger.Info("wave started", "wave", i+1, "of", len(waves), "agents", wave)

		type spawned struct {
			id string
			h  *AgentHandle
		}
		var running []spawned

		for _, id := range wave {
			dp := byID[id]
			if roots := failedAncestors(dp.DependsOn, results, rootCauses); len(roots) > 0 {
				rootCauses[id] = roots
				results[id] = AgentResult{
					Status: StatusSkipped,
					Result: fmt.Sprintf("skipped because dependency failed: %s", strings.Join(roots, ", ")),
				}
				d.logger.Warn("agent skipped", "agent_id", id, "failed_dependencies", roots)
				continue
			}

			deps := make(map[string]AgentResult, len(dp.DependsOn))
			for _, dep := range dp.DependsOn {
				deps[dep] = results[dep]
			}
			h := sup.Spawn(ctx, id, func(ctx context.Context, h *AgentHandle) AgentResult {
				return run(ctx, h, dp, deps)
			})
			running = append(running, spawned{id: id, h: h})
		}

		if len(running) == 0 {
			continue
		}

		waveCtx, cancel := context.WithTimeout(ctx, d.waveTimeout)
		timedOut := false
		for _, sp := range running {
			select {
			case <-sp.h.Settled():
				results[sp.id] = sp.h.Snapshot()
			case <-waveCtx.Done():
				timedOut = true
			}
			if timedOut {
				break
			}
		}
		if timedOut {
			for _, sp := range running {
				select {
				case <-sp.h.Settled():
					results[sp.id] = sp.h.Snapshot()
				default:
					sp.h.Cancel()
					results[sp.id] = AgentResult{Status: StatusTimeout, Result: "timed out"}
					d.logger.Warn("agent timed out", "agent_id", sp.id, "timeout", d.waveTimeout)
				}
			}
		}
		cancel()
	}
	return results, nil
}

// failedAncestors returns the sorted original failures blocking an agent:
// dependencies that failed or timed out directly, plus the recorded roots
// of dependencies that were themselves skipped.
func failedAncestors(deps []string, results map[string]AgentResult, rootCauses map[string][]string) []string {
	set := make(map[string]bool)
	for _, dep := range deps {
		switch results[dep].Status {
		case StatusFailed, StatusTimeout:
			set[dep] = true
		case StatusSkipped:
			if roots, ok := rootCauses[dep]; ok {
				for _, r := range roots {
					set[r] = true
				}
			} else {
				set[dep] = true
			}
		}
	}
	if len(set) == 0 {
		return nil
	}
	roots := make([]string, 0, len(set))
	for r := range set {
		roots = append(roots, r)
	}
	sort.Strings(roots)
	return roots
}

// WaitMode selects how get_agent_results blocks.
type WaitMode string

const (
	// WaitImmediate returns currently known statuses without blocking.
	WaitImmediate WaitMode = "immediate"
	// WaitAny blocks until at least one of the agents reaches a terminal
	// state.
	WaitAny WaitMode = "wait_any"
	// WaitAll blocks until all of the agents reach terminal states.
	WaitAll WaitMode = "wait_all"
)

// ParseWaitMode validates a mode string, defaulting empty to immediate.
func ParseWaitMode(s string) (WaitMode, error) {
	switch s {
	case "", string(WaitImmediate):
		return WaitImmediate, nil
	case string(WaitAny):
		return WaitAny, nil
	case string(WaitAll):
		return WaitAll, nil
	}
	return "", fmt.Errorf("unknown wait mode %q", s)
}

// WaitForAgents observes the named agents per mode. Immediate returns the
// current snapshot of every known agent. wait_any blocks until one agent
// terminates and returns only terminal rows. wait_all blocks until all
// terminate, synthesizing a timeout row for any that did not by the
// deadline. Paused agents do not count as terminal. Unknown ids are
// absent from the returned map.
func WaitForAgents(ctx context.Context, sup *Supervisor, ids []string, mode WaitMode, timeout time.Duration) map[string]AgentResult {
	handles := make(map[string]*AgentHandle, len(ids))
	for _, id := range ids {
		if h, ok := sup.Get(id); ok {
			handles[id] = h
		}
	}

	expired := false
	if mode != WaitImmediate && len(handles) > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		terminal := make(chan struct{}, len(handles))
		for _, h := range handles {
			go func(h *AgentHandle) {
				select {
				case <-h.Done():
					terminal <- struct{}{}
				case <-waitCtx.Done():
				}
			}(h)
		}
		need := 1
		if mode == WaitAll {
			need = len(handles)
		}
		for got := 0; got < need && !expired; {
			select {
			case <-terminal:
				got++
			case <-waitCtx.Done():
				expired = true
			}
		}
		cancel()
	}

	out := make(map[string]AgentResult, len(handles))
	for id, h := range handles {
		switch mode {
		case WaitAny:
			if h.State().IsTerminal() {
				out[id] = h.Snapshot()
			}
		case WaitAll:
			if h.State().IsTerminal() {
				out[id] = h.Snapshot()
			} else {
				out[id] = AgentResult{Status: StatusTimeout, Result: "timed out"}
			}
		default:
			out[id] = h.Snapshot()
		}
	}
	return out
}
