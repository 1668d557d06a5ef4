package atoll

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

func wavesEqual(got, want [][]string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if len(got[i]) != len(want[i]) {
			return false
		}
		for j := range got[i] {
			if got[i][j] != want[i][j] {
				return false
			}
		}
	}
	return true
}

func TestPlanWavesEmpty(t *testing.T) {
	waves, err := PlanWaves(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(waves) != 0 {
		t.Errorf("got %v, want no waves", waves)
	}
}

func TestPlanWavesSingleton(t *testing.T) {
	waves, err := PlanWaves([]DispatchParams{{AgentID: "solo"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !wavesEqual(waves, [][]string{{"solo"}}) {
		t.Errorf("got %v, want one singleton wave", waves)
	}
}

func TestPlanWavesIndependentAgents(t *testing.T) {
	waves, err := PlanWaves([]DispatchParams{
		{AgentID: "c"}, {AgentID: "a"}, {AgentID: "b"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !wavesEqual(waves, [][]string{{"a", "b", "c"}}) {
		t.Errorf("got %v, want one sorted wave", waves)
	}
}

func TestPlanWavesChain(t *testing.T) {
	waves, err := PlanWaves([]DispatchParams{
		{AgentID: "c", DependsOn: []string{"b"}},
		{AgentID: "a"},
		{AgentID: "b", DependsOn: []string{"a"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !wavesEqual(waves, [][]string{{"a"}, {"b"}, {"c"}}) {
		t.Errorf("got %v, want three waves", waves)
	}
}

func TestPlanWavesDiamond(t *testing.T) {
	waves, err := PlanWaves([]DispatchParams{
		{AgentID: "fetch"},
		{AgentID: "parse", DependsOn: []string{"fetch"}},
		{AgentID: "index", DependsOn: []string{"fetch"}},
		{AgentID: "report", DependsOn: []string{"parse", "index"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := [][]string{{"fetch"}, {"index", "parse"}, {"report"}}
	if !wavesEqual(waves, want) {
		t.Errorf("got %v, want %v", waves, want)
	}
}

func TestPlanWavesDeterministic(t *testing.T) {
	batch := []DispatchParams{
		{AgentID: "report", DependsOn: []string{"parse", "index"}},
		{AgentID: "index", DependsOn: []string{"fetch"}},
		{AgentID: "fetch"},
		{AgentID: "parse", DependsOn: []string{"fetch"}},
	}
	first, err := PlanWaves(batch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := PlanWaves(batch)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !wavesEqual(again, first) {
			t.Fatalf("run %d: got %v, want %v", i, again, first)
		}
	}
}

func TestPlanWavesUnknownDependency(t *testing.T) {
	_, err := PlanWaves([]DispatchParams{
		{AgentID: "a", DependsOn: []string{"ghost"}},
	})
	if err == nil {
		t.Fatal("expected fault, got nil")
	}
	if !IsFault(err, FaultUnknownDependency) {
		t.Errorf("got %v, want unknown_dependency fault", err)
	}
	if !strings.Contains(err.Error(), `agent "a" depends on unknown agent "ghost"`) {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestPlanWavesCycle(t *testing.T) {
	_, err := PlanWaves([]DispatchParams{
		{AgentID: "a", DependsOn: []string{"b"}},
		{AgentID: "b", DependsOn: []string{"a"}},
	})
	if err == nil {
		t.Fatal("expected fault, got nil")
	}
	if !IsFault(err, FaultCycleDetected) {
		t.Errorf("got %v, want cycle_detected fault", err)
	}
	if !strings.Contains(err.Error(), "dependency cycle detected among agents: a, b") {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestExecuteOrdersWavesAndPassesDependencyResults(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var seenDeps map[string]AgentResult

	runner := func(_ context.Context, _ *AgentHandle, dp DispatchParams, deps map[string]AgentResult) AgentResult {
		mu.Lock()
		order = append(order, dp.AgentID)
		if dp.AgentID == "analyze" {
			seenDeps = deps
		}
		mu.Unlock()
		return AgentResult{Status: StatusCompleted, Result: "result of " + dp.AgentID}
	}

	d := NewDispatcher()
	results, err := d.Execute(context.Background(), []DispatchParams{
		{AgentID: "analyze", DependsOn: []string{"gather"}},
		{AgentID: "gather"},
	}, NewSupervisor(), runner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results["analyze"].Status != StatusCompleted {
		t.Errorf("got %+v, want completed", results["analyze"])
	}
	if len(order) != 2 || order[0] != "gather" || order[1] != "analyze" {
		t.Errorf("got order %v, want [gather analyze]", order)
	}
	if seenDeps["gather"].Result != "result of gather" {
		t.Errorf("dependency results not passed: %+v", seenDeps)
	}
}

func TestExecuteSkipsDependentsOfFailures(t *testing.T) {
	runner := func(_ context.Context, _ *AgentHandle, dp DispatchParams, _ map[string]AgentResult) AgentResult {
		if dp.AgentID == "gather" {
			return AgentResult{Status: StatusFailed, Result: "connection refused"}
		}
		return AgentResult{Status: StatusCompleted}
	}

	d := NewDispatcher()
	results, err := d.Execute(context.Background(), []DispatchParams{
		{AgentID: "gather"},
		{AgentID: "analyze", DependsOn: []string{"gather"}},
		{AgentID: "report", DependsOn: []string{"analyze"}},
	}, NewSupervisor(), runner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if results["analyze"].Status != StatusSkipped {
		t.Errorf("got %+v, want skipped", results["analyze"])
	}
	if results["analyze"].Result != "skipped because dependency failed: gather" {
		t.Errorf("got %q", results["analyze"].Result)
	}
	// Transitive skips name the original failure, not the skipped parent.
	if results["report"].Result != "skipped because dependency failed: gather" {
		t.Errorf("got %q, want the root cause", results["report"].Result)
	}
}

func TestExecuteWaveTimeout(t *testing.T) {
	runner := func(ctx context.Context, _ *AgentHandle, dp DispatchParams, _ map[string]AgentResult) AgentResult {
		if dp.AgentID == "slow" {
			<-ctx.Done()
			return AgentResult{Status: StatusFailed, Result: "cancelled"}
		}
		return AgentResult{Status: StatusCompleted, Result: "quick"}
	}

	d := NewDispatcher(WithWaveTimeout(50 * time.Millisecond))
	results, err := d.Execute(context.Background(), []DispatchParams{
		{AgentID: "slow"}, {AgentID: "fast"},
	}, NewSupervisor(), runner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if results["fast"].Status != StatusCompleted {
		t.Errorf("got %+v, want completed", results["fast"])
	}
	if results["slow"].Status != StatusTimeout || results["slow"].Result != "timed out" {
		t.Errorf("got %+v, want synthesized timeout row", results["slow"])
	}
}

func TestExecutePausedAgentSettlesWave(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	runner := func(_ context.Context, h *AgentHandle, _ DispatchParams, _ map[string]AgentResult) AgentResult {
		h.MarkPaused(AgentResult{
			Status:         StatusAwaiting,
			Result:         "partial",
			AwaitingReason: "needs approval",
		})
		<-release
		return AgentResult{Status: StatusCompleted}
	}

	d := NewDispatcher()
	done := make(chan map[string]AgentResult, 1)
	go func() {
		results, _ := d.Execute(context.Background(), []DispatchParams{{AgentID: "writer"}},
			NewSupervisor(), runner)
		done <- results
	}()

	select {
	case results := <-done:
		r := results["writer"]
		if r.Status != StatusAwaiting || r.AwaitingReason != "needs approval" {
			t.Errorf("got %+v, want awaiting row", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wave must settle on pause, not wait for completion")
	}
}

func TestWaitForAgentsImmediate(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	sup := NewSupervisor()
	done := sup.Spawn(context.Background(), "done", func(_ context.Context, _ *AgentHandle) AgentResult {
		return AgentResult{Status: StatusCompleted, Result: "ok"}
	})
	sup.Spawn(context.Background(), "busy", func(_ context.Context, _ *AgentHandle) AgentResult {
		<-release
		return AgentResult{Status: StatusCompleted}
	})
	if _, err := done.Await(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	rows := WaitForAgents(context.Background(), sup,
		[]string{"done", "busy", "ghost"}, WaitImmediate, time.Second)

	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2 (unknown ids are absent)", len(rows))
	}
	if rows["done"].Status != StatusCompleted {
		t.Errorf("got %+v, want completed", rows["done"])
	}
	if rows["busy"].Status != StatusRunning {
		t.Errorf("got %+v, want running", rows["busy"])
	}
}

func TestWaitForAgentsAny(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	sup := NewSupervisor()
	sup.Spawn(context.Background(), "fast", func(_ context.Context, _ *AgentHandle) AgentResult {
		time.Sleep(20 * time.Millisecond)
		return AgentResult{Status: StatusCompleted, Result: "first"}
	})
	sup.Spawn(context.Background(), "stuck", func(_ context.Context, _ *AgentHandle) AgentResult {
		<-release
		return AgentResult{Status: StatusCompleted}
	})

	rows := WaitForAgents(context.Background(), sup,
		[]string{"fast", "stuck"}, WaitAny, 2*time.Second)

	if _, ok := rows["fast"]; !ok {
		t.Fatal("terminal agent missing from wait_any rows")
	}
	if _, ok := rows["stuck"]; ok {
		t.Error("wait_any must omit non-terminal agents")
	}
}

func TestWaitForAgentsAllSynthesizesTimeouts(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	sup := NewSupervisor()
	sup.Spawn(context.Background(), "stuck", func(_ context.Context, _ *AgentHandle) AgentResult {
		<-release
		return AgentResult{Status: StatusCompleted}
	})

	rows := WaitForAgents(context.Background(), sup,
		[]string{"stuck"}, WaitAll, 50*time.Millisecond)

	if rows["stuck"].Status != StatusTimeout || rows["stuck"].Result != "timed out" {
		t.Errorf("got %+v, want synthesized timeout row", rows["stuck"])
	}
}

func TestParseWaitMode(t *testing.T) {
	tests := []struct {
		in      string
		want    WaitMode
		wantErr bool
	}{
		{"", WaitImmediate, false},
		{"immediate", WaitImmediate, false},
		{"wait_any", WaitAny, false},
		{"wait_all", WaitAll, false},
		{"eventually", "", true},
	}
	for _, tt := range tests {
		got, err := ParseWaitMode(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseWaitMode(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseWaitMode(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseWaitMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
