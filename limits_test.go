package atoll

import (
	"strings"
	"testing"
	"time"
)

// --- Fuse tests ---

func TestMemoryFuseOpensAtThreshold(t *testing.T) {
	f := NewMemoryFuse(FuseConfig{Threshold: 3, Window: time.Minute})

	f.RecordFailure("email.send")
	f.RecordFailure("email.send")
	if err := f.Check("email.send"); err != nil {
		t.Fatalf("two failures should not open a threshold-3 fuse: %v", err)
	}

	f.RecordFailure("email.send")
	err := f.Check("email.send")
	if err == nil {
		t.Fatal("expected open fuse, got nil")
	}
	if !IsFault(err, FaultCircuitOpen) {
		t.Errorf("got %v, want circuit_breaker_open fault", err)
	}
	if !strings.Contains(err.Error(), `circuit breaker open for skill "email.send"`) {
		t.Errorf("unexpected message: %v", err)
	}
}

func TestMemoryFuseIsolatesSkills(t *testing.T) {
	f := NewMemoryFuse(FuseConfig{Threshold: 1, Window: time.Minute})
	f.RecordFailure("email.send")

	if err := f.Check("email.send"); err == nil {
		t.Error("expected open fuse for failing skill")
	}
	if err := f.Check("notes.search"); err != nil {
		t.Errorf("other skills must stay closed: %v", err)
	}
}

func TestMemoryFuseSuccessResets(t *testing.T) {
	f := NewMemoryFuse(FuseConfig{Threshold: 2, Window: time.Minute})
	f.RecordFailure("web.fetch")
	f.RecordFailure("web.fetch")
	if err := f.Check("web.fetch"); err == nil {
		t.Fatal("expected open fuse")
	}

	f.RecordSuccess("web.fetch")
	if err := f.Check("web.fetch"); err != nil {
		t.Errorf("success should close the fuse: %v", err)
	}
}

func TestMemoryFuseWindowExpiry(t *testing.T) {
	f := NewMemoryFuse(FuseConfig{Threshold: 2, Window: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	f.now = func() time.Time { return now }

	f.RecordFailure("web.fetch")
	f.RecordFailure("web.fetch")
	if err := f.Check("web.fetch"); err == nil {
		t.Fatal("expected open fuse")
	}

	now = now.Add(2 * time.Minute)
	if err := f.Check("web.fetch"); err != nil {
		t.Errorf("failures outside the window should not count: %v", err)
	}
}

func TestMemoryFuseZeroConfigUsesDefaults(t *testing.T) {
	f := NewMemoryFuse(FuseConfig{})
	if f.cfg.Threshold != DefaultFuseConfig.Threshold {
		t.Errorf("got threshold %d, want %d", f.cfg.Threshold, DefaultFuseConfig.Threshold)
	}
	if f.cfg.Window != DefaultFuseConfig.Window {
		t.Errorf("got window %v, want %v", f.cfg.Window, DefaultFuseConfig.Window)
	}
}

// --- AgentBudget tests ---

func TestAgentBudgetCheck(t *testing.T) {
	b := AgentBudget{Max: 2}

	b, err := b.Check(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Used != 1 {
		t.Errorf("got used %d, want 1", b.Used)
	}

	b, err = b.Check(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	over, err := b.Check(1)
	if err == nil {
		t.Fatal("expected limit fault, got nil")
	}
	if !IsFault(err, FaultLimitExceeded) {
		t.Errorf("got %v, want limit_exceeded fault", err)
	}
	if over.Used != 2 {
		t.Errorf("rejected check must not consume budget: used %d", over.Used)
	}
	f, _ := AsFault(err)
	if f.Details["scope"] != "agent" {
		t.Errorf("got scope %v, want agent", f.Details["scope"])
	}
}

// --- TurnBudget tests ---

func TestTurnBudgetAddAgents(t *testing.T) {
	b := TurnBudget{MaxAgents: 3, MaxSkillCalls: 10}

	b, err := b.AddAgents(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.AgentsUsed != 2 {
		t.Errorf("got %d, want 2", b.AgentsUsed)
	}

	_, err = b.AddAgents(2)
	if err == nil {
		t.Fatal("expected limit fault, got nil")
	}
	if !strings.Contains(err.Error(), "agent limit reached for this turn") {
		t.Errorf("unexpected message: %v", err)
	}
	f, _ := AsFault(err)
	if f.Details["scope"] != "turn_agents" {
		t.Errorf("got scope %v, want turn_agents", f.Details["scope"])
	}
}

func TestTurnBudgetAddSkillCall(t *testing.T) {
	b := TurnBudget{MaxAgents: 3, MaxSkillCalls: 1}

	b, err := b.AddSkillCall()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.SkillCallsUsed != 1 {
		t.Errorf("got %d, want 1", b.SkillCallsUsed)
	}

	_, err = b.AddSkillCall()
	if err == nil {
		t.Fatal("expected limit fault, got nil")
	}
	if !strings.Contains(err.Error(), "skill call limit reached for this turn") {
		t.Errorf("unexpected message: %v", err)
	}
	f, _ := AsFault(err)
	if f.Details["scope"] != "turn_skills" {
		t.Errorf("got scope %v, want turn_skills", f.Details["scope"])
	}
}

// --- ConversationWindow tests ---

func TestConversationWindowAdmit(t *testing.T) {
	w := NewConversationWindow(2, time.Minute)
	now := time.Unix(1_700_000_000, 0)

	w, err := w.Admit(now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w, err = w.Admit(now.Add(time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = w.Admit(now.Add(2 * time.Second))
	if err == nil {
		t.Fatal("expected limit fault, got nil")
	}
	if !strings.Contains(err.Error(), "conversation rate limit reached") {
		t.Errorf("unexpected message: %v", err)
	}
	f, _ := AsFault(err)
	retry, ok := f.Details["retry_after_ms"].(int64)
	if !ok || retry <= 0 {
		t.Errorf("got retry_after_ms %v, want positive", f.Details["retry_after_ms"])
	}
}

func TestConversationWindowSlides(t *testing.T) {
	w := NewConversationWindow(1, time.Minute)
	now := time.Unix(1_700_000_000, 0)

	w, err := w.Admit(now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := w.Admit(now.Add(time.Second)); err == nil {
		t.Fatal("expected full window")
	}

	w, err = w.Admit(now.Add(2 * time.Minute))
	if err != nil {
		t.Errorf("stamps outside the window should be purged: %v", err)
	}
	if len(w.Stamps) != 1 {
		t.Errorf("got %d stamps, want 1", len(w.Stamps))
	}
}

func TestNewConversationWindowDefaults(t *testing.T) {
	w := NewConversationWindow(0, 0)
	if w.MaxCalls != DefaultWindowMaxCalls {
		t.Errorf("got %d, want %d", w.MaxCalls, DefaultWindowMaxCalls)
	}
	if w.Window != DefaultWindowSpan {
		t.Errorf("got %v, want %v", w.Window, DefaultWindowSpan)
	}
}
