package observer

import (
	"context"
	"errors"
	"testing"
	"time"

	atoll "github.com/helmshore/atoll"
)

// mockProvider for observer tests.
type mockProvider struct {
	name     string
	chatResp atoll.ChatResponse
	chatErr  error
	lastReq  atoll.ChatRequest
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Chat(_ context.Context, req atoll.ChatRequest) (atoll.ChatResponse, error) {
	m.lastReq = req
	return m.chatResp, m.chatErr
}

// mockHandler for observer tests.
type mockHandler struct {
	result atoll.SkillResult
	err    error
	calls  int
}

func (m *mockHandler) Execute(_ context.Context, _ map[string]any, _ atoll.SkillContext) (atoll.SkillResult, error) {
	m.calls++
	return m.result, m.err
}

// testInstruments creates Instruments backed by the global OTEL providers,
// which are no-ops by default. Safe for testing delegation behavior without
// a real backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments(nil)
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

func TestObservedProviderName(t *testing.T) {
	inner := &mockProvider{name: "test-provider"}
	wrapped := WrapProvider(inner, testInstruments(t))
	if wrapped.Name() != "test-provider" {
		t.Errorf("got %q, want %q", wrapped.Name(), "test-provider")
	}
}

func TestObservedProviderChatDelegates(t *testing.T) {
	inner := &mockProvider{
		name: "openai",
		chatResp: atoll.ChatResponse{
			Content: "hi",
			Usage:   atoll.Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000},
		},
	}
	wrapped := WrapProvider(inner, testInstruments(t))

	resp, err := wrapped.Chat(context.Background(), atoll.ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []atoll.ChatMessage{atoll.UserMessage("hello")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hi" {
		t.Errorf("got %q, want %q", resp.Content, "hi")
	}
	if inner.lastReq.Model != "gpt-4o-mini" {
		t.Errorf("request not delegated: %+v", inner.lastReq)
	}
	// 1M in at $0.15 + 1M out at $0.60.
	if resp.Usage.Cost != 0.75 {
		t.Errorf("got cost %f, want 0.75", resp.Usage.Cost)
	}
}

func TestObservedProviderChatError(t *testing.T) {
	wantErr := errors.New("boom")
	wrapped := WrapProvider(&mockProvider{name: "openai", chatErr: wantErr}, testInstruments(t))

	_, err := wrapped.Chat(context.Background(), atoll.ChatRequest{Model: "gpt-4o"})
	if !errors.Is(err, wantErr) {
		t.Errorf("got %v, want %v", err, wantErr)
	}
}

func TestObservedHandlerDelegates(t *testing.T) {
	inner := &mockHandler{result: atoll.SkillResult{Status: "ok", Content: "done"}}
	wrapped := WrapHandler("notes.search", inner, testInstruments(t))

	result, err := wrapped.Execute(context.Background(), map[string]any{"query": "x"}, atoll.SkillContext{AgentID: "a1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "done" {
		t.Errorf("got %q, want %q", result.Content, "done")
	}
	if inner.calls != 1 {
		t.Errorf("got %d calls, want 1", inner.calls)
	}
}

func TestObservedHandlerError(t *testing.T) {
	wantErr := errors.New("handler failed")
	wrapped := WrapHandler("notes.write", &mockHandler{err: wantErr}, testInstruments(t))

	_, err := wrapped.Execute(context.Background(), nil, atoll.SkillContext{})
	if !errors.Is(err, wantErr) {
		t.Errorf("got %v, want %v", err, wantErr)
	}
}

func TestWrapHandlers(t *testing.T) {
	handlers := map[string]atoll.Handler{
		"notes.search": &mockHandler{result: atoll.SkillResult{Content: "a"}},
		"notes.write":  &mockHandler{result: atoll.SkillResult{Content: "b"}},
	}
	wrapped := WrapHandlers(handlers, testInstruments(t))
	if len(wrapped) != 2 {
		t.Fatalf("got %d handlers, want 2", len(wrapped))
	}
	result, err := wrapped["notes.search"].Execute(context.Background(), nil, atoll.SkillContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Content != "a" {
		t.Errorf("got %q, want %q", result.Content, "a")
	}
}

func TestObserveBrokerDrainsUntilClose(t *testing.T) {
	events := make(chan atoll.Event, 2)
	events <- atoll.Event{
		Type:           atoll.EventTurnCompleted,
		ConversationID: "t1",
		Turn:           &atoll.TurnEvent{Iterations: 2, AgentsRun: 1, Duration: 120 * time.Millisecond},
	}
	events <- atoll.Event{Type: atoll.EventTokenUsage, ConversationID: "t1"}
	close(events)

	done := make(chan struct{})
	go func() {
		ObserveBroker(context.Background(), events, testInstruments(t))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ObserveBroker did not return after channel close")
	}
}

func TestObserveBrokerStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan atoll.Event)

	done := make(chan struct{})
	go func() {
		ObserveBroker(ctx, events, testInstruments(t))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ObserveBroker did not return after cancel")
	}
}

func TestTracerSpanLifecycle(t *testing.T) {
	tracer := NewTracer()
	ctx, span := tracer.Start(context.Background(), "test.span",
		atoll.SpanAttr{Key: "agent.id", Value: "a1"})
	if ctx == nil {
		t.Fatal("expected a context")
	}
	span.SetAttr(atoll.SpanAttr{Key: "count", Value: 3})
	span.Event("checkpoint", atoll.SpanAttr{Key: "ok", Value: true})
	span.Error(errors.New("span error"))
	span.End()
}

func TestToOTELAttr(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"string", "hello", "hello"},
		{"int", 42, "42"},
		{"int64", int64(7), "7"},
		{"float64", 1.5, "1.5"},
		{"bool", true, "true"},
		{"fallback", []string{"x"}, "[x]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv := toOTELAttr(atoll.SpanAttr{Key: tt.name, Value: tt.value})
			if got := kv.Value.Emit(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
