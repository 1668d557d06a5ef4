package atoll

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestChatMessageText(t *testing.T) {
	m := ChatMessage{Role: "user", Content: "plain"}
	if m.Text() != "plain" {
		t.Errorf("got %q", m.Text())
	}

	m = ChatMessage{Role: "system", Parts: []ContentPart{
		{Type: "text", Text: "first "},
		{Type: "text", Text: "second"},
	}}
	if m.Text() != "first second" {
		t.Errorf("got %q", m.Text())
	}

	// Parts win over Content when both are set.
	m = ChatMessage{Content: "ignored", Parts: []ContentPart{{Type: "text", Text: "part"}}}
	if m.Text() != "part" {
		t.Errorf("got %q", m.Text())
	}
}

func TestDecodeArgs(t *testing.T) {
	call := ToolCall{ID: "1", Name: "use_skill",
		Args: json.RawMessage(`{"skill":"notes.search","arguments":{"query":"q"}}`)}
	var args struct {
		Skill     string         `json:"skill"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := call.DecodeArgs(&args); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if args.Skill != "notes.search" || args.Arguments["query"] != "q" {
		t.Errorf("got %+v", args)
	}
}

func TestDecodeArgsEmpty(t *testing.T) {
	var args struct {
		Name string `json:"name"`
	}
	if err := (ToolCall{ID: "1", Name: "get_skill"}).DecodeArgs(&args); err != nil {
		t.Fatalf("empty args must decode as an empty object: %v", err)
	}
	if args.Name != "" {
		t.Errorf("got %q", args.Name)
	}
}

func TestDecodeArgsInvalid(t *testing.T) {
	call := ToolCall{ID: "1", Name: "dispatch_agent", Args: json.RawMessage(`{broken`)}
	var args map[string]any
	err := call.DecodeArgs(&args)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "tool call dispatch_agent: decode args:") {
		t.Errorf("got %v", err)
	}
}

func TestUsageAdd(t *testing.T) {
	total := Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120, Cost: 0.01}
	total = total.Add(Usage{PromptTokens: 50, CompletionTokens: 5, TotalTokens: 55, CacheReadTokens: 40, Cost: 0.002})

	if total.PromptTokens != 150 || total.CompletionTokens != 25 || total.TotalTokens != 175 {
		t.Errorf("got %+v", total)
	}
	if total.CacheReadTokens != 40 {
		t.Errorf("got %d cache read tokens, want 40", total.CacheReadTokens)
	}
	if total.Cost != 0.012 {
		t.Errorf("got %v cost, want 0.012", total.Cost)
	}
}

func TestAgentResultTerminal(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusTimeout, true},
		{StatusSkipped, true},
		{StatusAwaiting, false},
		{StatusRunning, false},
		{"", false},
	}
	for _, tt := range tests {
		if got := (AgentResult{Status: tt.status}).Terminal(); got != tt.want {
			t.Errorf("Terminal(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestMessageConstructors(t *testing.T) {
	if m := UserMessage("hi"); m.Role != "user" || m.Content != "hi" {
		t.Errorf("got %+v", m)
	}
	if m := SystemMessage("rules"); m.Role != "system" || m.Content != "rules" {
		t.Errorf("got %+v", m)
	}
	if m := AssistantMessage("sure"); m.Role != "assistant" || m.Content != "sure" {
		t.Errorf("got %+v", m)
	}
	if m := ToolResultMessage("call-7", "done"); m.Role != "tool" || m.ToolCallID != "call-7" || m.Content != "done" {
		t.Errorf("got %+v", m)
	}
}

func TestCachedMessage(t *testing.T) {
	m := CachedMessage("system", "identity", CacheTTLLong)
	if m.Role != "system" || m.Content != "" {
		t.Errorf("got %+v", m)
	}
	if len(m.Parts) != 1 || m.Parts[0].Text != "identity" {
		t.Fatalf("got %+v", m.Parts)
	}
	if m.Parts[0].Cache == nil || m.Parts[0].Cache.TTL != "1h" {
		t.Errorf("got %+v", m.Parts[0].Cache)
	}
	if m.Text() != "identity" {
		t.Errorf("got %q", m.Text())
	}
}
