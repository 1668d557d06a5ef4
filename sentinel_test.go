package atoll

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSentinelApproves(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		{Content: `{"decision":"approve","reason":"read-only lookup serves the request"}`},
	}}
	s := NewSentinel(provider, "gpt-4o-mini")

	d := s.Review(context.Background(), ReviewInput{
		UserRequest: "find my meeting notes",
		Mission:     "search notes for meeting summaries",
		Action: ProposedAction{
			Skill:   "notes.search",
			Args:    map[string]any{"query": "meeting"},
			AgentID: "a1",
		},
	})

	if !d.Approved {
		t.Fatalf("got %+v, want approved", d)
	}
	if d.Reason != "read-only lookup serves the request" {
		t.Errorf("got reason %q", d.Reason)
	}
}

func TestSentinelRejects(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		{Content: `{"decision":"reject","reason":"deleting email is outside a search mission"}`},
	}}
	s := NewSentinel(provider, "gpt-4o-mini")

	d := s.Review(context.Background(), ReviewInput{
		UserRequest: "find my meeting notes",
		Mission:     "search notes",
		Action:      ProposedAction{Skill: "email.delete", AgentID: "a1"},
	})

	if d.Approved {
		t.Fatalf("got %+v, want rejected", d)
	}
	if !strings.Contains(d.Reason, "outside a search mission") {
		t.Errorf("got reason %q", d.Reason)
	}
}

func TestSentinelRequestShape(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		{Content: `{"decision":"approve","reason":"ok"}`},
	}}
	s := NewSentinel(provider, "gpt-4o-mini")

	s.Review(context.Background(), ReviewInput{
		UserRequest: "book a table",
		Mission:     "find restaurants",
		Action: ProposedAction{
			Skill:   "web.fetch",
			Args:    map[string]any{"url": "https://example.com"},
			AgentID: "scout",
		},
	})

	req := provider.request(0)
	if req.Model != "gpt-4o-mini" {
		t.Errorf("got model %q, want %q", req.Model, "gpt-4o-mini")
	}
	if req.Temperature == nil || *req.Temperature != 0 {
		t.Errorf("got temperature %v, want explicit 0", req.Temperature)
	}
	if req.MaxTokens != sentinelMaxTokens {
		t.Errorf("got max_tokens %d, want %d", req.MaxTokens, sentinelMaxTokens)
	}
	if req.ResponseFormat == nil || req.ResponseFormat.Name != "sentinel_decision" || !req.ResponseFormat.Strict {
		t.Errorf("got response_format %+v, want strict sentinel_decision", req.ResponseFormat)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("got %d messages, want system + user", len(req.Messages))
	}
	prompt := req.Messages[1].Text()
	for _, want := range []string{"book a table", "find restaurants", "web.fetch", "scout", "example.com"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("review prompt missing %q: %q", want, prompt)
		}
	}
}

func TestSentinelPromptWithoutUserRequest(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		{Content: `{"decision":"approve","reason":"ok"}`},
	}}
	s := NewSentinel(provider, "gpt-4o-mini")

	s.Review(context.Background(), ReviewInput{
		Mission: "scheduled cleanup",
		Action:  ProposedAction{Skill: "notes.archive", AgentID: "janitor"},
	})

	if prompt := provider.request(0).Messages[1].Text(); !strings.Contains(prompt, "(not available)") {
		t.Errorf("empty user request should be marked unavailable: %q", prompt)
	}
}

func TestSentinelFailsOpenOnProviderError(t *testing.T) {
	s := NewSentinel(errProvider{err: errors.New("connection reset")}, "gpt-4o-mini")

	d := s.Review(context.Background(), ReviewInput{
		Action: ProposedAction{Skill: "notes.search"},
	})
	if !d.Approved {
		t.Fatal("classifier failures must fail open")
	}
	if d.Reason != "review unavailable" {
		t.Errorf("got reason %q, want %q", d.Reason, "review unavailable")
	}
}

func TestSentinelFailsOpenOnUnparseableDecision(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		{Content: "sure, go ahead!"},
	}}
	s := NewSentinel(provider, "gpt-4o-mini")

	d := s.Review(context.Background(), ReviewInput{
		Action: ProposedAction{Skill: "notes.search"},
	})
	if !d.Approved || d.Reason != "review unavailable" {
		t.Errorf("got %+v, want fail-open decision", d)
	}
}

func TestSentinelFailsOpenOnUnknownDecision(t *testing.T) {
	provider := &mockProvider{responses: []ChatResponse{
		{Content: `{"decision":"maybe","reason":"unsure"}`},
	}}
	s := NewSentinel(provider, "gpt-4o-mini")

	d := s.Review(context.Background(), ReviewInput{
		Action: ProposedAction{Skill: "notes.search"},
	})
	if !d.Approved || d.Reason != "review unavailable" {
		t.Errorf("got %+v, want fail-open decision", d)
	}
}
