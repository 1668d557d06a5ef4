package atoll

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// nopStore satisfies the Store interface with no-ops.
// Embed it in test-specific store structs to avoid implementing every method.
type nopStore struct{}

func (nopStore) Init(_ context.Context) error                          { return nil }
func (nopStore) CreateThread(_ context.Context, _ Thread) error        { return nil }
func (nopStore) GetThread(_ context.Context, _ string) (Thread, error) { return Thread{}, nil }
func (nopStore) StoreMessage(_ context.Context, _ StoredMessage) error { return nil }
func (nopStore) GetMessages(_ context.Context, _ string, _ int) ([]StoredMessage, error) {
	return nil, nil
}
func (nopStore) StoreAgentRun(_ context.Context, _ AgentRun) error { return nil }
func (nopStore) ListAgentRuns(_ context.Context, _ string) ([]AgentRun, error) {
	return nil, nil
}
func (nopStore) Close() error { return nil }

var _ Store = nopStore{}

// memStore keeps threads, messages, and agent runs in memory. Writes are
// mutex-guarded because the engine persists from background goroutines.
type memStore struct {
	nopStore
	mu       sync.Mutex
	threads  map[string]Thread
	messages []StoredMessage
	runs     []AgentRun
}

func newMemStore() *memStore {
	return &memStore{threads: make(map[string]Thread)}
}

func (s *memStore) CreateThread(_ context.Context, t Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[t.ID] = t
	return nil
}

func (s *memStore) GetThread(_ context.Context, id string) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return Thread{}, NewFault(FaultNotFound,
			fmt.Sprintf("thread %q not found", id), nil)
	}
	return t, nil
}

func (s *memStore) StoreMessage(_ context.Context, m StoredMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return nil
}

func (s *memStore) GetMessages(_ context.Context, threadID string, limit int) ([]StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StoredMessage
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) StoreAgentRun(_ context.Context, run AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

func (s *memStore) ListAgentRuns(_ context.Context, threadID string) ([]AgentRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AgentRun
	for _, r := range s.runs {
		if r.ThreadID == threadID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *memStore) agentRunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// --- Provider mocks (shared across engine, subagent, sentinel tests) ---

// mockProvider is a test Provider that returns canned responses in order.
// The cursor is mutex-guarded: sub-agents running in the same wave share
// one instance. When route is set, matching requests are answered by it
// instead of the queue, which keeps scripts deterministic when an agent's
// inner loop runs concurrently with the orchestrator.
type mockProvider struct {
	mu        sync.Mutex
	responses []ChatResponse // popped in order
	requests  []ChatRequest  // every request seen, in arrival order
	route     func(req ChatRequest) (ChatResponse, bool)
	idx       int
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.route != nil {
		if resp, ok := m.route(req); ok {
			return resp, nil
		}
	}
	if m.idx >= len(m.responses) {
		return ChatResponse{Content: "exhausted"}, nil
	}
	resp := m.responses[m.idx]
	m.idx++
	return resp, nil
}

func (m *mockProvider) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockProvider) request(i int) ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.requests) {
		return ChatRequest{}
	}
	return m.requests[i]
}

var _ Provider = (*mockProvider)(nil)

// errProvider fails every call with a fixed error.
type errProvider struct{ err error }

func (e errProvider) Name() string { return "err" }
func (e errProvider) Chat(_ context.Context, _ ChatRequest) (ChatResponse, error) {
	return ChatResponse{}, e.err
}

var _ Provider = errProvider{}

// isAgentRequest reports whether req belongs to the inner loop of the
// named sub-agent, identified by its system prompt.
func isAgentRequest(req ChatRequest, agentID string) bool {
	if len(req.Messages) == 0 {
		return false
	}
	return strings.Contains(req.Messages[0].Text(), fmt.Sprintf("You are agent %q.", agentID))
}

// --- Registry fixtures (shared across engine, subagent tests) ---

// testRegistry is a fixed in-memory Registry.
type testRegistry struct {
	skills   map[string]Skill
	handlers map[string]Handler
}

func (r *testRegistry) Resolve(name string) (Skill, Handler, bool) {
	s, ok := r.skills[name]
	if !ok || !s.Enabled {
		return Skill{}, nil, false
	}
	return s, r.handlers[name], true
}

func (r *testRegistry) Domains() []DomainBrief {
	byDomain := make(map[string][]string)
	for name, s := range r.skills {
		if s.Enabled {
			byDomain[s.Domain] = append(byDomain[s.Domain], name)
		}
	}
	domains := make([]string, 0, len(byDomain))
	for d := range byDomain {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	out := make([]DomainBrief, 0, len(domains))
	for _, d := range domains {
		names := byDomain[d]
		sort.Strings(names)
		out = append(out, DomainBrief{Domain: d, Brief: d + " skills", Skills: names})
	}
	return out
}

func (r *testRegistry) DomainIndex(domain string) (string, bool) {
	for _, d := range r.Domains() {
		if d.Domain == domain {
			return "# " + domain + "\n\n" + strings.Join(d.Skills, "\n"), true
		}
	}
	return "", false
}

func (r *testRegistry) SkillDoc(name string) (string, bool) {
	s, ok := r.skills[name]
	if !ok {
		return "", false
	}
	return s.Doc, true
}

var _ Registry = (*testRegistry)(nil)

// newTestRegistry returns a registry with a read-only notes.search and a
// mutating notes.write, backed by the given handlers.
func newTestRegistry(handlers map[string]Handler) *testRegistry {
	return &testRegistry{
		skills: map[string]Skill{
			"notes.search": {
				Name: "notes.search", Domain: "notes", Action: "search",
				Brief: "Search notes", Doc: "Search stored notes by query.",
				ReadOnly: true, Enabled: true,
			},
			"notes.write": {
				Name: "notes.write", Domain: "notes", Action: "write",
				Brief: "Write a note", Doc: "Create or update a note.",
				Enabled: true,
			},
		},
		handlers: handlers,
	}
}

// --- Skill handler mocks ---

// recordingHandler records every execution and returns a canned result.
type recordingHandler struct {
	mu     sync.Mutex
	calls  []map[string]any
	result SkillResult
	err    error
}

func (h *recordingHandler) Execute(_ context.Context, flags map[string]any, _ SkillContext) (SkillResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, flags)
	if h.err != nil {
		return SkillResult{}, h.err
	}
	return h.result, nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

// panicHandler always panics.
type panicHandler struct{}

func (panicHandler) Execute(_ context.Context, _ map[string]any, _ SkillContext) (SkillResult, error) {
	panic("handler exploded")
}

// waitFor polls cond until it holds or a generous deadline passes. Used
// for state written by background goroutines.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never held")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
