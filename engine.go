package atoll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Mode selects the engine's tool surface.
type Mode string

const (
	// ModeMultiAgent exposes the four orchestration tools.
	ModeMultiAgent Mode = "multi_agent"
	// ModeSingleLoop exposes a flattened surface where the orchestrator
	// may execute read-only skills directly.
	ModeSingleLoop Mode = "single_loop"
)

const stallMessage = "I'm handling a lot of requests in this conversation right now. Give me a moment and try again."

const limitReachedMessage = "I reached my processing limit for this turn. Here is what I have so far; send a follow-up to continue."

const orchestratorIdentity = `You are the orchestrator of a personal AI assistant. You understand what the user needs, delegate concrete work to specialized agents, and compose their results into a single useful answer.`

const orchestratorRules = `Operating rules:
- Use get_skill to discover what skills exist before dispatching work that needs them.
- Use dispatch_agent to delegate work. Give each agent a unique agent_id, a precise mission, and only the skills it needs. Use depends_on to order dependent agents; independent agents run concurrently.
- Use get_agent_results to check on dispatched agents, with wait_any or wait_all when you need to block for their completion.
- A paused agent (status awaiting_orchestrator) is waiting for you: answer it with send_agent_update, optionally granting extra skills or context files.
- When you have everything you need, reply with plain text. That text is the answer the user sees.`

const singleLoopRules = `Operating rules:
- Use get_skill to discover what skills exist.
- Use use_skill to execute read-only skills directly. Mutating skills are not available in this mode; tell the user when a request would need one.
- When you have everything you need, reply with plain text. That text is the answer the user sees.`

// EngineState is the read-only diagnostic snapshot from GetState.
type EngineState struct {
	ConversationID   string            `json:"conversation_id"`
	UserID           string            `json:"user_id,omitempty"`
	Channel          string            `json:"channel,omitempty"`
	Mode             Mode              `json:"mode"`
	IterationCount   int               `json:"iteration_count"`
	MessageCount     int               `json:"message_count"`
	Turn             TurnBudget        `json:"turn"`
	Agents           map[string]string `json:"agents,omitempty"`
	LastPromptTokens int               `json:"last_prompt_tokens"`
}

// Engine runs one conversation: the outer LLM loop, tool routing, the
// agent scheduler, and all limit bookkeeping. One instance per active
// conversation. turnMu serializes whole turns; stateMu guards the fields
// below it so GetState and worker goroutines never wait for a turn to
// finish.
type Engine struct {
	conversationID string
	userID         string
	channel        string
	mode           Mode

	provider   Provider
	registry   Registry
	cfg        Config
	assembler  *Assembler
	dispatcher *Dispatcher
	sup        *Supervisor
	sentinel   *Sentinel
	fuse       Fuse
	files      *ContextFileLoader
	nudger     *Nudger
	broker     *Broker
	store      Store
	notifier   Notifier
	chain      *ProcessorChain
	logger     *slog.Logger
	tracer     Tracer
	tools      []ToolDefinition

	waitTimeout time.Duration

	turnMu sync.Mutex

	stateMu       sync.Mutex
	closed        bool
	historyLoaded bool
	messages      []ChatMessage
	window        ConversationWindow
	turn          TurnBudget

	// agents maps agent_id to its live worker for resume routing;
	// results accumulates agent outcomes across the turn.
	agents  map[string]*SubAgent
	results map[string]AgentResult

	iterationCount   int
	lastPromptTokens int
	lastMessageCount int
	lastUserText     string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the structured logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithEngineMode selects multi_agent (default) or single_loop.
func WithEngineMode(m Mode) EngineOption {
	return func(e *Engine) { e.mode = m }
}

// WithEngineUser attaches user identity to the conversation.
func WithEngineUser(userID, channel string) EngineOption {
	return func(e *Engine) {
		e.userID = userID
		e.channel = channel
	}
}

// WithEngineStore enables background persistence of messages and agent
// runs.
func WithEngineStore(s Store) EngineOption {
	return func(e *Engine) { e.store = s }
}

// WithEngineBroker publishes usage and turn events to b.
func WithEngineBroker(b *Broker) EngineOption {
	return func(e *Engine) { e.broker = b }
}

// WithEngineNotifier surfaces mid-turn progress updates (paused agents,
// resumes) to n.
func WithEngineNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithEngineSentinel gates every sub-agent skill call through s.
func WithEngineSentinel(s *Sentinel) EngineOption {
	return func(e *Engine) { e.sentinel = s }
}

// WithEngineFuse sets the per-skill circuit breaker shared by this
// conversation's agents.
func WithEngineFuse(f Fuse) EngineOption {
	return func(e *Engine) { e.fuse = f }
}

// WithEngineFiles sets the context-file loader for dispatches.
func WithEngineFiles(cl *ContextFileLoader) EngineOption {
	return func(e *Engine) { e.files = cl }
}

// WithEngineNudger overrides the default recovery-hint table.
func WithEngineNudger(n *Nudger) EngineOption {
	return func(e *Engine) { e.nudger = n }
}

// WithEngineChain sets the processor chain run on LLM requests,
// responses, and skill results.
func WithEngineChain(c *ProcessorChain) EngineOption {
	return func(e *Engine) { e.chain = c }
}

// WithEngineDispatcher overrides the default wave scheduler.
func WithEngineDispatcher(d *Dispatcher) EngineOption {
	return func(e *Engine) { e.dispatcher = d }
}

// WithEngineAssembler overrides the default context assembler.
func WithEngineAssembler(a *Assembler) EngineOption {
	return func(e *Engine) { e.assembler = a }
}

// WithEngineTracer sets the span tracer.
func WithEngineTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithEngineWaitTimeout sets the default deadline for wait-mode
// get_agent_results calls that carry no timeout_ms.
func WithEngineWaitTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.waitTimeout = d }
}

// NewEngine creates the engine for one conversation.
func NewEngine(conversationID string, provider Provider, registry Registry, cfg Config, opts ...EngineOption) (*Engine, error) {
	if conversationID == "" {
		conversationID = NewID()
	}
	if provider == nil {
		return nil, errors.New("atoll: engine requires a provider")
	}
	if registry == nil {
		return nil, errors.New("atoll: engine requires a skill registry")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		conversationID: conversationID,
		mode:           ModeMultiAgent,
		provider:       provider,
		registry:       registry,
		cfg:            cfg,
		logger:         nopLogger,
		tracer:         NopTracer{},
		waitTimeout:    DefaultWaveTimeout,
		window: NewConversationWindow(
			cfg.Limits.ConversationMaxCalls,
			cfg.Limits.ConversationWindow()),
		agents:  make(map[string]*SubAgent),
		results: make(map[string]AgentResult),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.nudger == nil {
		n, err := NewNudger()
		if err != nil {
			return nil, err
		}
		e.nudger = n
	}
	if e.dispatcher == nil {
		e.dispatcher = NewDispatcher(WithDispatcherLogger(e.logger))
	}
	if e.assembler == nil {
		domains := make([]string, 0, 8)
		for _, d := range registry.Domains() {
			domains = append(domains, d.Domain)
		}
		rules := orchestratorRules
		if e.mode == ModeSingleLoop {
			rules = singleLoopRules
		}
		e.assembler = NewAssembler(orchestratorIdentity, rules, domains)
	}
	if e.fuse == nil {
		e.fuse = NewMemoryFuse(FuseConfig{
			Threshold: cfg.Limits.FuseThreshold,
			Window:    cfg.Limits.FuseWindow(),
		})
	}
	e.sup = NewSupervisor(SupervisorLogger(e.logger))
	e.tools = e.buildToolDefinitions()
	return e, nil
}

// ConversationID returns the conversation this engine serves.
func (e *Engine) ConversationID() string { return e.conversationID }

// GetState returns a read-only diagnostic snapshot. Safe to call while a
// turn is in flight.
func (e *Engine) GetState() EngineState {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	agents := make(map[string]string, len(e.agents))
	for id := range e.agents {
		if h, ok := e.sup.Get(id); ok {
			agents[id] = h.State().String()
		}
	}
	return EngineState{
		ConversationID:   e.conversationID,
		UserID:           e.userID,
		Channel:          e.channel,
		Mode:             e.mode,
		IterationCount:   e.iterationCount,
		MessageCount:     len(e.messages),
		Turn:             e.turn,
		Agents:           agents,
		LastPromptTokens: e.lastPromptTokens,
	}
}

// SendMessage runs the outer loop for one user message and returns the
// assistant's terminal text. LLM failures end the turn with an error;
// the engine itself stays usable for the next message.
func (e *Engine) SendMessage(ctx context.Context, text string) (string, error) {
	e.turnMu.Lock()
	defer e.turnMu.Unlock()

	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return "", errors.New("atoll: engine is closed")
	}
	e.stateMu.Unlock()

	e.loadHistory(ctx)

	e.stateMu.Lock()
	e.resetTurnLocked()
	e.lastUserText = text
	e.messages = append(e.messages, UserMessage(text))
	e.stateMu.Unlock()

	turnStart := time.Now()
	e.persistMessage(ctx, UserMessage(text))

	model, err := e.cfg.ResolveModel(RoleOrchestrator)
	if err != nil {
		return "", err
	}
	budget := ContextBudget(model.MaxContextTokens,
		e.cfg.Limits.ContextUtilizationTarget, e.cfg.Limits.ResponseReserveTokens)

	maxIterations := e.cfg.Limits.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 10
	}

	for iteration := 0; iteration < maxIterations; iteration++ {
		e.stateMu.Lock()
		window, err := e.window.Admit(time.Now())
		if err != nil {
			e.stateMu.Unlock()
			e.logger.Warn("conversation window full",
				"conversation_id", e.conversationID, "error", err)
			return stallMessage, nil
		}
		e.window = window
		e.iterationCount = iteration + 1
		req := ChatRequest{
			Model: model.ID,
			Tools: e.tools,
			Messages: e.assembler.Build(BuildInput{
				History:        e.messages,
				Budget:         budget,
				BaselineTokens: e.lastPromptTokens,
				KnownCount:     e.lastMessageCount,
			}),
		}
		sentCount := len(e.messages)
		e.stateMu.Unlock()

		if e.chain != nil {
			if err := e.chain.RunPreLLM(ctx, &req); err != nil {
				return e.handleHalt(ctx, err, turnStart)
			}
		}

		spanCtx, span := e.tracer.Start(ctx, "engine.llm_call",
			StringAttr("conversation_id", e.conversationID),
			IntAttr("iteration", iteration+1))
		resp, err := e.provider.Chat(spanCtx, req)
		if err != nil {
			span.Error(err)
		}
		span.End()
		if err != nil {
			e.logger.Error("llm call failed",
				"conversation_id", e.conversationID, "iteration", iteration+1, "error", err)
			return "", fmt.Errorf("llm call failed: %w", err)
		}

		e.stateMu.Lock()
		e.lastPromptTokens = resp.Usage.PromptTokens
		e.lastMessageCount = sentCount
		e.stateMu.Unlock()
		e.publishUsage(resp)

		if e.chain != nil {
			if err := e.chain.RunPostLLM(ctx, &resp); err != nil {
				return e.handleHalt(ctx, err, turnStart)
			}
		}

		if len(resp.ToolCalls) == 0 {
			e.appendMessage(ctx, AssistantMessage(resp.Content))
			e.publishTurn(turnStart, resp.Content)
			return resp.Content, nil
		}

		e.appendMessage(ctx, ChatMessage{
			Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls,
		})
		for _, tr := range e.processToolCalls(ctx, resp.ToolCalls) {
			e.appendMessage(ctx, tr)
		}
	}

	e.logger.Warn("iteration limit reached",
		"conversation_id", e.conversationID, "iterations", maxIterations)
	e.appendMessage(ctx, AssistantMessage(limitReachedMessage))
	e.publishTurn(turnStart, limitReachedMessage)
	return limitReachedMessage, nil
}

// appendMessage adds m to the history and persists it in the background.
func (e *Engine) appendMessage(ctx context.Context, m ChatMessage) {
	e.stateMu.Lock()
	e.messages = append(e.messages, m)
	e.stateMu.Unlock()
	e.persistMessage(ctx, m)
}

// handleHalt converts a processor ErrHalt into a terminal reply; other
// errors end the turn unchanged.
func (e *Engine) handleHalt(ctx context.Context, err error, turnStart time.Time) (string, error) {
	var halt *ErrHalt
	if !errors.As(err, &halt) {
		return "", err
	}
	e.appendMessage(ctx, AssistantMessage(halt.Response))
	e.publishTurn(turnStart, halt.Response)
	return halt.Response, nil
}

// resetTurnLocked clears per-turn counters and accumulators. The
// conversation-level state (history, window, usage baseline) persists
// across turns. Caller holds stateMu.
func (e *Engine) resetTurnLocked() {
	e.iterationCount = 0
	e.turn = TurnBudget{
		MaxAgents:     e.cfg.Limits.MaxAgentsPerTurn,
		MaxSkillCalls: e.cfg.Limits.MaxSkillCallsPerTurn,
	}
	e.agents = make(map[string]*SubAgent)
	e.results = make(map[string]AgentResult)
	e.sup.Reset()
}

// Close shuts the engine down, cancelling all live agent workers.
func (e *Engine) Close() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.sup.Reset()
	e.logger.Info("engine closed", "conversation_id", e.conversationID)
	return nil
}

func (e *Engine) publishUsage(resp ChatResponse) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(Event{
		Type:           EventTokenUsage,
		ConversationID: e.conversationID,
		Usage: &UsageEvent{
			Model:            resp.Model,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			CacheReadTokens:  resp.Usage.CacheReadTokens,
			CacheWriteTokens: resp.Usage.CacheWriteTokens,
			Cost:             resp.Usage.Cost,
		},
	})
}

func (e *Engine) publishTurn(turnStart time.Time, response string) {
	if e.broker == nil {
		return
	}
	e.stateMu.Lock()
	iterations := e.iterationCount
	turn := e.turn
	e.stateMu.Unlock()
	e.broker.Publish(Event{
		Type:           EventTurnCompleted,
		ConversationID: e.conversationID,
		Turn: &TurnEvent{
			Iterations:    iterations,
			AgentsRun:     turn.AgentsUsed,
			SkillCalls:    turn.SkillCallsUsed,
			Duration:      time.Since(turnStart),
			ResponseChars: len(response),
		},
	})
}

// historyLimit caps how many stored messages a fresh engine restores.
const historyLimit = 50

// loadHistory restores prior plain-text conversation from the store
// before the first turn, creating the thread row when it doesn't exist
// yet. Failures log and degrade to an empty history.
func (e *Engine) loadHistory(ctx context.Context) {
	e.stateMu.Lock()
	if e.historyLoaded || e.store == nil {
		e.historyLoaded = true
		e.stateMu.Unlock()
		return
	}
	e.historyLoaded = true
	e.stateMu.Unlock()

	if _, err := e.store.GetThread(ctx, e.conversationID); err != nil {
		thread := Thread{
			ID:        e.conversationID,
			UserID:    e.userID,
			Channel:   e.channel,
			CreatedAt: NowUnix(),
		}
		if err := e.store.CreateThread(ctx, thread); err != nil {
			e.logger.Warn("create thread failed",
				"conversation_id", e.conversationID, "error", err)
		}
		return
	}

	stored, err := e.store.GetMessages(ctx, e.conversationID, historyLimit)
	if err != nil {
		e.logger.Warn("load history failed",
			"conversation_id", e.conversationID, "error", err)
		return
	}
	// Tool transcripts are not replayed: a restored tool result without
	// its assistant tool_calls pair is invalid at the provider boundary.
	msgs := make([]ChatMessage, 0, len(stored))
	for _, m := range stored {
		if m.ToolCallID != "" || m.ToolCalls != "" || m.Content == "" {
			continue
		}
		msgs = append(msgs, ChatMessage{Role: m.Role, Content: m.Content})
	}
	e.stateMu.Lock()
	e.messages = append(msgs, e.messages...)
	e.stateMu.Unlock()
	e.logger.Debug("history restored",
		"conversation_id", e.conversationID, "messages", len(msgs))
}

// notifyUpdate pushes one progress update to the configured sink.
func (e *Engine) notifyUpdate(ctx context.Context, kind UpdateKind, agentID, reason string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, Update{
		ConversationID: e.conversationID,
		AgentID:        agentID,
		Kind:           kind,
		Reason:         reason,
		At:             time.Now(),
	})
}

// persistMessage writes one message to the store in the background,
// detached from the caller's cancellation.
func (e *Engine) persistMessage(ctx context.Context, m ChatMessage) {
	if e.store == nil {
		return
	}
	stored := StoredMessage{
		ID:         NewID(),
		ThreadID:   e.conversationID,
		Role:       m.Role,
		Content:    m.Text(),
		ToolCallID: m.ToolCallID,
		CreatedAt:  NowUnix(),
	}
	if len(m.ToolCalls) > 0 {
		if data, err := json.Marshal(m.ToolCalls); err == nil {
			stored.ToolCalls = string(data)
		}
	}
	bgCtx := context.WithoutCancel(ctx)
	go func() {
		if err := e.store.StoreMessage(bgCtx, stored); err != nil {
			e.logger.Warn("persist message failed",
				"conversation_id", e.conversationID, "error", err)
		}
	}()
}

// persistAgentRun records one agent outcome in the background.
func (e *Engine) persistAgentRun(ctx context.Context, agentID, mission string, r AgentResult) {
	if e.store == nil {
		return
	}
	run := AgentRun{
		ID:            NewID(),
		ThreadID:      e.conversationID,
		AgentID:       agentID,
		Mission:       mission,
		Status:        r.Status,
		Result:        r.Result,
		ToolCallsUsed: r.ToolCallsUsed,
		DurationMS:    r.DurationMS,
		CreatedAt:     NowUnix(),
	}
	bgCtx := context.WithoutCancel(ctx)
	go func() {
		if err := e.store.StoreAgentRun(bgCtx, run); err != nil {
			e.logger.Warn("persist agent run failed",
				"conversation_id", e.conversationID, "agent_id", agentID, "error", err)
		}
	}()
}
