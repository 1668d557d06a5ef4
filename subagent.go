package atoll

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// DefaultSegmentTimeout bounds each sub-agent work segment: one LLM call
// or one skill execution. The timer renews per segment, so time spent
// paused never counts against it.
const DefaultSegmentTimeout = 120 * time.Second

// DefaultResumeTimeout bounds how long a paused agent waits for
// send_agent_update before failing.
const DefaultResumeTimeout = 5 * time.Minute

const subAgentRolePrompt = `You are a focused worker agent. Complete the mission using the skills listed below.

Rules:
- Call use_skill to execute one skill at a time. Only the listed skills are available.
- If you are blocked, missing information, or need a capability you do not have, call request_help with a clear reason and whatever partial results you gathered.
- When the mission is done, reply with plain text summarizing the outcome. Keep it factual and complete; it is handed back to the orchestrator.`

// AgentUpdate is the payload injected into a paused agent's mailbox by
// send_agent_update.
type AgentUpdate struct {
	Message      string
	Skills       []string
	ContextFiles []string
}

// SubAgent runs one dispatched mission in an isolated inner LLM loop with
// a scoped tool surface: use_skill restricted by enum to the granted
// skills, and request_help. Construction is cheap; Execute does the work.
type SubAgent struct {
	dispatch DispatchParams
	deps     map[string]AgentResult

	provider Provider
	registry Registry
	sentinel *Sentinel
	fuse     Fuse
	cfg      Config
	files    *ContextFileLoader
	chain    *ProcessorChain
	nudger   *Nudger
	broker   *Broker
	logger   *slog.Logger

	userRequest  string
	skillContext SkillContext

	segmentTimeout time.Duration
	resumeTimeout  time.Duration

	granted map[string]bool
	mailbox chan AgentUpdate
}

// SubAgentOption configures a SubAgent.
type SubAgentOption func(*SubAgent)

// WithSubAgentLogger sets the structured logger.
func WithSubAgentLogger(l *slog.Logger) SubAgentOption {
	return func(a *SubAgent) { a.logger = l }
}

// WithSubAgentSentinel sets the classifier consulted before each skill
// execution. Nil skips review.
func WithSubAgentSentinel(s *Sentinel) SubAgentOption {
	return func(a *SubAgent) { a.sentinel = s }
}

// WithSubAgentFuse sets the per-skill circuit breaker.
func WithSubAgentFuse(f Fuse) SubAgentOption {
	return func(a *SubAgent) { a.fuse = f }
}

// WithSubAgentFiles sets the context-file loader.
func WithSubAgentFiles(cl *ContextFileLoader) SubAgentOption {
	return func(a *SubAgent) { a.files = cl }
}

// WithSubAgentChain sets the processor chain whose PostSkill hooks run on
// every skill result.
func WithSubAgentChain(c *ProcessorChain) SubAgentOption {
	return func(a *SubAgent) { a.chain = c }
}

// WithSubAgentNudger sets the hint table used to enrich error results.
func WithSubAgentNudger(n *Nudger) SubAgentOption {
	return func(a *SubAgent) { a.nudger = n }
}

// WithSubAgentBroker sets the event broker for usage reporting.
func WithSubAgentBroker(b *Broker) SubAgentOption {
	return func(a *SubAgent) { a.broker = b }
}

// WithSubAgentUserRequest supplies the originating user message for
// sentinel review.
func WithSubAgentUserRequest(req string) SubAgentOption {
	return func(a *SubAgent) { a.userRequest = req }
}

// WithSubAgentSkillContext sets the identity passed to skill handlers.
func WithSubAgentSkillContext(sc SkillContext) SubAgentOption {
	return func(a *SubAgent) { a.skillContext = sc }
}

// WithSubAgentTimeouts overrides the segment watchdog and resume wait.
func WithSubAgentTimeouts(segment, resume time.Duration) SubAgentOption {
	return func(a *SubAgent) {
		if segment > 0 {
			a.segmentTimeout = segment
		}
		if resume > 0 {
			a.resumeTimeout = resume
		}
	}
}

// NewSubAgent builds a worker for one dispatch. deps holds the settled
// results of the dispatch's dependencies.
func NewSubAgent(dispatch DispatchParams, deps map[string]AgentResult, provider Provider, registry Registry, cfg Config, opts ...SubAgentOption) *SubAgent {
	a := &SubAgent{
		dispatch:       dispatch,
		deps:           deps,
		provider:       provider,
		registry:       registry,
		cfg:            cfg,
		logger:         nopLogger,
		segmentTimeout: DefaultSegmentTimeout,
		resumeTimeout:  DefaultResumeTimeout,
		granted:        make(map[string]bool, len(dispatch.Skills)),
		mailbox:        make(chan AgentUpdate, 1),
	}
	for _, skill := range dispatch.Skills {
		a.granted[skill] = true
	}
	for _, opt := range opts {
		opt(a)
	}
	a.skillContext.AgentID = dispatch.AgentID
	return a
}

// Resume delivers an update to a paused agent's mailbox. The mailbox
// holds one update; a second delivery before the agent consumes the
// first is rejected.
func (a *SubAgent) Resume(update AgentUpdate) error {
	select {
	case a.mailbox <- update:
		return nil
	default:
		return NewFault(FaultNotAwaiting,
			fmt.Sprintf("agent %q already has a pending update", a.dispatch.AgentID),
			map[string]any{"agent_id": a.dispatch.AgentID})
	}
}

// Execute runs the inner loop until a terminal status. It reports pauses
// through h so wave collection can settle without the worker exiting.
func (a *SubAgent) Execute(ctx context.Context, h *AgentHandle) AgentResult {
	start := time.Now()
	used := 0

	model := a.dispatch.ModelOverride
	if model == "" {
		if m, err := a.cfg.ResolveModel(RoleSubAgent); err == nil {
			model = m.ID
		}
	}

	budget := ContextBudget(a.cfg.ContextTokens(model),
		a.cfg.Limits.ContextUtilizationTarget, a.cfg.Limits.ResponseReserveTokens)

	var fileBlock string
	if len(a.dispatch.ContextFiles) > 0 && a.files != nil {
		block, err := a.files.Load(a.dispatch.ContextFiles, budget/2)
		if err != nil {
			a.logger.Warn("context files rejected", "agent_id", a.dispatch.AgentID, "error", err)
			return a.result(StatusFailed, a.formatFault(err), used, start)
		}
		fileBlock = block
	}

	maxCalls := a.dispatch.MaxToolCalls
	if maxCalls <= 0 {
		maxCalls = DefaultMaxToolCalls
	}

	history := []ChatMessage{
		SystemMessage(a.systemPrompt(fileBlock)),
		UserMessage(a.dispatch.Mission),
	}
	tools := a.buildTools()

	maxIterations := a.cfg.Limits.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 10
	}

	var lastText string
	for iteration := 0; iteration < maxIterations; iteration++ {
		resp, err := a.chat(ctx, ChatRequest{Model: model, Messages: history, Tools: tools})
		if err != nil {
			a.logger.Error("agent llm call failed", "agent_id", a.dispatch.AgentID, "error", err)
			return a.result(StatusFailed, fmt.Sprintf("llm call failed: %v", err), used, start)
		}
		a.publishUsage(resp)
		if resp.Content != "" {
			lastText = resp.Content
		}

		if len(resp.ToolCalls) == 0 {
			return a.result(StatusCompleted, resp.Content, used, start)
		}

		history = append(history, ChatMessage{
			Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls,
		})

		// Tool results must stay contiguous after the assistant message,
		// so resume extras are buffered and appended after the batch.
		var extras []ChatMessage
		limitHit := false
		for _, call := range resp.ToolCalls {
			var content string
			switch call.Name {
			case "use_skill":
				if used >= maxCalls {
					content = fmt.Sprintf("tool call limit reached (%d of %d used)", used, maxCalls)
					limitHit = true
				} else {
					var executed bool
					content, executed = a.useSkill(ctx, call)
					if executed {
						used++
					}
				}
			case "request_help":
				var extra []ChatMessage
				var terminal *AgentResult
				content, extra, terminal = a.requestHelp(ctx, h, call, used, start)
				if terminal != nil {
					return *terminal
				}
				extras = append(extras, extra...)
				tools = a.buildTools()
			default:
				content = fmt.Sprintf("unknown tool %q; available tools: use_skill, request_help", call.Name)
			}
			history = append(history, ToolResultMessage(call.ID, content))
		}
		history = append(history, extras...)

		if limitHit {
			result := lastText
			if result == "" {
				result = fmt.Sprintf("tool call limit reached after %d calls", used)
			}
			return a.result(StatusCompleted, result, used, start)
		}
	}

	a.logger.Warn("agent hit iteration limit", "agent_id", a.dispatch.AgentID, "iterations", maxIterations)
	if lastText == "" {
		lastText = "stopped after reaching the iteration limit"
	}
	return a.result(StatusCompleted, lastText, used, start)
}

// chat performs one watchdog-bounded LLM call.
func (a *SubAgent) chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	segCtx, cancel := context.WithTimeout(ctx, a.segmentTimeout)
	defer cancel()
	return a.provider.Chat(segCtx, req)
}

// useSkill routes one use_skill call through the scope gate, the
// registry policy gate, the sentinel, and the fuse, then executes the
// handler. executed reports whether the handler was actually invoked.
func (a *SubAgent) useSkill(ctx context.Context, call ToolCall) (content string, executed bool) {
	var args struct {
		Skill     string         `json:"skill"`
		Arguments map[string]any `json:"arguments"`
		Args      map[string]any `json:"args"`
	}
	if err := call.DecodeArgs(&args); err != nil {
		return fmt.Sprintf("invalid use_skill arguments: %v", err), false
	}
	if args.Arguments == nil {
		args.Arguments = args.Args
	}
	if args.Arguments == nil {
		args.Arguments = map[string]any{}
	}

	if !a.granted[args.Skill] {
		return fmt.Sprintf("skill %q is not allowed for this mission; allowed skills: %s",
			args.Skill, strings.Join(a.grantedSorted(), ", ")), false
	}
	skill, handler, ok := a.registry.Resolve(args.Skill)
	if !ok {
		f := NewFault(FaultSkillNotFound,
			fmt.Sprintf("skill %q is not available", args.Skill),
			map[string]any{"skill": args.Skill})
		return a.formatFault(f), false
	}

	if a.sentinel != nil {
		decision := a.sentinel.Review(ctx, ReviewInput{
			UserRequest: a.userRequest,
			Mission:     a.dispatch.Mission,
			Action: ProposedAction{
				Skill:   args.Skill,
				Args:    args.Arguments,
				AgentID: a.dispatch.AgentID,
			},
		})
		if !decision.Approved {
			a.logger.Warn("skill call rejected",
				"agent_id", a.dispatch.AgentID, "skill", args.Skill, "reason", decision.Reason)
			return fmt.Sprintf("action rejected: %s", decision.Reason), false
		}
	}

	if a.fuse != nil {
		if err := a.fuse.Check(args.Skill); err != nil {
			return a.formatFault(err), false
		}
	}

	result, err := a.executeHandler(ctx, skill, handler, args.Arguments)
	if err != nil {
		if a.fuse != nil {
			a.fuse.RecordFailure(args.Skill)
		}
		a.logger.Warn("skill failed",
			"agent_id", a.dispatch.AgentID, "skill", args.Skill, "error", err)
		return fmt.Sprintf("skill %s failed: %v", args.Skill, err), true
	}
	if a.fuse != nil {
		a.fuse.RecordSuccess(args.Skill)
	}
	return result.Content, true
}

// executeHandler invokes the handler under the segment watchdog and runs
// the post-skill hooks. A handler panic is converted into an error.
func (a *SubAgent) executeHandler(ctx context.Context, skill Skill, handler Handler, flags map[string]any) (result SkillResult, err error) {
	segCtx, cancel := context.WithTimeout(ctx, a.segmentTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	result, err = handler.Execute(segCtx, flags, a.skillContext)
	if err != nil {
		return SkillResult{}, err
	}
	if a.chain != nil {
		if err := a.chain.RunPostSkill(segCtx, skill.Name, &result); err != nil {
			return SkillResult{}, err
		}
	}
	return result, nil
}

// requestHelp pauses the agent and blocks on the resume mailbox. It
// returns the tool-result content for the pending call, extra messages
// to append after it, and a terminal result when the pause ends the run.
func (a *SubAgent) requestHelp(ctx context.Context, h *AgentHandle, call ToolCall, used int, start time.Time) (string, []ChatMessage, *AgentResult) {
	var args struct {
		Reason         string `json:"reason"`
		PartialResults string `json:"partial_results"`
		Partial        string `json:"partial"`
	}
	if err := call.DecodeArgs(&args); err != nil {
		return fmt.Sprintf("invalid request_help arguments: %v", err), nil, nil
	}
	if args.PartialResults == "" {
		args.PartialResults = args.Partial
	}

	snapshot := a.result(StatusAwaiting, args.PartialResults, used, start)
	snapshot.AwaitingReason = args.Reason
	h.MarkPaused(snapshot)
	a.logger.Info("agent awaiting orchestrator",
		"agent_id", a.dispatch.AgentID, "reason", args.Reason)

	timer := time.NewTimer(a.resumeTimeout)
	defer timer.Stop()

	select {
	case update := <-a.mailbox:
		h.MarkResumed()
		a.logger.Info("agent resumed", "agent_id", a.dispatch.AgentID,
			"new_skills", update.Skills)
		return a.applyUpdate(update)
	case <-timer.C:
		r := a.result(StatusFailed, "timed out awaiting orchestrator update", used, start)
		return "", nil, &r
	case <-ctx.Done():
		r := a.result(StatusFailed, "cancelled while awaiting orchestrator update", used, start)
		return "", nil, &r
	}
}

// applyUpdate turns a resume payload into the pending tool result plus
// any extra user messages carrying new skill documentation or context
// files. New skills widen the granted set; the caller rebuilds the tool
// surface.
func (a *SubAgent) applyUpdate(update AgentUpdate) (string, []ChatMessage, *AgentResult) {
	content := update.Message
	if content == "" {
		content = "the orchestrator sent an update"
	}

	var extra []ChatMessage
	if len(update.Skills) > 0 {
		var docs []string
		added := make([]string, 0, len(update.Skills))
		for _, name := range update.Skills {
			if a.granted[name] {
				continue
			}
			a.granted[name] = true
			added = append(added, name)
			if doc, ok := a.registry.SkillDoc(name); ok {
				docs = append(docs, fmt.Sprintf("### %s\n\n%s", name, doc))
			}
		}
		if len(added) > 0 {
			text := fmt.Sprintf("You have been granted additional skills: %s",
				strings.Join(added, ", "))
			if len(docs) > 0 {
				text += "\n\n" + strings.Join(docs, "\n\n")
			}
			extra = append(extra, UserMessage(text))
		}
	}
	if len(update.ContextFiles) > 0 && a.files != nil {
		block, err := a.files.Load(update.ContextFiles, DefaultMaxContextTokens/2)
		if err != nil {
			extra = append(extra, UserMessage(fmt.Sprintf("additional context files could not be loaded: %v", err)))
		} else if block != "" {
			extra = append(extra, UserMessage("Additional context:\n\n"+block))
		}
	}
	return content, extra, nil
}

// systemPrompt assembles the agent's system message: context files first
// for cache positioning, then role text, dependency summaries, and the
// granted skill documents sorted by name.
func (a *SubAgent) systemPrompt(fileBlock string) string {
	var b strings.Builder
	if fileBlock != "" {
		b.WriteString(fileBlock)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "You are agent %q.\n\nMission: %s\n\n", a.dispatch.AgentID, a.dispatch.Mission)
	b.WriteString(subAgentRolePrompt)

	if len(a.deps) > 0 {
		b.WriteString("\n\n## Results from agents you depend on\n")
		ids := make([]string, 0, len(a.deps))
		for id := range a.deps {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			r := a.deps[id]
			fmt.Fprintf(&b, "\n### %s (%s)\n\n%s\n", id, r.Status, r.Result)
		}
	}

	b.WriteString("\n\n## Skills\n")
	for _, name := range a.grantedSorted() {
		doc, ok := a.registry.SkillDoc(name)
		if !ok {
			doc = "(no documentation available)"
		}
		fmt.Fprintf(&b, "\n### %s\n\n%s\n", name, doc)
	}
	return b.String()
}

// buildTools compiles the scoped surface: use_skill with the skill
// parameter enum-restricted to the granted set, and request_help.
func (a *SubAgent) buildTools() []ToolDefinition {
	names := a.grantedSorted()
	useSkillSchema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"skill": map[string]any{
				"type":        "string",
				"enum":        names,
				"description": "Name of the skill to execute.",
			},
			"arguments": map[string]any{
				"type":        "object",
				"description": "Arguments for the skill, per its documentation.",
			},
		},
		"required": []string{"skill"},
	})
	requestHelpSchema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{
				"type":        "string",
				"description": "What you are blocked on and what you need.",
			},
			"partial_results": map[string]any{
				"type":        "string",
				"description": "Any results gathered so far.",
			},
		},
		"required": []string{"reason"},
	})
	return []ToolDefinition{
		{
			Name:        "request_help",
			Description: "Pause and ask the orchestrator for guidance, information, or additional skills.",
			Parameters:  requestHelpSchema,
		},
		{
			Name:        "use_skill",
			Description: "Execute one of the skills granted for this mission.",
			Parameters:  useSkillSchema,
		},
	}
}

func (a *SubAgent) grantedSorted() []string {
	names := make([]string, 0, len(a.granted))
	for name := range a.granted {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *SubAgent) result(status, text string, used int, start time.Time) AgentResult {
	return AgentResult{
		Status:        status,
		Result:        text,
		ToolCallsUsed: used,
		DurationMS:    time.Since(start).Milliseconds(),
	}
}

func (a *SubAgent) formatFault(err error) string {
	if a.nudger == nil {
		return err.Error()
	}
	return a.nudger.FormatFault(err.Error(), err)
}

func (a *SubAgent) publishUsage(resp ChatResponse) {
	if a.broker == nil {
		return
	}
	a.broker.Publish(Event{
		Type:           EventTokenUsage,
		ConversationID: a.skillContext.ConversationID,
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
