package atoll

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// buildToolDefinitions compiles the orchestrator tool surface once at
// engine construction, sorted alphabetically by name so the request
// prefix stays cache-stable.
func (e *Engine) buildToolDefinitions() []ToolDefinition {
	var tools []ToolDefinition
	if e.mode == ModeSingleLoop {
		tools = []ToolDefinition{e.getSkillTool(), e.useSkillTool()}
	} else {
		tools = []ToolDefinition{
			e.dispatchAgentTool(),
			e.getAgentResultsTool(),
			e.getSkillTool(),
			e.sendAgentUpdateTool(),
		}
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

func (e *Engine) getSkillTool() ToolDefinition {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{
				"type":        "string",
				"description": "Empty for all domains, a domain name for its index, domain.action for one skill, or domain.all for every skill in the domain.",
			},
		},
	})
	return ToolDefinition{
		Name:        "get_skill",
		Description: "Look up available skills and their documentation.",
		Parameters:  schema,
	}
}

func (e *Engine) dispatchAgentTool() ToolDefinition {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent_id": map[string]any{
				"type":        "string",
				"description": "Unique identifier for this agent within the turn.",
			},
			"mission": map[string]any{
				"type":        "string",
				"description": "What the agent must accomplish.",
			},
			"skills": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Skill names the agent may invoke.",
			},
			"depends_on": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "agent_ids from this batch that must complete first.",
			},
			"max_tool_calls": map[string]any{
				"type":        "integer",
				"description": "Skill-call budget for the agent (default 5).",
			},
			"context_files": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Files to prepend to the agent's context.",
			},
			"model_override": map[string]any{
				"type":        "string",
				"description": "Model identifier overriding the sub_agent default.",
			},
			"context": map[string]any{
				"type":        "string",
				"description": "Additional free-text context for the agent.",
			},
		},
		"required": []string{"agent_id", "mission", "skills"},
	})
	return ToolDefinition{
		Name:        "dispatch_agent",
		Description: "Delegate a mission to a new sub-agent. Agents dispatched in the same reply run concurrently unless ordered by depends_on.",
		Parameters:  schema,
	}
}

func (e *Engine) getAgentResultsTool() ToolDefinition {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent_ids": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Agents to query.",
			},
			"mode": map[string]any{
				"type":        "string",
				"enum":        []string{"immediate", "wait_any", "wait_all"},
				"description": "immediate returns current statuses; wait_any and wait_all block for terminal results.",
			},
			"timeout_ms": map[string]any{
				"type":        "integer",
				"description": "Deadline for wait modes, in milliseconds.",
			},
		},
		"required": []string{"agent_ids"},
	})
	return ToolDefinition{
		Name:        "get_agent_results",
		Description: "Check the status and results of dispatched agents.",
		Parameters:  schema,
	}
}

func (e *Engine) sendAgentUpdateTool() ToolDefinition {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent_id": map[string]any{
				"type":        "string",
				"description": "The paused agent to resume.",
			},
			"message": map[string]any{
				"type":        "string",
				"description": "Answer to the agent's request_help.",
			},
			"skills": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Additional skills to grant.",
			},
			"context_files": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Additional context files for the agent.",
			},
		},
		"required": []string{"agent_id"},
	})
	return ToolDefinition{
		Name:        "send_agent_update",
		Description: "Unblock an agent that paused with request_help.",
		Parameters:  schema,
	}
}

func (e *Engine) useSkillTool() ToolDefinition {
	var names []string
	for _, d := range e.registry.Domains() {
		for _, name := range d.Skills {
			if skill, _, ok := e.registry.Resolve(name); ok && skill.ReadOnly {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"skill": map[string]any{
				"type":        "string",
				"enum":        names,
				"description": "Name of the read-only skill to execute.",
			},
			"arguments": map[string]any{
				"type":        "object",
				"description": "Arguments for the skill, per its documentation.",
			},
		},
		"required": []string{"skill"},
	})
	return ToolDefinition{
		Name:        "use_skill",
		Description: "Execute a read-only skill directly.",
		Parameters:  schema,
	}
}

// callKind classifies one tool call during the scan phase.
type callKind int

const (
	callReady    callKind = iota // content already produced
	callDispatch                 // collected into the wave batch
	callWait                     // wait-mode get_agent_results
)

type routedCall struct {
	call     ToolCall
	kind     callKind
	content  string
	dispatch DispatchParams
	wait     waitSignal
}

type waitSignal struct {
	ids     []string
	mode    WaitMode
	timeout time.Duration
}

// processToolCalls routes one response's tool calls and returns the
// tool-result messages in emission order. Local calls resolve during the
// scan; dispatches are batched and run as waves; wait signals block
// after the batch so freshly dispatched agents are observable.
func (e *Engine) processToolCalls(ctx context.Context, calls []ToolCall) []ChatMessage {
	routed := make([]routedCall, len(calls))
	batchIDs := make(map[string]bool)

	for i, call := range calls {
		rc := routedCall{call: call, kind: callReady}
		switch call.Name {
		case "get_skill":
			rc.content = e.handleGetSkill(call)
		case "dispatch_agent":
			dp, errText := e.parseDispatch(call, batchIDs)
			if errText != "" {
				rc.content = errText
			} else {
				batchIDs[dp.AgentID] = true
				rc.kind = callDispatch
				rc.dispatch = dp
			}
		case "get_agent_results":
			rc = e.routeGetResults(call)
		case "send_agent_update":
			rc.content = e.handleSendUpdate(ctx, call)
		case "use_skill":
			if e.mode == ModeSingleLoop {
				rc.content = e.handleDirectSkill(ctx, call)
			} else {
				rc.content = fmt.Sprintf("unknown tool %q", call.Name)
			}
		default:
			rc.content = fmt.Sprintf("unknown tool %q", call.Name)
		}
		routed[i] = rc
	}

	e.runDispatches(ctx, routed)

	for i := range routed {
		if routed[i].kind == callWait {
			routed[i].content = e.handleWait(ctx, routed[i].wait)
		}
	}

	out := make([]ChatMessage, len(routed))
	for i, rc := range routed {
		out[i] = ToolResultMessage(rc.call.ID, rc.content)
	}
	return out
}

// runDispatches executes the iteration's dispatch batch and fills each
// dispatch call's content with its agent's result row.
func (e *Engine) runDispatches(ctx context.Context, routed []routedCall) {
	var batch []DispatchParams
	for _, rc := range routed {
		if rc.kind == callDispatch {
			batch = append(batch, rc.dispatch)
		}
	}
	if len(batch) == 0 {
		return
	}

	e.stateMu.Lock()
	turn, err := e.turn.AddAgents(len(batch))
	if err == nil {
		e.turn = turn
	}
	e.stateMu.Unlock()
	if err != nil {
		content := e.nudger.FormatFault(err.Error(), err)
		for i := range routed {
			if routed[i].kind == callDispatch {
				routed[i].kind = callReady
				routed[i].content = content
			}
		}
		return
	}

	spanCtx, span := e.tracer.Start(ctx, "engine.dispatch",
		StringAttr("conversation_id", e.conversationID),
		IntAttr("agents", len(batch)))
	results, err := e.dispatcher.Execute(spanCtx, batch, e.sup, e.runAgent)
	if err != nil {
		span.Error(err)
	}
	span.End()

	if err != nil {
		// Planning failed; every dispatch in the batch shares the fault.
		content := e.nudger.FormatFault(err.Error(), err)
		for i := range routed {
			if routed[i].kind == callDispatch {
				routed[i].kind = callReady
				routed[i].content = content
			}
		}
		return
	}

	e.stateMu.Lock()
	skillCalls := 0
	for id, r := range results {
		e.results[id] = r
		skillCalls += r.ToolCallsUsed
	}
	e.turn.SkillCallsUsed += skillCalls
	e.stateMu.Unlock()

	missions := make(map[string]string, len(batch))
	for _, dp := range batch {
		missions[dp.AgentID] = dp.Mission
	}
	for id, r := range results {
		e.persistAgentRun(ctx, id, missions[id], r)
		if r.Status == StatusAwaiting {
			e.notifyUpdate(ctx, UpdateAgentPaused, id, r.AwaitingReason)
		}
	}

	for i := range routed {
		if routed[i].kind != callDispatch {
			continue
		}
		routed[i].kind = callReady
		routed[i].content = marshalResult(results[routed[i].dispatch.AgentID])
	}
}

// runAgent is the AgentRunner handed to the dispatcher: it builds the
// sub-agent worker, registers it for resume routing, and runs it.
func (e *Engine) runAgent(ctx context.Context, h *AgentHandle, dp DispatchParams, deps map[string]AgentResult) AgentResult {
	e.stateMu.Lock()
	userRequest := e.lastUserText
	e.stateMu.Unlock()

	sa := NewSubAgent(dp, deps, e.provider, e.registry, e.cfg,
		WithSubAgentLogger(e.logger),
		WithSubAgentSentinel(e.sentinel),
		WithSubAgentFuse(e.fuse),
		WithSubAgentFiles(e.files),
		WithSubAgentChain(e.chain),
		WithSubAgentNudger(e.nudger),
		WithSubAgentBroker(e.broker),
		WithSubAgentUserRequest(userRequest),
		WithSubAgentSkillContext(SkillContext{
			ConversationID: e.conversationID,
			UserID:         e.userID,
			Channel:        e.channel,
		}),
	)
	e.stateMu.Lock()
	e.agents[dp.AgentID] = sa
	e.stateMu.Unlock()

	return sa.Execute(ctx, h)
}

// handleGetSkill serves the skill catalog: all domains, one domain's
// index, one skill's document, or a whole domain's documents.
func (e *Engine) handleGetSkill(call ToolCall) string {
	args := decodeFlags(call)
	name := coerceString(args["name"])

	if name == "" {
		domains := e.registry.Domains()
		if len(domains) == 0 {
			return "no skill domains are configured"
		}
		var b strings.Builder
		b.WriteString("Available skill domains:\n")
		for _, d := range domains {
			if d.Brief != "" {
				fmt.Fprintf(&b, "\n- %s — %s (skills: %s)", d.Domain, d.Brief, strings.Join(d.Skills, ", "))
			} else {
				fmt.Fprintf(&b, "\n- %s (skills: %s)", d.Domain, strings.Join(d.Skills, ", "))
			}
		}
		return b.String()
	}

	if domain, ok := strings.CutSuffix(name, ".all"); ok {
		for _, d := range e.registry.Domains() {
			if d.Domain != domain {
				continue
			}
			var b strings.Builder
			fmt.Fprintf(&b, "# %s skills\n", domain)
			for _, skill := range d.Skills {
				if doc, ok := e.registry.SkillDoc(skill); ok {
					fmt.Fprintf(&b, "\n## %s\n\n%s\n", skill, doc)
				}
			}
			return b.String()
		}
		return e.skillNotFound(name)
	}

	if strings.Contains(name, ".") {
		if doc, ok := e.registry.SkillDoc(name); ok {
			return doc
		}
		return e.skillNotFound(name)
	}

	if index, ok := e.registry.DomainIndex(name); ok {
		return index
	}
	return e.skillNotFound(name)
}

func (e *Engine) skillNotFound(name string) string {
	f := NewFault(FaultSkillNotFound,
		fmt.Sprintf("no skill or domain named %q", name),
		map[string]any{"skill": name})
	return e.nudger.FormatFault(f.Error(), f)
}

// parseDispatch validates one dispatch_agent call. A non-empty second
// return is the tool-result error text.
func (e *Engine) parseDispatch(call ToolCall, batchIDs map[string]bool) (DispatchParams, string) {
	args := decodeFlags(call)
	dp := DispatchParams{
		AgentID:       coerceString(args["agent_id"]),
		Mission:       coerceString(args["mission"]),
		Skills:        coerceStringList(args["skills"]),
		DependsOn:     coerceStringList(args["depends_on"]),
		MaxToolCalls:  coerceInt(args["max_tool_calls"]),
		ContextFiles:  coerceStringList(args["context_files"]),
		ModelOverride: coerceString(args["model_override"]),
		Context:       coerceString(args["context"]),
	}
	if dp.AgentID == "" {
		return dp, "dispatch_agent requires agent_id"
	}
	if dp.Mission == "" {
		return dp, "dispatch_agent requires a mission"
	}
	if batchIDs[dp.AgentID] {
		return dp, fmt.Sprintf("agent_id %q is already used in this batch; agent_ids must be unique", dp.AgentID)
	}
	e.stateMu.Lock()
	_, exists := e.agents[dp.AgentID]
	e.stateMu.Unlock()
	if exists {
		return dp, fmt.Sprintf("agent_id %q is already used in this turn; agent_ids must be unique", dp.AgentID)
	}
	return dp, ""
}

// routeGetResults classifies a get_agent_results call: immediate mode
// resolves during the scan, wait modes become signals handled after the
// dispatch batch.
func (e *Engine) routeGetResults(call ToolCall) routedCall {
	rc := routedCall{call: call, kind: callReady}
	args := decodeFlags(call)
	ids := coerceStringList(args["agent_ids"])
	if len(ids) == 0 {
		rc.content = "get_agent_results requires agent_ids"
		return rc
	}
	mode, err := ParseWaitMode(coerceString(args["mode"]))
	if err != nil {
		rc.content = err.Error()
		return rc
	}
	if mode == WaitImmediate {
		rc.content = e.snapshotResults(ids)
		return rc
	}
	timeout := e.waitTimeout
	if ms := coerceInt(args["timeout_ms"]); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	rc.kind = callWait
	rc.wait = waitSignal{ids: ids, mode: mode, timeout: timeout}
	return rc
}

// snapshotResults renders the current status of the named agents without
// blocking.
func (e *Engine) snapshotResults(ids []string) string {
	rows := make(map[string]AgentResult, len(ids))
	e.stateMu.Lock()
	for _, id := range ids {
		if r, ok := e.results[id]; ok && r.Terminal() {
			rows[id] = r
			continue
		}
		if h, ok := e.sup.Get(id); ok {
			rows[id] = h.Snapshot()
			continue
		}
		if r, ok := e.results[id]; ok {
			rows[id] = r
		}
	}
	e.stateMu.Unlock()
	return e.renderRows(ids, rows)
}

// handleWait blocks on the scheduler's wait primitive and merges the
// returned rows into the turn's results.
func (e *Engine) handleWait(ctx context.Context, w waitSignal) string {
	rows := WaitForAgents(ctx, e.sup, w.ids, w.mode, w.timeout)
	e.stateMu.Lock()
	for id, r := range rows {
		if !r.Terminal() {
			continue
		}
		// Agents that resumed after a pause report their lifetime call
		// count; only the delta since the last observation is new.
		if old, ok := e.results[id]; ok && r.ToolCallsUsed > old.ToolCallsUsed {
			e.turn.SkillCallsUsed += r.ToolCallsUsed - old.ToolCallsUsed
		}
		e.results[id] = r
	}
	e.stateMu.Unlock()
	return e.renderRows(w.ids, rows)
}

// renderRows marshals result rows keyed by agent id, adding a not_found
// note for requested agents that were never dispatched.
func (e *Engine) renderRows(requested []string, rows map[string]AgentResult) string {
	out := make(map[string]any, len(requested))
	for _, id := range requested {
		if r, ok := rows[id]; ok {
			out[id] = r
			continue
		}
		if _, known := e.sup.Get(id); known {
			continue // wait_any: running agents are omitted
		}
		f := NewFault(FaultNotFound,
			fmt.Sprintf("no agent %q was dispatched this turn", id),
			map[string]any{"agent_id": id})
		out[id] = map[string]string{
			"status": "not_found",
			"result": e.nudger.FormatFault(f.Error(), f),
		}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Sprintf("failed to render results: %v", err)
	}
	return string(data)
}

// handleSendUpdate routes send_agent_update to a paused agent's mailbox.
func (e *Engine) handleSendUpdate(ctx context.Context, call ToolCall) string {
	args := decodeFlags(call)
	agentID := coerceString(args["agent_id"])
	if agentID == "" {
		return "send_agent_update requires agent_id"
	}

	e.stateMu.Lock()
	sa, ok := e.agents[agentID]
	e.stateMu.Unlock()
	h, hok := e.sup.Get(agentID)
	if !ok || !hok {
		f := NewFault(FaultNotFound,
			fmt.Sprintf("no agent %q was dispatched this turn", agentID),
			map[string]any{"agent_id": agentID})
		return e.nudger.FormatFault(f.Error(), f)
	}
	if state := h.State(); state != StateAwaiting {
		f := NewFault(FaultNotAwaiting,
			fmt.Sprintf("agent %q is %s, not awaiting an update", agentID, state),
			map[string]any{"agent_id": agentID, "status": state.String()})
		return e.nudger.FormatFault(f.Error(), f)
	}

	update := AgentUpdate{
		Message:      coerceString(args["message"]),
		Skills:       coerceStringList(args["skills"]),
		ContextFiles: coerceStringList(args["context_files"]),
	}
	if err := sa.Resume(update); err != nil {
		return e.nudger.FormatFault(err.Error(), err)
	}
	e.notifyUpdate(ctx, UpdateAgentResumed, agentID, update.Message)
	e.logger.Info("agent update delivered",
		"conversation_id", e.conversationID, "agent_id", agentID)
	return fmt.Sprintf("update delivered to agent %q; it is resuming", agentID)
}

// handleDirectSkill executes a read-only skill inline for single_loop
// mode, gated by the sentinel and the per-turn skill budget.
func (e *Engine) handleDirectSkill(ctx context.Context, call ToolCall) string {
	args := decodeFlags(call)
	name := coerceString(args["skill"])
	flags, _ := args["arguments"].(map[string]any)
	if flags == nil {
		flags = map[string]any{}
	}

	skill, handler, ok := e.registry.Resolve(name)
	if !ok {
		return e.skillNotFound(name)
	}
	if !skill.ReadOnly {
		return fmt.Sprintf("skill %q mutates state and cannot run directly; dispatch an agent for it", name)
	}

	e.stateMu.Lock()
	turn, err := e.turn.AddSkillCall()
	if err == nil {
		e.turn = turn
	}
	e.stateMu.Unlock()
	if err != nil {
		return e.nudger.FormatFault(err.Error(), err)
	}

	if e.sentinel != nil {
		e.stateMu.Lock()
		userRequest := e.lastUserText
		e.stateMu.Unlock()
		decision := e.sentinel.Review(ctx, ReviewInput{
			UserRequest: userRequest,
			Mission:     "direct skill execution for the user's request",
			Action:      ProposedAction{Skill: name, Args: flags},
		})
		if !decision.Approved {
			return fmt.Sprintf("action rejected: %s", decision.Reason)
		}
	}

	if err := e.fuse.Check(name); err != nil {
		return e.nudger.FormatFault(err.Error(), err)
	}
	result, err := handler.Execute(ctx, flags, SkillContext{
		ConversationID: e.conversationID,
		UserID:         e.userID,
		Channel:        e.channel,
	})
	if err != nil {
		e.fuse.RecordFailure(name)
		return fmt.Sprintf("skill %s failed: %v", name, err)
	}
	e.fuse.RecordSuccess(name)
	if e.chain != nil {
		if err := e.chain.RunPostSkill(ctx, name, &result); err != nil {
			return fmt.Sprintf("skill %s failed: %v", name, err)
		}
	}
	return result.Content
}

func marshalResult(r AgentResult) string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"status":%q,"result":%q}`, r.Status, r.Result)
	}
	return string(data)
}

// decodeFlags decodes a call's arguments into a generic map, tolerating
// empty payloads.
func decodeFlags(call ToolCall) map[string]any {
	var args map[string]any
	if err := call.DecodeArgs(&args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// coerceString accepts strings and stringable scalars. LLM responses mix
// shapes; the boundary converts to one canonical form.
func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return ""
	}
}

// coerceStringList accepts a JSON array, a single string, or a
// comma-separated string.
func coerceStringList(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := coerceString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	case string:
		if t == "" {
			return nil
		}
		parts := strings.Split(t, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// coerceInt accepts JSON numbers and numeric strings.
func coerceInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return 0
}
