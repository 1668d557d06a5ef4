// Package atoll is a conversational AI orchestration runtime.
//
// A user message is handled by a per-conversation [Engine] that drives an
// outer LLM loop. The orchestrator model plans work by calling four tools
// (get_skill, dispatch_agent, get_agent_results, send_agent_update); dispatch
// requests form a dependency DAG that the [Dispatcher] resolves into parallel
// waves of [SubAgent] workers. Each sub-agent runs its own scoped inner loop
// with exactly two tools (use_skill, request_help), gated by a [Sentinel]
// classifier and a four-level limits hierarchy, and may pause mid-flight to
// ask the orchestrator for help.
//
// # Quick Start
//
//	provider := openaicompat.NewProvider(apiKey, "gpt-4o-mini", "")
//	registry, _ := skills.NewLibrary("./skills", skills.WithHandlers(handlers))
//
//	cfg := atoll.DefaultConfig()
//	engine, _ := atoll.NewEngine("conv-1", provider, registry, cfg,
//		atoll.WithEngineSentinel(atoll.NewSentinel(provider, cfg.SentinelModel())),
//	)
//	defer engine.Close()
//
//	reply, err := engine.SendMessage(ctx, "What's on my calendar today?")
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — LLM backend (chat completion with tool calls and usage)
//   - [Registry] — skill documentation and handler lookup
//   - [Handler] — a single skill's executable side
//   - [Fuse] — per-skill circuit breaker
//   - [Store] — conversation persistence (optional collaborator)
//   - [Tracer] — vendor-neutral span creation (observer provides OTEL)
//   - [PreProcessor], [PostProcessor] — user input / reply guards
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible APIs) plus
// provider/resolve for name-based construction.
// Storage: store/sqlite (pure Go, local), store/postgres (pgx).
// Skills: skills (markdown directory registry).
// Observability: observer (OTEL traces, metrics, token/cost accounting).
//
// See the cmd/atoll directory for a complete reference shell.
package atoll
