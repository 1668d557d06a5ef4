// Command atoll is an interactive reference shell for the atoll runtime.
//
// It wires one engine out of a TOML app config (ATOLL_CONFIG, default
// atoll.toml) and a YAML runtime config, then chats with it over stdin.
// Lines starting with "/" are shell commands; everything else is sent to
// the engine as a user message.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	atoll "github.com/helmshore/atoll"
	"github.com/helmshore/atoll/internal/config"
	"github.com/helmshore/atoll/observer"
	"github.com/helmshore/atoll/provider/resolve"
	"github.com/helmshore/atoll/skills"
	"github.com/helmshore/atoll/store/postgres"
	"github.com/helmshore/atoll/store/sqlite"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("atoll: ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load app config (TOML + env) and runtime config (YAML).
	cfg := config.Load(os.Getenv("ATOLL_CONFIG"))
	runtime, err := loadRuntime(cfg.Engine.RuntimeConfig)
	if err != nil {
		log.Fatal(err)
	}
	logger := newLogger()

	// 2. Observability (optional).
	var inst *observer.Instruments
	tracer := atoll.Tracer(atoll.NopTracer{})
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx, toPricing(cfg.Observer.Pricing))
		if err != nil {
			log.Fatalf("observer: %v", err)
		}
		defer shutdown(context.Background())
		tracer = observer.NewTracer()
	}

	// 3. Provider, with retry on transient failures.
	llm, err := resolve.Provider(resolve.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
		Logger:   logger,
	})
	if err != nil {
		log.Fatal(err)
	}
	llm = atoll.WithRetry(llm, atoll.RetryLogger(logger))
	if cfg.LLM.RPM > 0 || cfg.LLM.TPM > 0 {
		llm = atoll.WithRateLimit(llm, atoll.RPM(cfg.LLM.RPM), atoll.TPM(cfg.LLM.TPM))
	}
	if inst != nil {
		llm = observer.WrapProvider(llm, inst)
	}

	// 4. Store.
	store, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		log.Fatal(err)
	}
	defer closeStore()

	// 5. Skills: builtin demo handlers bound to the documents directory.
	handlers := builtinHandlers(cfg.Files.Dir)
	if inst != nil {
		handlers = observer.WrapHandlers(handlers, inst)
	}
	registry := openSkills(cfg.Skills, handlers, logger)

	// 6. Event broker and sinks.
	broker := atoll.NewBroker(atoll.WithBrokerLogger(logger))
	defer broker.Close()
	if inst != nil {
		events, cancel := broker.Subscribe()
		defer cancel()
		go observer.ObserveBroker(ctx, events, inst)
	}

	// 7. Engine.
	files, err := atoll.NewContextFileLoader(cfg.Files.Dir, atoll.WithContextFileLogger(logger))
	if err != nil {
		log.Fatal(err)
	}
	chain := atoll.NewProcessorChain()
	chain.Add(atoll.NewInjectionGuard())
	chain.Add(atoll.NewLengthGuard())

	engine, err := atoll.NewEngine(os.Getenv("ATOLL_THREAD"), llm, registry, runtime,
		atoll.WithEngineLogger(logger),
		atoll.WithEngineMode(atoll.Mode(cfg.Engine.Mode)),
		atoll.WithEngineUser(cfg.Engine.UserID, cfg.Engine.Channel),
		atoll.WithEngineStore(store),
		atoll.WithEngineBroker(broker),
		atoll.WithEngineSentinel(atoll.NewSentinel(llm, runtime.SentinelModel(),
			atoll.WithSentinelLogger(logger))),
		atoll.WithEngineFiles(files),
		atoll.WithEngineChain(chain),
		atoll.WithEngineTracer(tracer),
		atoll.WithEngineNotifier(printNotifier()),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Close()

	// 8. Chat.
	runShell(ctx, engine, registry)
}

// loadRuntime reads the YAML runtime config; a missing file means the
// built-in defaults.
func loadRuntime(path string) (atoll.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return atoll.DefaultConfig(), nil
	}
	return atoll.LoadConfig(path)
}

// newLogger builds the shell's slog logger. ATOLL_LOG selects the level
// (debug, info, warn); the default keeps the prompt quiet.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	switch strings.ToLower(os.Getenv("ATOLL_LOG")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// openStore builds the configured store and returns it with its cleanup.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (atoll.Store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		s := postgres.New(pool)
		if err := s.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		return s, pool.Close, nil
	case "sqlite", "":
		s := sqlite.New(cfg.Path, sqlite.WithLogger(logger))
		if err := s.Init(ctx); err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// openSkills loads the markdown skill library; a missing directory
// degrades to an empty registry so plain chat still works.
func openSkills(cfg config.SkillsConfig, handlers map[string]atoll.Handler, logger *slog.Logger) atoll.Registry {
	lib, err := skills.NewLibrary(cfg.Dir,
		skills.WithHandlers(handlers),
		skills.WithDisabled(cfg.Disabled...),
		skills.WithReadOnly(cfg.ReadOnly...),
		skills.WithLogger(logger),
	)
	if err != nil {
		log.Printf("skills directory %q unavailable (%v); starting without skills", cfg.Dir, err)
		return skills.NewStatic(nil, handlers)
	}
	return lib
}

// toPricing converts TOML pricing rows to observer overrides.
func toPricing(rows map[string]config.ObserverPricing) map[string]observer.ModelPricing {
	if len(rows) == 0 {
		return nil
	}
	out := make(map[string]observer.ModelPricing, len(rows))
	for model, p := range rows {
		out[model] = observer.ModelPricing{
			InputPerMillion:       p.Input,
			CachedInputPerMillion: p.CachedInput,
			CacheWritePerMillion:  p.CacheWrite,
			OutputPerMillion:      p.Output,
		}
	}
	return out
}

// printNotifier surfaces mid-turn agent pushes on stdout.
func printNotifier() atoll.Notifier {
	return atoll.NotifierFunc(func(_ context.Context, u atoll.Update) {
		switch u.Kind {
		case atoll.UpdateAgentPaused:
			fmt.Printf("· agent %s paused: %s\n", u.AgentID, u.Reason)
		case atoll.UpdateAgentResumed:
			fmt.Printf("· agent %s resumed\n", u.AgentID)
		}
	})
}

func runShell(ctx context.Context, engine *atoll.Engine, registry atoll.Registry) {
	fmt.Printf("atoll shell — conversation %s\n", engine.ConversationID())
	fmt.Println(`type a message, or /help for commands; ctrl-d exits`)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		fmt.Print("you> ")
		select {
		case <-ctx.Done():
			fmt.Println()
			return
		case line, ok := <-lines:
			if !ok {
				fmt.Println()
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "/") {
				if quit := runCommand(engine, registry, line); quit {
					return
				}
				continue
			}
			reply, err := engine.SendMessage(ctx, line)
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Printf("\n%s\n\n", reply)
		}
	}
}

// runCommand handles /-prefixed shell commands. Returns true to exit.
func runCommand(engine *atoll.Engine, registry atoll.Registry, line string) bool {
	switch line {
	case "/quit", "/exit":
		return true
	case "/state":
		data, err := json.MarshalIndent(engine.GetState(), "", "  ")
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		fmt.Println(string(data))
	case "/skills":
		domains := registry.Domains()
		if len(domains) == 0 {
			fmt.Println("no skills loaded")
			return false
		}
		for _, d := range domains {
			fmt.Printf("%s: %s\n", d.Domain, strings.Join(d.Skills, ", "))
		}
	case "/help":
		fmt.Println("/state   engine diagnostic snapshot")
		fmt.Println("/skills  loaded skill domains")
		fmt.Println("/quit    exit")
	default:
		fmt.Printf("unknown command %s (try /help)\n", line)
	}
	return false
}
