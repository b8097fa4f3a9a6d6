package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"

	acton "github.com/actonhq/acton"
	"github.com/actonhq/acton/internal/config"
	"github.com/actonhq/acton/observer"
	"github.com/actonhq/acton/provider/openai"
	"github.com/actonhq/acton/sandbox/subprocess"
	"github.com/actonhq/acton/search/web"
	"github.com/actonhq/acton/store/postgres"
	"github.com/actonhq/acton/store/sqlite"
)

// stdoutReply prints agent replies to the terminal.
type stdoutReply struct{}

func (stdoutReply) Send(_ context.Context, p acton.ReplyPayload) error {
	fmt.Printf("[%s] %s\n", p.ThreadID, p.Text)
	return nil
}

// repositories groups the persistence backends selected by the database
// driver.
type repositories struct {
	checkpoints acton.CheckpointSaver
	experiences acton.ExperienceRepository
	triggers    acton.TriggerRepository
	executions  acton.TriggerExecutionLogRepository
	close       func()
}

func openRepositories(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (repositories, error) {
	switch cfg.Driver {
	case "sqlite":
		s := sqlite.New(cfg.Path, sqlite.WithLogger(logger))
		if err := s.Init(ctx); err != nil {
			return repositories{}, err
		}
		return repositories{
			checkpoints: s.Checkpoints(),
			experiences: s.Experiences(),
			triggers:    s.Triggers(),
			executions:  s.Executions(),
			close:       func() { s.Close() },
		}, nil
	case "postgres":
		s, err := postgres.Connect(ctx, cfg.PostgresURL, postgres.WithLogger(logger))
		if err != nil {
			return repositories{}, err
		}
		if err := s.Init(ctx); err != nil {
			return repositories{}, err
		}
		return repositories{
			checkpoints: s.Checkpoints(),
			experiences: s.Experiences(),
			triggers:    s.Triggers(),
			executions:  s.Executions(),
			close:       func() { s.Close() },
		}, nil
	default: // memory
		return repositories{
			experiences: acton.NewInMemoryExperienceRepository(),
			triggers:    acton.NewInMemoryTriggerRepository(),
			executions:  acton.NewInMemoryTriggerLog(),
			close:       func() {},
		}, nil
	}
}

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// 1. Load config
	cfg := config.Load(os.Getenv("ACTON_CONFIG"))

	// 2. Observability (optional)
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, cfg.Observer.ServiceName)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer shutdown(ctx)
	}

	// 3. Model client
	baseURL := cfg.Model.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	client := openai.New(cfg.Model.APIKey, cfg.Model.Model, baseURL)

	// 4. Persistence
	repos, err := openRepositories(ctx, cfg.Database, logger)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer repos.close()

	// 5. Tool dispatcher + schema registry
	schemas := acton.NewSchemaRegistry()
	dispatcherOpts := []acton.DispatcherOption{acton.WithDispatcherLogger(logger)}
	if inst != nil {
		dispatcherOpts = append(dispatcherOpts, acton.WithDispatchObserver(observer.DispatchObserver(inst)))
	}
	dispatcher := acton.NewDispatcher(schemas, dispatcherOpts...)

	// 6. Sandbox + code generation
	var sandbox acton.Sandbox = subprocess.NewRunner("python3",
		subprocess.WithTimeout(cfg.Sandbox.ExecutionTimeout()),
		subprocess.WithWorkspace(cfg.Sandbox.WorkspacePath),
	)
	if inst != nil {
		sandbox = observer.WrapSandbox(sandbox, inst)
	}
	limits := acton.SandboxLimits{
		AllowIO:     cfg.Sandbox.AllowIO,
		AllowNative: cfg.Sandbox.AllowNativeAccess,
		Timeout:     cfg.Sandbox.ExecutionTimeout(),
	}
	functions := acton.NewFunctionStore()
	codegen := acton.NewCodeGenerator(client.Chat, dispatcher, functions,
		acton.WithCodeGenLogger(logger))

	// 7. Experience store + fast-intent hook
	experiences := acton.NewExperienceStore(repos.experiences,
		acton.WithMaxItemsPerQuery(cfg.Experience.MaxItemsPerQuery),
		acton.WithMaxContentLength(cfg.Experience.MaxContentLength),
		acton.WithMaxQueryTextLength(cfg.Experience.MaxQueryTextLength),
		acton.WithExperienceLogger(logger),
	)
	hooks := acton.NewHookPipeline()
	if cfg.Experience.Enabled && cfg.Experience.FastIntentEnabled {
		hook := acton.NewFastIntentHook(experiences,
			acton.WithAllowedTools(cfg.Experience.FastIntentAllowedTools...),
			acton.WithFastIntentLogger(logger),
		)
		if err := hooks.Register(hook); err != nil {
			log.Fatalf("register fast-intent hook: %v", err)
		}
	}

	// 8. Evaluation engine
	evaluators := acton.NewEvaluatorRegistry()
	if err := evaluators.Register("llm", acton.NewLLMEvaluator(client.Chat)); err != nil {
		log.Fatalf("register evaluator: %v", err)
	}
	evalEngine := acton.NewEvaluationEngine(evaluators,
		acton.WithEvalWorkers(cfg.Evaluation.Workers),
		acton.WithCriterionTimeout(cfg.Evaluation.CriterionTimeout()),
		acton.WithEvalLogger(logger),
	)

	// 9. Trigger scheduler
	backend := acton.NewLocalBackend(acton.WithBackendLogger(logger))
	defer backend.Close()
	invoker := acton.NewSandboxInvoker(functions, sandbox, dispatcher.Dispatch, limits)
	triggerOpts := []acton.TriggerServiceOption{
		acton.WithExecTimeout(cfg.Trigger.ExecTimeout()),
		acton.WithTriggerRetries(cfg.Trigger.MaxRetries),
		acton.WithTriggerLogger(logger),
	}
	if !cfg.Trigger.Async {
		triggerOpts = append(triggerOpts, acton.WithSyncFiring())
	}
	triggers := acton.NewTriggerService(repos.triggers, repos.executions, backend, invoker, triggerOpts...)
	if err := triggers.Restore(ctx); err != nil {
		logger.Warn("trigger restore failed", "error", err)
	}

	// 10. Built-in tools
	var search acton.SearchProvider
	if cfg.Search.Enabled && cfg.Search.WebSearchEnabled {
		search = web.New(os.Getenv("BRAVE_API_KEY"),
			web.WithTimeout(cfg.Search.SearchTimeout()),
			web.WithLogger(logger),
		)
	}
	err = acton.RegisterBuiltinTools(dispatcher, acton.BuiltinDeps{
		CodeGen:       codegen,
		Functions:     functions,
		Sandbox:       sandbox,
		SandboxLimits: limits,
		Search:        search,
		Reply:         stdoutReply{},
		Triggers:      triggers,
	})
	if err != nil {
		log.Fatalf("register tools: %v", err)
	}

	// 11. Runtime
	opts := []acton.RuntimeOption{
		acton.WithSystemPrompt(cfg.Runtime.SystemPrompt),
		acton.WithMaxIterations(cfg.Runtime.MaxIterations),
		acton.WithRuntimeLogger(logger),
	}
	if cfg.Evaluation.SuitePath != "" {
		blob, err := os.ReadFile(cfg.Evaluation.SuitePath)
		if err != nil {
			log.Fatalf("read evaluation suite: %v", err)
		}
		var suite acton.Suite
		if err := json.Unmarshal(blob, &suite); err != nil {
			log.Fatalf("parse evaluation suite %s: %v", cfg.Evaluation.SuitePath, err)
		}
		opts = append(opts, acton.WithEvaluation(evalEngine, suite))
	}
	if repos.checkpoints != nil {
		opts = append(opts, acton.WithRuntimeCheckpoints(repos.checkpoints))
	}
	if inst != nil {
		opts = append(opts,
			acton.WithInterceptors(client, observer.Interceptor(inst)),
			acton.WithEventHandler(observer.EventHandler(inst, nil)),
		)
	}
	runtime := acton.NewRuntime(client, dispatcher, hooks, acton.NewPromptAssembler(), opts...)

	// 12. REPL
	threadID := acton.NewID()
	fmt.Printf("acton ready (thread %s). Ctrl-D to exit.\n", threadID)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		input := scanner.Text()
		if input == "" {
			continue
		}
		result, err := runtime.Respond(ctx, threadID, input)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Println(result.Reply)
	}
}
