// Package acton is a code-acting agent runtime for Go.
//
// It runs conversations as a two-phase loop: a React phase where the model
// reasons and calls tools, and a nested CodeAct phase where the model writes
// code that is executed in a sandbox and may call tools from inside. Each
// iteration of the loop is composed as a state graph with checkpointing, so
// turns can be inspected and resumed.
//
// # Quick Start
//
//	client := openai.New(apiKey, "gpt-4.1", "https://api.openai.com/v1")
//	store := sqlite.New("acton.db")
//
//	dispatcher := acton.NewDispatcher(acton.NewSchemaRegistry())
//	runtime := acton.NewRuntime(client, dispatcher,
//		acton.NewHookPipeline(), acton.NewPromptAssembler(),
//		acton.WithRuntimeCheckpoints(store.Checkpoints()),
//	)
//
//	result, err := runtime.Respond(ctx, threadID, "What's the weather like?")
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [ModelClient]: the LLM transport boundary (chat, tool calling)
//   - [Sandbox]: executes generated code and bridges tool calls back in
//   - [SearchProvider]: external knowledge retrieval
//   - [ReplyChannel]: outbound delivery to wherever the conversation lives
//   - [CheckpointSaver], [ExperienceRepository], [TriggerRepository]:
//     persistence boundaries
//   - [Hook], [PromptContributor], [Evaluator]: extension points on the loop
//
// # Included Implementations
//
// Model clients: provider/openai (OpenAI-compatible APIs).
// Storage: store/sqlite (local, pure Go), store/postgres.
// Sandboxes: sandbox/subprocess (Python subprocess with a line-JSON protocol).
// Search: search/web (Brave-compatible API with readable-content extraction).
// Observability: observer (OpenTelemetry traces, metrics, and logs).
//
// See the cmd/acton directory for a complete reference application.
package acton
