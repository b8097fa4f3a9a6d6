package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for runtime spans and metrics.
var (
	AttrLLMMethod = attribute.Key("llm.method")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")

	AttrToolCount = attribute.Key("llm.tool_count")
	AttrToolNames = attribute.Key("llm.tool_names")

	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")

	AttrSandboxFunction = attribute.Key("sandbox.function")
	AttrSandboxExitCode = attribute.Key("sandbox.exit_code")

	AttrThreadID   = attribute.Key("agent.thread_id")
	AttrTurnStatus = attribute.Key("agent.turn.status")
	AttrFastIntent = attribute.Key("agent.fast_intent")
)
