package acton

import "context"

// BuiltinDeps carries the collaborators the built-in tools adapt. Nil
// fields skip the corresponding tools, so a host registers only what it
// wires.
type BuiltinDeps struct {
	CodeGen       *CodeGenerator
	Functions     *FunctionStore
	Sandbox       Sandbox
	SandboxLimits SandboxLimits
	Search        SearchProvider
	Reply         ReplyChannel
	Triggers      *TriggerService
}

// RegisterBuiltinTools registers the standard tool set on the dispatcher:
// write_code, write_condition_code, execute_code, search, reply,
// notification, subscribe_trigger.
func RegisterBuiltinTools(d *Dispatcher, deps BuiltinDeps) error {
	var tools []Tool
	if deps.CodeGen != nil {
		tools = append(tools, writeCodeTool(deps.CodeGen, false), writeCodeTool(deps.CodeGen, true))
	}
	if deps.Sandbox != nil && deps.Functions != nil {
		tools = append(tools, executeCodeTool(d, deps))
	}
	if deps.Search != nil {
		tools = append(tools, searchTool(deps.Search))
	}
	if deps.Reply != nil {
		tools = append(tools, replyTool(deps.Reply, false), replyTool(deps.Reply, true))
	}
	if deps.Triggers != nil {
		tools = append(tools, subscribeTriggerTool(deps.Triggers))
	}
	for _, t := range tools {
		if err := d.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func requireThread(ctx context.Context) (string, error) {
	threadID, ok := ThreadIDFromContext(ctx)
	if !ok {
		return "", &ErrInvalidInput{What: "tool call", Reason: "no thread id in context"}
	}
	return threadID, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, _ := args[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// writeCodeTool delegates to the code generator and stores the result
// under the conversation's generated-functions list.
func writeCodeTool(gen *CodeGenerator, condition bool) Tool {
	name := "write_code"
	desc := "Generate a reusable function from a natural-language requirement. The function can call the available tools."
	if condition {
		name = "write_condition_code"
		desc = "Generate a condition function that returns true or false for a natural-language condition."
	}
	return Tool{
		Name:        name,
		Description: desc,
		Parameters: []Parameter{
			{Name: "requirement", Shape: PrimitiveShape(PrimString), Description: "what the function must do", Required: true},
			{Name: "function_name", Shape: PrimitiveShape(PrimString), Description: "snake_case name for the function", Required: true},
			{Name: "parameters", Shape: ArrayShape(PrimitiveShape(PrimString)), Description: "parameter names in order"},
		},
		Internal: true,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			threadID, err := requireThread(ctx)
			if err != nil {
				return nil, err
			}
			fn, err := gen.Generate(ctx, CodeGenRequest{
				ThreadID:     threadID,
				Requirement:  stringArg(args, "requirement"),
				FunctionName: stringArg(args, "function_name"),
				Parameters:   stringSliceArg(args, "parameters"),
				Condition:    condition,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"function_name": fn.Name,
				"language":      fn.Language,
				"source":        fn.Source,
			}, nil
		},
	}
}

// executeCodeTool submits a previously generated function to the
// sandbox. Tool calls made inside the sandbox re-enter this dispatcher.
func executeCodeTool(d *Dispatcher, deps BuiltinDeps) Tool {
	return Tool{
		Name:        "execute_code",
		Description: "Execute a previously generated function in the sandbox and return its result.",
		Parameters: []Parameter{
			{Name: "function_name", Shape: PrimitiveShape(PrimString), Description: "name of a generated function", Required: true},
			{Name: "args", Shape: ObjectShape(nil), Description: "arguments passed to the function"},
		},
		Internal: true,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			threadID, err := requireThread(ctx)
			if err != nil {
				return nil, err
			}
			name := stringArg(args, "function_name")
			fn, ok := deps.Functions.Get(threadID, name)
			if !ok {
				return nil, &ErrNotFound{Kind: "generated function", ID: name}
			}
			callArgs, _ := args["args"].(map[string]any)
			res, err := deps.Sandbox.Execute(ctx, ExecuteRequest{
				Source:       fn.Source,
				FunctionName: fn.Name,
				Args:         callArgs,
				Limits:       deps.SandboxLimits,
			}, d.Dispatch)
			if err != nil {
				return nil, err
			}
			return res.Value, nil
		},
	}
}

func searchTool(provider SearchProvider) Tool {
	return Tool{
		Name:        "search",
		Description: "Search external knowledge sources and return ranked results.",
		Parameters: []Parameter{
			{Name: "query", Shape: PrimitiveShape(PrimString), Description: "search query", Required: true},
			{Name: "limit", Shape: PrimitiveShape(PrimInteger), Description: "maximum results", Default: float64(5)},
		},
		ClassName: "Knowledge",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			limit := 0
			if f, ok := args["limit"].(float64); ok {
				limit = int(f)
			}
			resp, err := provider.Search(ctx, SearchRequest{Query: stringArg(args, "query"), Limit: limit})
			if err != nil {
				return nil, &ErrExternalFailure{SPI: "search provider", Err: err}
			}
			return resp.Results, nil
		},
	}
}

// replyTool sends text back to the conversation. The notification
// variant tags the payload so channels can route it out-of-band.
func replyTool(channel ReplyChannel, notification bool) Tool {
	name := "reply"
	desc := "Send a message to the user in the current conversation."
	if notification {
		name = "notification"
		desc = "Send an out-of-band notification to the user."
	}
	return Tool{
		Name:        name,
		Description: desc,
		Parameters: []Parameter{
			{Name: "text", Shape: PrimitiveShape(PrimString), Description: "message text", Required: true},
		},
		ClassName: "Messenger",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			threadID, _ := ThreadIDFromContext(ctx)
			payload := ReplyPayload{ThreadID: threadID, Text: stringArg(args, "text")}
			if notification {
				payload.Metadata = map[string]any{"notification": true}
			}
			if err := channel.Send(ctx, payload); err != nil {
				return nil, &ErrExternalFailure{SPI: "reply channel", Err: err}
			}
			return map[string]any{"delivered": true}, nil
		},
	}
}

func subscribeTriggerTool(svc *TriggerService) Tool {
	return Tool{
		Name:        "subscribe_trigger",
		Description: "Register a trigger that re-invokes a generated function on schedule.",
		Parameters: []Parameter{
			{Name: "name", Shape: PrimitiveShape(PrimString), Description: "human-readable trigger name", Required: true},
			{Name: "schedule_mode", Shape: PrimitiveShape(PrimString), Description: "CRON, FIXED_DELAY, FIXED_RATE or ONE_TIME", Required: true},
			{Name: "schedule_value", Shape: PrimitiveShape(PrimString), Description: "cron expression, interval or instant", Required: true},
			{Name: "execute_function", Shape: PrimitiveShape(PrimString), Description: "generated function to run", Required: true},
			{Name: "condition_function", Shape: PrimitiveShape(PrimString), Description: "optional condition function gating execution"},
			{Name: "parameters", Shape: ObjectShape(nil), Description: "arguments for the function"},
		},
		ClassName: "Triggers",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			threadID, _ := ThreadIDFromContext(ctx)
			params, _ := args["parameters"].(map[string]any)
			t, err := svc.Subscribe(ctx, Trigger{
				Name:              stringArg(args, "name"),
				ScheduleMode:      ScheduleMode(stringArg(args, "schedule_mode")),
				ScheduleValue:     stringArg(args, "schedule_value"),
				ExecuteFunction:   stringArg(args, "execute_function"),
				ConditionFunction: stringArg(args, "condition_function"),
				Parameters:        params,
				SourceType:        "conversation",
				SourceID:          threadID,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"trigger_id": t.TriggerID,
				"status":     string(t.Status),
			}, nil
		},
	}
}
