package acton

import (
	"context"
	"time"
)

// SandboxLimits bounds one sandbox execution. IO and native access are
// disabled unless the caller opts in.
type SandboxLimits struct {
	Timeout     time.Duration `json:"-"`
	AllowIO     bool          `json:"allow_io"`
	AllowNative bool          `json:"allow_native"`
}

// ExecuteRequest submits previously generated source to the sandbox.
// The sandbox calls FunctionName with Args after evaluating Source.
type ExecuteRequest struct {
	Source       string         `json:"source"`
	FunctionName string         `json:"function_name"`
	Args         map[string]any `json:"args,omitempty"`
	Limits       SandboxLimits  `json:"limits"`
}

// ExecuteResult is the outcome of one sandbox execution.
type ExecuteResult struct {
	// Value is the function's decoded return value.
	Value any `json:"value,omitempty"`
	// Logs captures print output and stderr from the execution.
	Logs string `json:"logs,omitempty"`
	// ExitCode is the process exit code (0 = success).
	ExitCode int `json:"exit_code"`
}

// Sandbox evaluates generated source and returns a value. The dispatch
// function bridges tool calls made inside the sandbox back into the
// dispatcher on the invoking thread's context. Implementations control
// the runtime (subprocess, container, Wasm).
type Sandbox interface {
	Execute(ctx context.Context, req ExecuteRequest, dispatch DispatchFunc) (ExecuteResult, error)
}
