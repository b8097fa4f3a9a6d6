package subprocess

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"

	acton "github.com/actonhq/acton"
)

//go:embed prelude.py
var preludeSource string

// postludeSource calls the requested function with the host-provided
// arguments and flushes the result over the protocol stream.
const postludeSource = `
_drv_args = _json.loads(_os.environ.get("_ACTON_ARGS", "{}"))
set_result(%s(**_drv_args))
_proto_out.write(_json.dumps({"type": "result", "data": _final_result}) + '\n')
_proto_out.flush()
`

// blockedPatterns reject obviously dangerous source before execution.
// Only enforced when native access is not allowed.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`os\.system\s*\(`),
	regexp.MustCompile(`subprocess\.\w+\s*\(`),
}

// identRe bounds the function name to a plain identifier; anything else
// could splice code into the driver.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Runner executes Python functions in a subprocess with a JSON protocol
// bridge for tool calls. Implements acton.Sandbox.
type Runner struct {
	pythonBin string
	cfg       runnerConfig
}

var _ acton.Sandbox = (*Runner)(nil)

// NewRunner creates a Runner that executes Python via the given binary
// (e.g., "python3").
func NewRunner(pythonBin string, opts ...Option) *Runner {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Runner{pythonBin: pythonBin, cfg: cfg}
}

// Execute runs the source plus a driver invoking the named function. The
// dispatch function bridges call_tool() calls back into the host
// dispatcher on the invoking thread's context.
func (r *Runner) Execute(ctx context.Context, req acton.ExecuteRequest, dispatch acton.DispatchFunc) (acton.ExecuteResult, error) {
	if !identRe.MatchString(req.FunctionName) {
		return acton.ExecuteResult{}, &acton.ErrInvalidInput{What: "sandbox request", Reason: fmt.Sprintf("invalid function name %q", req.FunctionName)}
	}
	if !req.Limits.AllowNative {
		for _, pat := range blockedPatterns {
			if pat.MatchString(req.Source) {
				return acton.ExecuteResult{
					Logs:     fmt.Sprintf("blocked: source contains prohibited pattern %s", pat.String()),
					ExitCode: 1,
				}, &acton.ErrInvalidInput{What: "sandbox source", Reason: "prohibited pattern " + pat.String()}
			}
		}
	}

	timeout := r.cfg.timeout
	if req.Limits.Timeout > 0 {
		timeout = req.Limits.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tmpFile, err := os.CreateTemp("", "acton-fn-*.py")
	if err != nil {
		return acton.ExecuteResult{}, fmt.Errorf("sandbox: create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())

	script := preludeSource + "\n" + req.Source + "\n" + fmt.Sprintf(postludeSource, req.FunctionName)
	if _, err := tmpFile.WriteString(script); err != nil {
		tmpFile.Close()
		return acton.ExecuteResult{}, fmt.Errorf("sandbox: write script: %w", err)
	}
	tmpFile.Close()

	// The driver splats the args with **, so a nil map must encode as {}
	// rather than null.
	args := req.Args
	if args == nil {
		args = map[string]any{}
	}
	argsBlob, err := json.Marshal(args)
	if err != nil {
		return acton.ExecuteResult{}, fmt.Errorf("sandbox: encode args: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.pythonBin, tmpFile.Name())
	cmd.Dir = r.resolveWorkspace()
	cmd.Env = r.buildEnv(req.Limits, string(argsBlob))

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return acton.ExecuteResult{}, fmt.Errorf("sandbox: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return acton.ExecuteResult{}, fmt.Errorf("sandbox: stdout pipe: %w", err)
	}

	var stderrBuf strings.Builder
	cmd.Stderr = &stderrWriter{w: &stderrBuf, max: r.cfg.maxOutput}

	if err := cmd.Start(); err != nil {
		return acton.ExecuteResult{}, fmt.Errorf("sandbox: start subprocess: %w", err)
	}

	// Protocol loop: read JSON messages from stdout, dispatch tool calls,
	// write results to stdin.
	var value any
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, r.cfg.maxOutput), r.cfg.maxOutput)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		var msg protocolMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue // skip malformed lines
		}

		switch msg.Type {
		case "tool_call":
			writeJSON(stdin, r.handleToolCall(ctx, msg, dispatch))
		case "tool_calls_parallel":
			writeJSON(stdin, r.handleToolCallsParallel(ctx, msg, dispatch))
		case "result":
			value = msg.Data
		}
	}

	err = cmd.Wait()
	logs := stderrBuf.String()
	if len(logs) > r.cfg.maxOutput {
		logs = logs[:r.cfg.maxOutput] + "\n... (truncated)"
	}

	result := acton.ExecuteResult{Value: value, Logs: logs}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			result.ExitCode = -1
			return result, &acton.ErrTimeout{Op: fmt.Sprintf("sandbox execute after %s", timeout)}
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, fmt.Errorf("sandbox: exit code %d: %s", exitErr.ExitCode(), lastLine(logs))
		}
		result.ExitCode = -1
		return result, fmt.Errorf("sandbox: %w", err)
	}
	return result, nil
}

// resolveWorkspace returns the working directory for the subprocess.
func (r *Runner) resolveWorkspace() string {
	if r.cfg.workspace != "" {
		return r.cfg.workspace
	}
	return os.TempDir()
}

// buildEnv constructs the subprocess environment, carrying the limits
// and the call arguments to the prelude and driver.
func (r *Runner) buildEnv(limits acton.SandboxLimits, args string) []string {
	var env []string
	if r.cfg.envPassthrough {
		env = os.Environ()
	} else {
		// Minimal environment for Python to work.
		env = []string{
			"PATH=" + os.Getenv("PATH"),
			"HOME=" + os.Getenv("HOME"),
			"LANG=en_US.UTF-8",
		}
	}
	env = append(env, "_ACTON_WORKSPACE="+r.resolveWorkspace())
	env = append(env, "_ACTON_ARGS="+args)
	if limits.AllowIO {
		env = append(env, "_ACTON_ALLOW_IO=1")
	}
	if limits.AllowNative {
		env = append(env, "_ACTON_ALLOW_NATIVE=1")
	}
	for k, v := range r.cfg.envVars {
		env = append(env, k+"="+v)
	}
	return env
}

// --- Protocol types ---

type protocolMessage struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Args  json.RawMessage `json:"args,omitempty"`
	Calls []protocolCall  `json:"calls,omitempty"`
	Data  any             `json:"data,omitempty"`
}

type protocolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type protocolResponse struct {
	Type    string           `json:"type"`
	ID      string           `json:"id,omitempty"`
	Data    string           `json:"data,omitempty"`
	Error   string           `json:"error,omitempty"`
	Results []protocolResult `json:"results,omitempty"`
}

type protocolResult struct {
	ID    string `json:"id"`
	Data  string `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// handleToolCall dispatches a single tool call from inside the sandbox.
func (r *Runner) handleToolCall(ctx context.Context, msg protocolMessage, dispatch acton.DispatchFunc) protocolResponse {
	// Prevent recursion: execute_code cannot call execute_code.
	if msg.Name == "execute_code" {
		return protocolResponse{
			Type:  "tool_error",
			ID:    msg.ID,
			Error: "execute_code cannot call execute_code (no recursion)",
		}
	}

	dr := dispatch(ctx, acton.ToolCall{ID: msg.ID, Name: msg.Name, Args: msg.Args})
	if dr.IsError {
		return protocolResponse{
			Type:  "tool_error",
			ID:    msg.ID,
			Error: strings.TrimPrefix(dr.Content, "error: "),
		}
	}
	return protocolResponse{Type: "tool_result", ID: msg.ID, Data: dr.Content}
}

// handleToolCallsParallel dispatches multiple tool calls in parallel.
func (r *Runner) handleToolCallsParallel(ctx context.Context, msg protocolMessage, dispatch acton.DispatchFunc) protocolResponse {
	calls := make([]acton.ToolCall, len(msg.Calls))
	for i, c := range msg.Calls {
		if c.Name == "execute_code" {
			return protocolResponse{
				Type:  "tool_error",
				ID:    c.ID,
				Error: "execute_code cannot call execute_code (no recursion)",
			}
		}
		calls[i] = acton.ToolCall{ID: c.ID, Name: c.Name, Args: c.Args}
	}

	results := make([]protocolResult, len(calls))
	type indexed struct {
		idx int
		dr  acton.DispatchResult
	}
	ch := make(chan indexed, len(calls))
	for i, tc := range calls {
		go func(idx int, tc acton.ToolCall) {
			ch <- indexed{idx: idx, dr: dispatch(ctx, tc)}
		}(i, tc)
	}
	for range calls {
		ir := <-ch
		pr := protocolResult{ID: msg.Calls[ir.idx].ID, Data: ir.dr.Content}
		if ir.dr.IsError {
			pr.Data = ""
			pr.Error = strings.TrimPrefix(ir.dr.Content, "error: ")
		}
		results[ir.idx] = pr
	}

	return protocolResponse{Type: "tool_results_parallel", Results: results}
}

// writeJSON writes a JSON-encoded message followed by a newline.
func writeJSON(w io.Writer, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "%s\n", data)
}

// lastLine returns the final non-empty log line, typically the Python
// traceback's error message.
func lastLine(logs string) string {
	lines := strings.Split(strings.TrimSpace(logs), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

// stderrWriter limits stderr capture to a maximum size.
type stderrWriter struct {
	w   *strings.Builder
	max int
}

func (sw *stderrWriter) Write(p []byte) (int, error) {
	// Report the full length even when capture is truncated, so the
	// copier never sees a short write.
	n := len(p)
	if sw.w.Len() < sw.max {
		remaining := sw.max - sw.w.Len()
		if len(p) > remaining {
			p = p[:remaining]
		}
		sw.w.Write(p)
	}
	return n, nil
}
