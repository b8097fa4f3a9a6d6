package acton

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// EventKind classifies runtime events.
type EventKind string

const (
	EventTurnStart  EventKind = "turn_start"
	EventModelCall  EventKind = "model_call"
	EventToolCall   EventKind = "tool_call"
	EventFastIntent EventKind = "fast_intent"
	EventTurnEnd    EventKind = "turn_end"
	EventTurnError  EventKind = "turn_error"
)

// Event is one observable runtime occurrence. Handlers must not block;
// the runtime emits events inline on the turn's goroutine.
type Event struct {
	Kind     EventKind
	ThreadID string
	At       time.Time
	Detail   map[string]any
}

// TurnResult is what one Respond call produces.
type TurnResult struct {
	Reply      string
	Messages   []Message
	Usage      Usage
	FastIntent bool
}

// Runtime is the two-phase agent coordinator: a React loop composed as
// a state graph per iteration, with the CodeAct phase nested behind the
// write_code and execute_code tools. Each conversation thread
// serialises its own turns; independent threads run concurrently.
type Runtime struct {
	model      ModelHandler
	dispatcher *Dispatcher
	hooks      *HookPipeline
	assembler  *PromptAssembler

	evaluation *EvaluationEngine
	suite      *Suite

	learningExtractor LearningExtractor
	learningRepo      LearningRepository
	experiences       *ExperienceStore

	systemPrompt  string
	maxIterations int
	schema        StateSchema
	saver         CheckpointSaver
	onEvent       func(Event)
	logger        *slog.Logger

	mu      sync.Mutex
	threads map[string]*threadEntry
}

// threadEntry serialises turns per conversation.
type threadEntry struct {
	mu    sync.Mutex
	state *State
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithSystemPrompt sets the base system prompt for the React phase.
func WithSystemPrompt(s string) RuntimeOption {
	return func(r *Runtime) { r.systemPrompt = s }
}

// WithMaxIterations bounds model/tool cycles per turn (default 8).
func WithMaxIterations(n int) RuntimeOption {
	return func(r *Runtime) {
		if n >= 1 {
			r.maxIterations = n
		}
	}
}

// WithInterceptors wraps the model client with a composed interceptor
// chain. The first interceptor is outermost.
func WithInterceptors(client ModelClient, interceptors ...ModelInterceptor) RuntimeOption {
	return func(r *Runtime) { r.model = ChainInterceptors(client, interceptors...) }
}

// WithEvaluation runs the suite at the start of every turn.
func WithEvaluation(engine *EvaluationEngine, suite Suite) RuntimeOption {
	return func(r *Runtime) {
		r.evaluation = engine
		r.suite = &suite
	}
}

// WithLearning extracts experiences after each turn and persists them.
func WithLearning(extractor LearningExtractor, repo LearningRepository, store *ExperienceStore) RuntimeOption {
	return func(r *Runtime) {
		r.learningExtractor = extractor
		r.learningRepo = repo
		r.experiences = store
	}
}

// WithRuntimeCheckpoints snapshots thread state at node boundaries and
// restores threads from their latest checkpoint on first contact.
func WithRuntimeCheckpoints(saver CheckpointSaver) RuntimeOption {
	return func(r *Runtime) { r.saver = saver }
}

// WithStateSchema overrides the per-key merge schema for new threads.
func WithStateSchema(schema StateSchema) RuntimeOption {
	return func(r *Runtime) { r.schema = schema }
}

// WithEventHandler registers an observer for runtime events.
func WithEventHandler(fn func(Event)) RuntimeOption {
	return func(r *Runtime) { r.onEvent = fn }
}

// WithRuntimeLogger sets the structured logger.
func WithRuntimeLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = l }
}

// NewRuntime assembles the coordinator. The model client is wrapped
// bare unless WithInterceptors is given.
func NewRuntime(client ModelClient, dispatcher *Dispatcher, hooks *HookPipeline, assembler *PromptAssembler, opts ...RuntimeOption) *Runtime {
	r := &Runtime{
		model:         ChainInterceptors(client),
		dispatcher:    dispatcher,
		hooks:         hooks,
		assembler:     assembler,
		maxIterations: 8,
		schema:        DefaultSchema(),
		logger:        nopLogger,
		threads:       make(map[string]*threadEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CodeActHandler returns the model handler the CodeGen sub-agent should
// use: the runtime's chain wrapped with the CODEACT-phase model hooks.
func (r *Runtime) CodeActHandler() ModelHandler {
	return func(ctx context.Context, req ModelRequest) (ModelResponse, error) {
		st := turnStateFromContext(ctx)
		if st != nil {
			hc := &HookContext{State: st, Request: &req}
			if err := r.hooks.Run(ctx, BeforeModel, PhaseCodeAct, hc); err != nil {
				return ModelResponse{}, err
			}
		}
		resp, err := r.model(ctx, req)
		if err != nil {
			return ModelResponse{}, err
		}
		if st != nil {
			hc := &HookContext{State: st, Request: &req, Response: &resp}
			if err := r.hooks.Run(ctx, AfterModel, PhaseCodeAct, hc); err != nil {
				return ModelResponse{}, err
			}
		}
		return resp, nil
	}
}

// Respond runs one conversation turn. On failure the returned
// TurnResult carries a user-facing message with no internals.
func (r *Runtime) Respond(ctx context.Context, threadID, input string) (TurnResult, error) {
	if threadID == "" {
		threadID = NewID()
	}
	entry := r.thread(threadID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	ctx = WithThreadID(ctx, threadID)
	st, err := r.loadState(ctx, entry, threadID)
	if err != nil {
		return TurnResult{Reply: UserFacingMessage(err)}, err
	}
	ctx = withTurnState(ctx, st)

	r.emit(Event{Kind: EventTurnStart, ThreadID: threadID, At: time.Now(),
		Detail: map[string]any{"input_len": len(input)}})

	st.Apply(Delta{KeyInput: input, KeyMessages: UserMessage(input)})

	result, err := r.runTurn(ctx, st)
	if err != nil {
		r.emit(Event{Kind: EventTurnError, ThreadID: threadID, At: time.Now(),
			Detail: map[string]any{"error": err.Error()}})
		r.logger.Error("turn failed", "thread", threadID, "error", err)
		return TurnResult{Reply: UserFacingMessage(err)}, err
	}

	result.Messages = st.Messages()
	r.learn(ctx, st)
	r.emit(Event{Kind: EventTurnEnd, ThreadID: threadID, At: time.Now(),
		Detail: map[string]any{"reply_len": len(result.Reply), "fast_intent": result.FastIntent}})
	return result, nil
}

// turnTracker accumulates loop-spanning turn outputs.
type turnTracker struct {
	mu         sync.Mutex
	reply      string
	usage      Usage
	done       bool
	fastIntent bool
	eval       EvaluationResult
}

func (t *turnTracker) finish(reply string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reply = reply
	t.done = true
}

// runTurn drives the React loop: the first iteration runs the full
// evaluate -> before_agent -> model -> tool graph; later iterations run
// model -> tool until the model stops calling tools.
func (r *Runtime) runTurn(ctx context.Context, st *State) (TurnResult, error) {
	tracker := &turnTracker{}

	var invokeOpts []InvokeOption
	if r.saver != nil {
		invokeOpts = append(invokeOpts, WithCheckpointSaver(r.saver))
	}
	invokeOpts = append(invokeOpts, WithGraphLogger(r.logger))

	for i := 0; i < r.maxIterations; i++ {
		g, err := r.iterationGraph(i == 0, tracker)
		if err != nil {
			return TurnResult{}, err
		}
		if _, err := g.Invoke(ctx, st, invokeOpts...); err != nil {
			return TurnResult{}, err
		}
		if tracker.done {
			break
		}
		// A fast-intent turn ends after its injected plan runs; the
		// model is never called.
		if tracker.fastIntent {
			tracker.done = true
			break
		}
	}

	if tracker.fastIntent && tracker.reply == "" {
		msgs := st.Messages()
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Name == fastIntentSentinel {
				tracker.reply = msgs[i].Content
				break
			}
		}
	}

	hc := &HookContext{State: st}
	if err := r.hooks.Run(ctx, AfterAgent, PhaseReact, hc); err != nil {
		return TurnResult{}, err
	}

	if !tracker.done && tracker.reply == "" {
		tracker.reply = "I could not finish this request within the allowed number of steps."
	}
	return TurnResult{Reply: tracker.reply, Usage: tracker.usage, FastIntent: tracker.fastIntent}, nil
}

// iterationGraph builds the per-iteration state graph. jump_to targets
// name these nodes: a hook jumping to "tool" skips the model node.
func (r *Runtime) iterationGraph(first bool, tracker *turnTracker) (*Graph, error) {
	b := NewGraph()
	if first {
		b.AddNode("evaluate", r.evaluateNode(tracker))
		b.AddNode("before_agent", r.beforeAgentNode(tracker))
		b.AddEdge(Start, "evaluate")
		b.AddEdge("evaluate", "before_agent")
		b.AddEdge("before_agent", JumpModel)
	} else {
		b.AddEdge(Start, JumpModel)
	}
	b.AddNode(JumpModel, r.modelNode(tracker))
	b.AddNode(JumpTool, r.toolNode(tracker))
	b.AddEdge(JumpModel, JumpTool)
	b.AddEdge(JumpTool, End)
	return b.Compile()
}

// evaluateNode runs the configured suite and records its result.
func (r *Runtime) evaluateNode(tracker *turnTracker) NodeFunc {
	return func(ctx context.Context, st *State) (Delta, error) {
		if r.evaluation == nil || r.suite == nil {
			return nil, nil
		}
		eval, err := r.evaluation.Run(ctx, *r.suite, r.evalInput(st), st)
		if err != nil {
			return nil, err
		}
		tracker.mu.Lock()
		tracker.eval = eval
		tracker.mu.Unlock()
		return nil, nil
	}
}

// evalInput builds the suite's input context from the turn state.
func (r *Runtime) evalInput(st *State) map[string]any {
	toolNames := make([]any, 0)
	for _, t := range r.dispatcher.Tools() {
		toolNames = append(toolNames, t.Name)
	}
	return map[string]any{
		"input": map[string]any{
			"text":  st.Input(),
			"tools": toolNames,
		},
	}
}

// beforeAgentNode runs the BEFORE_AGENT hooks (fast-intent included).
func (r *Runtime) beforeAgentNode(tracker *turnTracker) NodeFunc {
	return func(ctx context.Context, st *State) (Delta, error) {
		hc := &HookContext{State: st}
		if err := r.hooks.Run(ctx, BeforeAgent, PhaseReact, hc); err != nil {
			return nil, err
		}
		if st.GetString(KeyJumpTo) == JumpTool {
			tracker.mu.Lock()
			tracker.fastIntent = true
			tracker.mu.Unlock()
			r.emit(Event{Kind: EventFastIntent, ThreadID: st.ThreadID(), At: time.Now()})
		}
		return nil, nil
	}
}

// modelNode assembles the request, runs the model hooks and the
// interceptor chain, and appends the assistant message.
func (r *Runtime) modelNode(tracker *turnTracker) NodeFunc {
	return func(ctx context.Context, st *State) (Delta, error) {
		req := ModelRequest{Tools: r.dispatcher.Definitions()}
		if r.systemPrompt != "" {
			req.Messages = append(req.Messages, SystemMessage(r.systemPrompt))
		}
		req.Messages = append(req.Messages, st.Messages()...)

		if r.assembler != nil {
			tracker.mu.Lock()
			eval := tracker.eval
			tracker.mu.Unlock()
			if err := r.assembler.Assemble(ctx, PhaseReact, eval, st, &req); err != nil {
				return nil, err
			}
		}

		hc := &HookContext{State: st, Request: &req}
		if err := r.hooks.Run(ctx, BeforeModel, PhaseReact, hc); err != nil {
			return nil, err
		}

		r.emit(Event{Kind: EventModelCall, ThreadID: st.ThreadID(), At: time.Now(),
			Detail: map[string]any{"messages": len(req.Messages)}})
		resp, err := r.model(ctx, req)
		if err != nil {
			var halt *ErrHalt
			if errors.As(err, &halt) {
				tracker.finish(halt.Response)
				return Delta{KeyMessages: AssistantMessage(halt.Response), KeyJumpTo: End}, nil
			}
			return nil, err
		}

		after := &HookContext{State: st, Request: &req, Response: &resp}
		if err := r.hooks.Run(ctx, AfterModel, PhaseReact, after); err != nil {
			return nil, err
		}

		tracker.mu.Lock()
		tracker.usage.Add(resp.Usage)
		tracker.mu.Unlock()

		if len(resp.ToolCalls) == 0 {
			tracker.finish(resp.Content)
			return Delta{KeyMessages: AssistantMessage(resp.Content), KeyJumpTo: End}, nil
		}
		return Delta{KeyMessages: AssistantToolCalls(resp.Content, resp.ToolCalls...)}, nil
	}
}

// toolNode dispatches the pending tool calls of the trailing assistant
// message, emitting exactly one ToolResponse per tool_call_id.
func (r *Runtime) toolNode(tracker *turnTracker) NodeFunc {
	return func(ctx context.Context, st *State) (Delta, error) {
		calls := pendingToolCalls(st.Messages())
		if len(calls) == 0 {
			tracker.mu.Lock()
			if !tracker.done && tracker.reply == "" {
				// A jump landed here with nothing to run; end the turn.
				tracker.done = true
			}
			tracker.mu.Unlock()
			return Delta{KeyJumpTo: End}, nil
		}

		responses := make([]Message, 0, len(calls))
		for i := range calls {
			call := calls[i]
			hc := &HookContext{State: st, Call: &call}
			if err := r.hooks.Run(ctx, ToolIntercept, PhaseReact, hc); err != nil {
				return nil, err
			}
			r.emit(Event{Kind: EventToolCall, ThreadID: st.ThreadID(), At: time.Now(),
				Detail: map[string]any{"tool": call.Name}})
			dr := r.dispatcher.Dispatch(ctx, call)
			responses = append(responses, ToolResponseMessage(call.ID, call.Name, dr.Content))
		}
		return Delta{KeyMessages: responses}, nil
	}
}

// pendingToolCalls returns the trailing assistant message's calls that
// have no ToolResponse yet.
func pendingToolCalls(messages []Message) []ToolCall {
	answered := make(map[string]bool)
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		switch m.Role {
		case RoleTool:
			answered[m.ToolCallID] = true
		case RoleAssistant:
			var pending []ToolCall
			for _, tc := range m.ToolCalls {
				if !answered[tc.ID] {
					pending = append(pending, tc)
				}
			}
			return pending
		case RoleUser:
			return nil
		}
	}
	return nil
}

// learn runs the extractor and persists what it finds. Failures are
// logged, never surfaced to the turn.
func (r *Runtime) learn(ctx context.Context, st *State) {
	if r.learningExtractor == nil {
		return
	}
	experiences, err := r.learningExtractor.Extract(ctx, st)
	if err != nil {
		r.logger.Warn("learning extraction failed", "thread", st.ThreadID(), "error", err)
		return
	}
	for _, exp := range experiences {
		saved := exp
		if r.experiences != nil {
			if saved, err = r.experiences.Save(ctx, exp); err != nil {
				r.logger.Warn("experience save failed", "thread", st.ThreadID(), "error", err)
				continue
			}
		}
		if r.learningRepo != nil {
			rec := LearningRecord{ID: NewID(), ThreadID: st.ThreadID(), Experience: saved, CreatedAt: NowUnix()}
			if err := r.learningRepo.Persist(ctx, rec); err != nil {
				r.logger.Warn("learning persist failed", "thread", st.ThreadID(), "error", err)
			}
		}
	}
}

func (r *Runtime) thread(threadID string) *threadEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.threads[threadID]
	if !ok {
		entry = &threadEntry{}
		r.threads[threadID] = entry
	}
	return entry
}

// loadState returns the thread's live state, restoring it from the
// latest checkpoint on first contact when a saver is configured.
func (r *Runtime) loadState(ctx context.Context, entry *threadEntry, threadID string) (*State, error) {
	if entry.state != nil {
		return entry.state, nil
	}
	st := NewState(threadID, r.schema)
	if r.saver != nil {
		cp, err := r.saver.Latest(ctx, threadID)
		if err == nil && len(cp.StateBlob) > 0 {
			if err := restoreFromBlob(st, cp.StateBlob); err != nil {
				r.logger.Warn("checkpoint restore failed", "thread", threadID, "error", err)
			}
		}
	}
	entry.state = st
	return st, nil
}

// restoreFromBlob rebuilds state values from a checkpoint blob,
// re-typing the message history.
func restoreFromBlob(st *State, blob []byte) error {
	var values map[string]json.RawMessage
	if err := json.Unmarshal(blob, &values); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}
	snapshot := make(map[string]any, len(values))
	for k, raw := range values {
		if k == KeyMessages {
			var msgs []Message
			if err := json.Unmarshal(raw, &msgs); err != nil {
				return fmt.Errorf("decode checkpoint messages: %w", err)
			}
			snapshot[k] = msgs
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode checkpoint key %s: %w", k, err)
		}
		snapshot[k] = v
	}
	st.restore(snapshot)
	return nil
}

func (r *Runtime) emit(ev Event) {
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}

// UserFacingMessage maps an internal error to text safe to show a user:
// no stack traces, no component internals.
func UserFacingMessage(err error) string {
	var timeout *ErrTimeout
	var cancelled *ErrCancelled
	var invalid *ErrInvalidInput
	switch {
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return "The request took too long and was stopped. Please try again."
	case errors.As(err, &cancelled), errors.Is(err, context.Canceled):
		return "The request was cancelled."
	case errors.As(err, &invalid):
		return "The request could not be understood: " + invalid.Reason
	default:
		return "Something went wrong while handling the request. Please try again."
	}
}

// turn state travels on the context so the CodeAct handler can reach it
// from inside a tool dispatch.
const turnStateKey contextKey = 1

func withTurnState(ctx context.Context, st *State) context.Context {
	return context.WithValue(ctx, turnStateKey, st)
}

func turnStateFromContext(ctx context.Context) *State {
	st, _ := ctx.Value(turnStateKey).(*State)
	return st
}
