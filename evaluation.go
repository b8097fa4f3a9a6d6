package acton

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CriterionExecutionContext is the frozen view a single evaluator call
// sees: the criterion, the suite input, dependency results snapshotted
// before the call, and any extra bindings (batch slices among them).
type CriterionExecutionContext struct {
	Criterion    Criterion
	Input        map[string]any
	Dependencies map[string]CriterionResult
	Bindings     map[string]any
}

// Evaluator produces a value for one criterion (or one batch).
type Evaluator interface {
	Evaluate(ctx context.Context, ec CriterionExecutionContext) (CriterionResult, error)
}

// RuleEvaluator adapts a host-supplied pure function to Evaluator.
type RuleEvaluator func(ctx context.Context, ec CriterionExecutionContext) (any, error)

func (f RuleEvaluator) Evaluate(ctx context.Context, ec CriterionExecutionContext) (CriterionResult, error) {
	v, err := f(ctx, ec)
	if err != nil {
		return CriterionResult{}, err
	}
	return CriterionResult{Status: StatusSuccess, Value: v}, nil
}

// EvaluatorRegistry resolves evaluators by string id.
type EvaluatorRegistry struct {
	mu         sync.RWMutex
	evaluators map[string]Evaluator
}

// NewEvaluatorRegistry creates an empty registry.
func NewEvaluatorRegistry() *EvaluatorRegistry {
	return &EvaluatorRegistry{evaluators: make(map[string]Evaluator)}
}

// Register adds an evaluator under an id.
func (r *EvaluatorRegistry) Register(id string, e Evaluator) error {
	if id == "" {
		return &ErrInvalidInput{What: "evaluator", Reason: "empty id"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.evaluators[id]; dup {
		return &ErrConflict{Reason: fmt.Sprintf("evaluator %q already registered", id)}
	}
	r.evaluators[id] = e
	return nil
}

// Resolve looks up an evaluator by id.
func (r *EvaluatorRegistry) Resolve(id string) (Evaluator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.evaluators[id]
	return e, ok
}

// --- LLM-based evaluator ---

// LLMEvaluator assembles a prompt from criterion metadata and bindings,
// invokes the model handler, and parses the reply per result_type.
type LLMEvaluator struct {
	handler ModelHandler
}

// NewLLMEvaluator wraps a model handler as an evaluator.
func NewLLMEvaluator(handler ModelHandler) *LLMEvaluator {
	return &LLMEvaluator{handler: handler}
}

func (e *LLMEvaluator) Evaluate(ctx context.Context, ec CriterionExecutionContext) (CriterionResult, error) {
	prompt := buildEvaluatorPrompt(ec)
	resp, err := e.handler(ctx, ModelRequest{Messages: []Message{
		SystemMessage(prompt.system),
		UserMessage(prompt.user),
	}})
	if err != nil {
		return CriterionResult{}, err
	}
	value, err := parseEvaluatorReply(ec.Criterion, resp.Content)
	if err != nil {
		return CriterionResult{}, fmt.Errorf("parse %s reply: %w", ec.Criterion.Name, err)
	}
	res := CriterionResult{Status: StatusSuccess, Value: value, RawResponse: resp.Content}
	if ids := experienceIDs(ec.Bindings); len(ids) > 0 {
		res.Metadata = map[string]any{"experience_ids": ids}
	}
	return res, nil
}

type evaluatorPrompt struct {
	system string
	user   string
}

// buildEvaluatorPrompt renders the criterion's prompt material plus the
// bindings as a deterministic text block.
func buildEvaluatorPrompt(ec CriterionExecutionContext) evaluatorPrompt {
	c := ec.Criterion
	var sys strings.Builder
	if c.CustomPrompt != "" {
		sys.WriteString(c.CustomPrompt)
	} else {
		fmt.Fprintf(&sys, "You evaluate the criterion %q and answer with a %s value.", c.Name, c.ResultType)
	}
	if c.WorkingMechanism != "" {
		sys.WriteString("\n\n")
		sys.WriteString(c.WorkingMechanism)
	}
	for _, shot := range c.FewShots {
		sys.WriteString("\n\nExample:\n")
		sys.WriteString(shot)
	}
	if c.ResultType == ResultEnum && len(c.EnumOptions) > 0 {
		fmt.Fprintf(&sys, "\n\nAnswer with exactly one of: %s.", strings.Join(c.EnumOptions, ", "))
	}

	var usr strings.Builder
	keys := make([]string, 0, len(ec.Bindings))
	for k := range ec.Bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		blob, err := json.Marshal(ec.Bindings[k])
		if err != nil {
			blob = []byte(fmt.Sprint(ec.Bindings[k]))
		}
		fmt.Fprintf(&usr, "%s: %s\n", k, blob)
	}
	if usr.Len() == 0 {
		usr.WriteString("(no bindings)")
	}
	return evaluatorPrompt{system: sys.String(), user: usr.String()}
}

// experienceIDs extracts ids when a binding carries retrieved experiences.
func experienceIDs(bindings map[string]any) []string {
	exps, ok := bindings["experiences"].([]Experience)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(exps))
	for _, e := range exps {
		ids = append(ids, e.ID)
	}
	return ids
}

// parseEvaluatorReply converts the model's raw text into a typed value.
func parseEvaluatorReply(c Criterion, content string) (any, error) {
	text := strings.TrimSpace(content)
	switch c.ResultType {
	case ResultBoolean:
		lower := strings.ToLower(text)
		switch {
		case strings.Contains(lower, "true"):
			return true, nil
		case strings.Contains(lower, "false"):
			return false, nil
		}
		return nil, fmt.Errorf("no boolean in %q", text)
	case ResultEnum:
		for _, opt := range c.EnumOptions {
			if strings.Contains(strings.ToLower(text), strings.ToLower(opt)) {
				return opt, nil
			}
		}
		return nil, fmt.Errorf("no enum option in %q", text)
	case ResultScore:
		for _, field := range strings.Fields(strings.NewReplacer(",", " ", ":", " ").Replace(text)) {
			if f, err := strconv.ParseFloat(field, 64); err == nil {
				return f, nil
			}
		}
		return nil, fmt.Errorf("no number in %q", text)
	case ResultJSON:
		raw := text
		if stripped := stripCodeFences(text); stripped != "" {
			raw = stripped
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		return v, nil
	default:
		return text, nil
	}
}

// --- Suite compilation ---

// compiledSuite arranges criteria into longest-dependency-path levels.
// Criteria at the same level may run in parallel; the engine joins
// between levels so fan-in always converges before dependents start.
type compiledSuite struct {
	levels [][]*Criterion
}

// CompileSuite validates the criterion DAG and computes levels:
// level(c) = 0 without dependencies, else 1 + max(level(dep)).
func CompileSuite(suite Suite) (*compiledSuite, error) {
	byName := make(map[string]*Criterion, len(suite.Criteria))
	for i := range suite.Criteria {
		c := &suite.Criteria[i]
		if c.Name == "" {
			return nil, &ErrInvalidInput{What: "criterion", Reason: "empty name"}
		}
		if _, dup := byName[c.Name]; dup {
			return nil, &ErrInvalidInput{What: "suite", Reason: fmt.Sprintf("duplicate criterion %q", c.Name)}
		}
		byName[c.Name] = c
	}
	for _, c := range suite.Criteria {
		for _, dep := range c.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, &ErrInvalidInput{What: "criterion " + c.Name, Reason: fmt.Sprintf("unknown dependency %q", dep)}
			}
		}
	}

	inDegree := make(map[string]int, len(byName))
	dependents := make(map[string][]string)
	for name, c := range byName {
		inDegree[name] = len(c.DependsOn)
		for _, dep := range c.DependsOn {
			dependents[dep] = append(dependents[dep], name)
		}
	}
	level := make(map[string]int, len(byName))
	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[name] {
			if l := level[name] + 1; l > level[dep] {
				level[dep] = l
			}
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(byName) {
		return nil, &ErrInvalidInput{What: "suite", Reason: "cycle detected"}
	}

	maxLevel := 0
	for _, l := range level {
		if l > maxLevel {
			maxLevel = l
		}
	}
	levels := make([][]*Criterion, maxLevel+1)
	for i := range suite.Criteria {
		c := &suite.Criteria[i]
		levels[level[c.Name]] = append(levels[level[c.Name]], c)
	}
	for _, lvl := range levels {
		sort.Slice(lvl, func(i, j int) bool { return lvl[i].Name < lvl[j].Name })
	}
	return &compiledSuite{levels: levels}, nil
}

// Levels exposes criterion names per level for tests and introspection.
func (cs *compiledSuite) Levels() [][]string {
	out := make([][]string, len(cs.levels))
	for i, lvl := range cs.levels {
		for _, c := range lvl {
			out[i] = append(out[i], c.Name)
		}
	}
	return out
}

// --- Engine ---

// EvaluationStatistics summarises one suite run.
type EvaluationStatistics struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Errored   int           `json:"errored"`
	TimedOut  int           `json:"timed_out"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
}

// EvaluationResult is the outcome of a full suite run.
type EvaluationResult struct {
	SuiteID    string                     `json:"suite_id"`
	Criteria   map[string]CriterionResult `json:"criteria_results"`
	Statistics EvaluationStatistics       `json:"statistics"`
}

// ResultStore keeps finished suite results addressable by suite id so
// downstream hooks can read prior runs.
type ResultStore struct {
	mu      sync.RWMutex
	results map[string]EvaluationResult
}

// NewResultStore creates an empty store.
func NewResultStore() *ResultStore {
	return &ResultStore{results: make(map[string]EvaluationResult)}
}

// Get returns the latest result for a suite.
func (s *ResultStore) Get(suiteID string) (EvaluationResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[suiteID]
	return r, ok
}

func (s *ResultStore) put(r EvaluationResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.SuiteID] = r
}

const defaultEvalWorkers = 4

// EvaluationEngine runs compiled suites.
type EvaluationEngine struct {
	evaluators       *EvaluatorRegistry
	aggregations     *AggregationRegistry
	results          *ResultStore
	maxWorkers       int
	criterionTimeout time.Duration
	logger           *slog.Logger
}

// EngineOption configures an EvaluationEngine.
type EngineOption func(*EvaluationEngine)

// WithEvalWorkers bounds per-level criterion parallelism.
func WithEvalWorkers(n int) EngineOption {
	return func(e *EvaluationEngine) { e.maxWorkers = n }
}

// WithCriterionTimeout bounds each evaluator call. A criterion running
// past the bound ends with StatusTimeout instead of stalling its level.
// Zero means no bound.
func WithCriterionTimeout(d time.Duration) EngineOption {
	return func(e *EvaluationEngine) { e.criterionTimeout = d }
}

// WithAggregations overrides the aggregation registry.
func WithAggregations(r *AggregationRegistry) EngineOption {
	return func(e *EvaluationEngine) { e.aggregations = r }
}

// WithResultStore overrides the result store facade.
func WithResultStore(s *ResultStore) EngineOption {
	return func(e *EvaluationEngine) { e.results = s }
}

// WithEvalLogger sets the structured logger.
func WithEvalLogger(l *slog.Logger) EngineOption {
	return func(e *EvaluationEngine) { e.logger = l }
}

// NewEvaluationEngine creates an engine over the given evaluators.
func NewEvaluationEngine(evaluators *EvaluatorRegistry, opts ...EngineOption) *EvaluationEngine {
	e := &EvaluationEngine{
		evaluators:   evaluators,
		aggregations: NewAggregationRegistry(),
		results:      NewResultStore(),
		maxWorkers:   defaultEvalWorkers,
		logger:       nopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Results exposes the store facade.
func (e *EvaluationEngine) Results() *ResultStore { return e.results }

// Run executes a suite against the input context. Every criterion ends
// in a terminal status; per-criterion results are written to state (when
// st is non-nil) with status and value in one atomic delta. The run as a
// whole only errors on compilation failure or cancellation.
func (e *EvaluationEngine) Run(ctx context.Context, suite Suite, input map[string]any, st *State) (EvaluationResult, error) {
	compiled, err := CompileSuite(suite)
	if err != nil {
		return EvaluationResult{}, err
	}

	start := time.Now()
	results := make(map[string]CriterionResult, len(suite.Criteria))
	var resultsMu sync.Mutex

	for _, lvl := range compiled.levels {
		if ctx.Err() != nil {
			return EvaluationResult{}, &ErrCancelled{Op: "evaluation run"}
		}

		// Frozen snapshot of everything finished so far.
		resultsMu.Lock()
		deps := make(map[string]CriterionResult, len(results))
		for k, v := range results {
			deps[k] = v
		}
		resultsMu.Unlock()

		sem := make(chan struct{}, e.maxWorkers)
		var wg sync.WaitGroup
		for _, c := range lvl {
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				res := e.runCriterion(ctx, suite, *c, input, deps)
				res.Criterion = c.Name
				resultsMu.Lock()
				results[c.Name] = res
				resultsMu.Unlock()
				if st != nil {
					st.Apply(Delta{
						CriterionResultKey(c.Name): res,
						CriterionStatusKey(c.Name): string(res.Status),
						CriterionValueKey(c.Name):  res.Value,
					})
				}
			}()
		}
		wg.Wait()
	}

	stats := EvaluationStatistics{Total: len(results), Duration: time.Since(start)}
	for _, r := range results {
		switch r.Status {
		case StatusSuccess:
			stats.Succeeded++
		case StatusError:
			stats.Errored++
		case StatusTimeout:
			stats.TimedOut++
		case StatusSkipped:
			stats.Skipped++
		}
	}
	out := EvaluationResult{SuiteID: suite.ID, Criteria: results, Statistics: stats}
	e.results.put(out)
	e.logger.Info("evaluation finished", "suite", suite.ID,
		"total", stats.Total, "errored", stats.Errored, "skipped", stats.Skipped,
		"duration", stats.Duration)
	return out, nil
}

// runCriterion executes one criterion to a terminal status. Failures are
// folded into the result; this function never panics the run.
func (e *EvaluationEngine) runCriterion(ctx context.Context, suite Suite, c Criterion, input map[string]any, deps map[string]CriterionResult) CriterionResult {
	started := time.Now()
	res := e.evalCriterion(ctx, suite, c, input, deps)
	res.StartedAt = started
	res.FinishedAt = time.Now()
	return res
}

func (e *EvaluationEngine) evalCriterion(ctx context.Context, suite Suite, c Criterion, input map[string]any, deps map[string]CriterionResult) CriterionResult {
	// Dependencies must have resolved successfully (or been skipped with
	// a default) before this criterion may run.
	for _, dep := range c.DependsOn {
		dr, ok := deps[dep]
		if !ok {
			return CriterionResult{Status: StatusError, Reason: fmt.Sprintf("unresolved dependency %q", dep)}
		}
		if dr.Status == StatusError || dr.Status == StatusTimeout {
			err := &ErrDependencyFailed{Criterion: c.Name, Dependency: dep}
			return CriterionResult{Status: StatusError, Reason: err.Error()}
		}
	}

	// Required context bindings.
	bindings := make(map[string]any, len(c.ContextBindings)+1)
	for _, name := range c.ContextBindings {
		v, ok := navigate(input, strings.Split(name, "."))
		if !ok {
			return CriterionResult{Status: StatusSkipped, Reason: fmt.Sprintf("missing required binding %q", name)}
		}
		bindings[name] = v
	}

	// Conditional gate.
	if c.Conditional != nil {
		dr, ok := deps[c.Conditional.DependsOn]
		if !ok {
			return CriterionResult{Status: StatusError, Reason: fmt.Sprintf("conditional dependency %q not evaluated", c.Conditional.DependsOn)}
		}
		met, err := c.Conditional.met(dr.Value)
		if err != nil {
			return CriterionResult{Status: StatusError, Reason: err.Error()}
		}
		if !met {
			return CriterionResult{Status: StatusSkipped, Value: c.Conditional.Default, Reason: c.Conditional.SkipReason}
		}
	}

	evaluator, reason := e.resolveEvaluator(suite, c)
	if evaluator == nil {
		return CriterionResult{Status: StatusError, Reason: reason}
	}

	ec := CriterionExecutionContext{Criterion: c, Input: input, Dependencies: deps, Bindings: bindings}

	if c.Batching != nil && c.Batching.Enabled {
		return e.runBatched(ctx, evaluator, ec)
	}
	return e.invoke(ctx, evaluator, ec)
}

func (e *EvaluationEngine) resolveEvaluator(suite Suite, c Criterion) (Evaluator, string) {
	ref := c.EvaluatorRef
	if ref == "" {
		ref = suite.DefaultEvaluatorRef
	}
	if ref == "" {
		return nil, fmt.Sprintf("criterion %q has no evaluator and the suite has no default", c.Name)
	}
	ev, ok := e.evaluators.Resolve(ref)
	if !ok {
		if ref != c.EvaluatorRef && c.EvaluatorRef != "" {
			return nil, fmt.Sprintf("evaluator %q not registered", c.EvaluatorRef)
		}
		return nil, fmt.Sprintf("evaluator %q not registered", ref)
	}
	return ev, ""
}

// invoke calls the evaluator and maps its error into a terminal status.
func (e *EvaluationEngine) invoke(ctx context.Context, ev Evaluator, ec CriterionExecutionContext) CriterionResult {
	if e.criterionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.criterionTimeout)
		defer cancel()
	}
	res, err := ev.Evaluate(ctx, ec)
	if err != nil {
		var timeout *ErrTimeout
		if errors.As(err, &timeout) || errors.Is(err, context.DeadlineExceeded) {
			return CriterionResult{Status: StatusTimeout, Reason: err.Error()}
		}
		return CriterionResult{Status: StatusError, Reason: err.Error()}
	}
	if res.Status == "" {
		res.Status = StatusSuccess
	}
	return res
}

// runBatched splits the source collection into batches and evaluates
// them under a semaphore of max_concurrent_batches, then aggregates.
func (e *EvaluationEngine) runBatched(ctx context.Context, ev Evaluator, ec CriterionExecutionContext) CriterionResult {
	cfg := ec.Criterion.Batching
	collection, err := resolveSourcePath(cfg.SourcePath, ec)
	if err != nil {
		return CriterionResult{Status: StatusError, Reason: err.Error()}
	}

	strategy, ok := e.aggregations.Resolve(cfg.AggregationStrategy)
	if !ok {
		return CriterionResult{Status: StatusError, Reason: fmt.Sprintf("unknown aggregation strategy %q", cfg.AggregationStrategy)}
	}

	size := cfg.BatchSize
	if size <= 0 {
		size = 1
	}
	var batches [][]any
	for i := 0; i < len(collection); i += size {
		end := min(i+size, len(collection))
		batches = append(batches, collection[i:end])
	}

	concurrency := cfg.MaxConcurrentBatches
	if concurrency <= 0 {
		concurrency = 1
	}
	bindingKey := cfg.BatchBindingKey
	if bindingKey == "" {
		bindingKey = "batch"
	}

	results := make([]CriterionResult, len(batches))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, batch := range batches {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			bec := ec
			bec.Bindings = make(map[string]any, len(ec.Bindings)+1)
			for k, v := range ec.Bindings {
				bec.Bindings[k] = v
			}
			bec.Bindings[bindingKey] = batch
			results[i] = e.invoke(ctx, ev, bec)
		}()
	}
	wg.Wait()

	return strategy.Aggregate(results)
}

// resolveSourcePath reads a collection from the execution context.
// Supported roots: "context." navigates the input context,
// "dependencies.<name>.value" (with further dotted navigation) reads a
// dependency result.
func resolveSourcePath(path string, ec CriterionExecutionContext) ([]any, error) {
	segs := strings.Split(path, ".")
	if len(segs) < 2 {
		return nil, &ErrInvalidInput{What: "source_path", Reason: fmt.Sprintf("malformed path %q", path)}
	}
	var v any
	var ok bool
	switch segs[0] {
	case "context":
		v, ok = navigate(ec.Input, segs[1:])
	case "dependencies":
		if len(segs) < 3 || segs[2] != "value" {
			return nil, &ErrInvalidInput{What: "source_path", Reason: fmt.Sprintf("dependency path %q must address .value", path)}
		}
		dr, found := ec.Dependencies[segs[1]]
		if !found {
			return nil, &ErrInvalidInput{What: "source_path", Reason: fmt.Sprintf("unknown dependency %q", segs[1])}
		}
		if len(segs) == 3 {
			v, ok = dr.Value, true
		} else {
			v, ok = navigate(dr.Value, segs[3:])
		}
	default:
		return nil, &ErrInvalidInput{What: "source_path", Reason: fmt.Sprintf("unknown root %q", segs[0])}
	}
	if !ok {
		return nil, &ErrInvalidInput{What: "source_path", Reason: fmt.Sprintf("path %q not found", path)}
	}
	list, err := asList(v)
	if err != nil {
		return nil, &ErrInvalidInput{What: "source_path", Reason: fmt.Sprintf("path %q: %v", path, err)}
	}
	return list, nil
}

// navigate walks nested maps by dotted segments.
func navigate(v any, segs []string) (any, bool) {
	cur := v
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// asList coerces a resolved value into a []any collection.
func asList(v any) ([]any, error) {
	switch val := v.(type) {
	case []any:
		return val, nil
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("expected a collection, got %T", v)
	}
}
