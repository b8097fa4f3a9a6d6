package acton

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ScheduleMode selects how a trigger fires.
type ScheduleMode string

const (
	// ScheduleCron fires on a calendar expression.
	ScheduleCron ScheduleMode = "CRON"
	// ScheduleFixedDelay re-schedules delay-after-completion.
	ScheduleFixedDelay ScheduleMode = "FIXED_DELAY"
	// ScheduleFixedRate re-schedules at fixed wall-clock intervals.
	ScheduleFixedRate ScheduleMode = "FIXED_RATE"
	// ScheduleOneTime fires once at an absolute instant.
	ScheduleOneTime ScheduleMode = "ONE_TIME"
)

// TriggerStatus is the lifecycle state of a trigger.
type TriggerStatus string

const (
	TriggerPendingActivate TriggerStatus = "PENDING_ACTIVATE"
	TriggerActive          TriggerStatus = "ACTIVE"
	TriggerPaused          TriggerStatus = "PAUSED"
	TriggerCanceled        TriggerStatus = "CANCELED"
)

// allowedTransitions is the trigger status graph. CANCELED is terminal.
var allowedTransitions = map[TriggerStatus][]TriggerStatus{
	TriggerPendingActivate: {TriggerActive},
	TriggerActive:          {TriggerPaused},
	TriggerPaused:          {TriggerActive, TriggerCanceled},
}

// ValidTransition reports whether from may move to to.
func ValidTransition(from, to TriggerStatus) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Trigger is a persisted directive that re-invokes the agent (or a
// named generated function) on schedule.
type Trigger struct {
	TriggerID     string         `json:"trigger_id"`
	Name          string         `json:"name"`
	ScheduleMode  ScheduleMode   `json:"schedule_mode"`
	ScheduleValue string         `json:"schedule_value"`
	// ExecuteFunction names the generated function to run on fire.
	ExecuteFunction string `json:"execute_function"`
	// ConditionFunction, when set, names a condition function evaluated
	// first; the action only runs when it returns true.
	ConditionFunction string         `json:"condition_function,omitempty"`
	Parameters        map[string]any `json:"parameters,omitempty"`
	SourceType        string         `json:"source_type,omitempty"`
	SourceID          string         `json:"source_id,omitempty"`
	Status            TriggerStatus  `json:"status"`
	CreatedAt         int64          `json:"created_at"`
	UpdatedAt         int64          `json:"updated_at"`
}

// ExecutionStatus is the lifecycle state of one trigger execution.
type ExecutionStatus string

const (
	ExecPending  ExecutionStatus = "PENDING"
	ExecRunning  ExecutionStatus = "RUNNING"
	ExecSuccess  ExecutionStatus = "SUCCESS"
	ExecFailed   ExecutionStatus = "FAILED"
	ExecTimeout  ExecutionStatus = "TIMEOUT"
	ExecCanceled ExecutionStatus = "CANCELED"
)

// TriggerExecutionRecord logs one firing of a trigger.
type TriggerExecutionRecord struct {
	ExecutionID   string          `json:"execution_id"`
	TriggerID     string          `json:"trigger_id"`
	ThreadID      string          `json:"thread_id,omitempty"`
	ScheduledTime int64           `json:"scheduled_time"`
	StartTime     int64           `json:"start_time,omitempty"`
	EndTime       int64           `json:"end_time,omitempty"`
	Status        ExecutionStatus `json:"status"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	OutputSummary string          `json:"output_summary,omitempty"`
	RetryCount    int             `json:"retry_count"`
}

// TriggerInvoker runs a trigger's functions on a fresh thread id. The
// runtime supplies an implementation backed by the sandbox and the
// generated-function store.
type TriggerInvoker interface {
	// Condition evaluates the trigger's condition function.
	Condition(ctx context.Context, threadID string, t Trigger) (bool, error)
	// Execute runs the trigger's action and returns an output summary.
	Execute(ctx context.Context, threadID string, t Trigger) (string, error)
}

// --- In-memory repositories ---

// InMemoryTriggerRepository is the default TriggerRepository.
type InMemoryTriggerRepository struct {
	mu    sync.RWMutex
	items map[string]Trigger
}

// NewInMemoryTriggerRepository creates an empty repository.
func NewInMemoryTriggerRepository() *InMemoryTriggerRepository {
	return &InMemoryTriggerRepository{items: make(map[string]Trigger)}
}

func (r *InMemoryTriggerRepository) Save(_ context.Context, t Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[t.TriggerID] = t
	return nil
}

func (r *InMemoryTriggerRepository) FindByID(_ context.Context, id string) (Trigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.items[id]
	if !ok {
		return Trigger{}, &ErrNotFound{Kind: "trigger", ID: id}
	}
	return t, nil
}

func (r *InMemoryTriggerRepository) UpdateStatus(_ context.Context, id string, status TriggerStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.items[id]
	if !ok {
		return &ErrNotFound{Kind: "trigger", ID: id}
	}
	if !ValidTransition(t.Status, status) {
		return &ErrConflict{Reason: fmt.Sprintf("trigger %s: illegal transition %s -> %s", id, t.Status, status)}
	}
	t.Status = status
	t.UpdatedAt = NowUnix()
	r.items[id] = t
	return nil
}

func (r *InMemoryTriggerRepository) FindAll(_ context.Context) ([]Trigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Trigger, 0, len(r.items))
	for _, t := range r.items {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerID < out[j].TriggerID })
	return out, nil
}

func (r *InMemoryTriggerRepository) FindBySource(_ context.Context, sourceType, sourceID string) ([]Trigger, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Trigger
	for _, t := range r.items {
		if t.SourceType == sourceType && t.SourceID == sourceID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggerID < out[j].TriggerID })
	return out, nil
}

// InMemoryTriggerLog is the default TriggerExecutionLogRepository.
type InMemoryTriggerLog struct {
	mu    sync.RWMutex
	items map[string]TriggerExecutionRecord
	order []string
}

// NewInMemoryTriggerLog creates an empty log.
func NewInMemoryTriggerLog() *InMemoryTriggerLog {
	return &InMemoryTriggerLog{items: make(map[string]TriggerExecutionRecord)}
}

func (l *InMemoryTriggerLog) Save(_ context.Context, rec TriggerExecutionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.items[rec.ExecutionID]; !exists {
		l.order = append(l.order, rec.ExecutionID)
	}
	l.items[rec.ExecutionID] = rec
	return nil
}

func (l *InMemoryTriggerLog) Update(_ context.Context, rec TriggerExecutionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.items[rec.ExecutionID]; !ok {
		return &ErrNotFound{Kind: "trigger execution", ID: rec.ExecutionID}
	}
	l.items[rec.ExecutionID] = rec
	return nil
}

func (l *InMemoryTriggerLog) ListByTrigger(_ context.Context, triggerID string) ([]TriggerExecutionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []TriggerExecutionRecord
	for _, id := range l.order {
		if rec := l.items[id]; rec.TriggerID == triggerID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// --- Service ---

// TriggerService manages the trigger lifecycle and the fire path.
type TriggerService struct {
	repo    TriggerRepository
	log     TriggerExecutionLogRepository
	backend ExecutionBackend
	invoker TriggerInvoker

	execTimeout time.Duration
	maxRetries  int
	async       bool
	logger      *slog.Logger

	mu    sync.Mutex
	tasks map[string]string // trigger id -> backend task id
}

// TriggerServiceOption configures a TriggerService.
type TriggerServiceOption func(*TriggerService)

// WithExecTimeout bounds one trigger execution (default 60s).
func WithExecTimeout(d time.Duration) TriggerServiceOption {
	return func(s *TriggerService) { s.execTimeout = d }
}

// WithTriggerRetries sets retry attempts per firing (default 1, no retry).
func WithTriggerRetries(n int) TriggerServiceOption {
	return func(s *TriggerService) {
		if n >= 1 {
			s.maxRetries = n
		}
	}
}

// WithSyncFiring runs firings inline on the backend's scheduling
// goroutine instead of a fresh one.
func WithSyncFiring() TriggerServiceOption {
	return func(s *TriggerService) { s.async = false }
}

// WithTriggerLogger sets the structured logger.
func WithTriggerLogger(l *slog.Logger) TriggerServiceOption {
	return func(s *TriggerService) { s.logger = l }
}

// NewTriggerService wires the repositories, the backend, and the invoker.
func NewTriggerService(repo TriggerRepository, log TriggerExecutionLogRepository, backend ExecutionBackend, invoker TriggerInvoker, opts ...TriggerServiceOption) *TriggerService {
	s := &TriggerService{
		repo:        repo,
		log:         log,
		backend:     backend,
		invoker:     invoker,
		execTimeout: 60 * time.Second,
		maxRetries:  1,
		async:       true,
		logger:      nopLogger,
		tasks:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe persists a new trigger and activates it with the backend.
func (s *TriggerService) Subscribe(ctx context.Context, t Trigger) (Trigger, error) {
	if t.TriggerID == "" {
		t.TriggerID = NewID()
	}
	if t.ExecuteFunction == "" {
		return Trigger{}, &ErrInvalidInput{What: "trigger", Reason: "empty execute function"}
	}
	now := NowUnix()
	t.Status = TriggerPendingActivate
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := s.repo.Save(ctx, t); err != nil {
		return Trigger{}, &ErrExternalFailure{SPI: "trigger repository", Err: err}
	}
	if err := s.activate(ctx, &t); err != nil {
		return Trigger{}, err
	}
	s.logger.Info("trigger subscribed", "trigger", t.TriggerID, "mode", t.ScheduleMode)
	return t, nil
}

// Pause deactivates the backend task but keeps the definition.
func (s *TriggerService) Pause(ctx context.Context, id string) error {
	if err := s.repo.UpdateStatus(ctx, id, TriggerPaused); err != nil {
		return err
	}
	s.cancelTask(ctx, id)
	s.logger.Info("trigger paused", "trigger", id)
	return nil
}

// Resume re-activates a paused trigger.
func (s *TriggerService) Resume(ctx context.Context, id string) error {
	t, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != TriggerPaused {
		return &ErrConflict{Reason: fmt.Sprintf("trigger %s is %s, not PAUSED", id, t.Status)}
	}
	// activate transitions PAUSED -> ACTIVE.
	if err := s.activate(ctx, &t); err != nil {
		return err
	}
	s.logger.Info("trigger resumed", "trigger", id)
	return nil
}

// Unsubscribe cancels a trigger permanently. Active triggers pass
// through PAUSED on the way out, per the status graph.
func (s *TriggerService) Unsubscribe(ctx context.Context, id string) error {
	t, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == TriggerActive {
		if err := s.repo.UpdateStatus(ctx, id, TriggerPaused); err != nil {
			return err
		}
	}
	if err := s.repo.UpdateStatus(ctx, id, TriggerCanceled); err != nil {
		return err
	}
	s.cancelTask(ctx, id)
	s.logger.Info("trigger canceled", "trigger", id)
	return nil
}

// Executions returns the execution log for a trigger.
func (s *TriggerService) Executions(ctx context.Context, triggerID string) ([]TriggerExecutionRecord, error) {
	return s.log.ListByTrigger(ctx, triggerID)
}

// Restore re-activates all ACTIVE triggers after a restart.
func (s *TriggerService) Restore(ctx context.Context) error {
	all, err := s.repo.FindAll(ctx)
	if err != nil {
		return &ErrExternalFailure{SPI: "trigger repository", Err: err}
	}
	for _, t := range all {
		if t.Status != TriggerActive {
			continue
		}
		trig := t
		taskID, err := s.backend.Schedule(ctx, trig, func(fireCtx context.Context) { s.fire(fireCtx, trig) })
		if err != nil {
			s.logger.Error("trigger restore failed", "trigger", t.TriggerID, "error", err)
			continue
		}
		s.mu.Lock()
		s.tasks[t.TriggerID] = taskID
		s.mu.Unlock()
	}
	return nil
}

func (s *TriggerService) activate(ctx context.Context, t *Trigger) error {
	trig := *t
	taskID, err := s.backend.Schedule(ctx, trig, func(fireCtx context.Context) { s.fire(fireCtx, trig) })
	if err != nil {
		return &ErrExternalFailure{SPI: "execution backend", Err: err}
	}
	if err := s.repo.UpdateStatus(ctx, t.TriggerID, TriggerActive); err != nil {
		_ = s.backend.Cancel(ctx, taskID)
		return err
	}
	t.Status = TriggerActive
	s.mu.Lock()
	s.tasks[t.TriggerID] = taskID
	s.mu.Unlock()
	return nil
}

func (s *TriggerService) cancelTask(ctx context.Context, triggerID string) {
	s.mu.Lock()
	taskID, ok := s.tasks[triggerID]
	delete(s.tasks, triggerID)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.backend.Cancel(ctx, taskID); err != nil {
		s.logger.Warn("backend cancel failed", "trigger", triggerID, "error", err)
	}
}

// fire is the backend callback: it records a PENDING execution, runs the
// condition gate and the action on a fresh thread id, and finalizes the
// record. Retries increment retry_count.
func (s *TriggerService) fire(ctx context.Context, t Trigger) {
	run := func() {
		rec := TriggerExecutionRecord{
			ExecutionID:   NewID(),
			TriggerID:     t.TriggerID,
			ScheduledTime: NowUnix(),
			Status:        ExecPending,
		}
		if err := s.log.Save(ctx, rec); err != nil {
			s.logger.Error("execution record save failed", "trigger", t.TriggerID, "error", err)
			return
		}

		threadID := NewID()
		rec.ThreadID = threadID
		rec.StartTime = NowUnix()
		rec.Status = ExecRunning
		_ = s.log.Update(ctx, rec)

		execCtx, cancel := context.WithTimeout(ctx, s.execTimeout)
		defer cancel()

		summary, err := s.execute(execCtx, threadID, t, &rec)
		rec.EndTime = NowUnix()
		switch {
		case err == nil:
			rec.Status = ExecSuccess
			rec.OutputSummary = summary
		case isTimeout(err):
			rec.Status = ExecTimeout
			rec.ErrorMessage = err.Error()
		case errors.Is(execCtx.Err(), context.Canceled):
			rec.Status = ExecCanceled
			rec.ErrorMessage = err.Error()
		default:
			rec.Status = ExecFailed
			rec.ErrorMessage = err.Error()
		}
		if err := s.log.Update(ctx, rec); err != nil {
			s.logger.Error("execution record update failed", "trigger", t.TriggerID, "error", err)
		}
		s.logger.Info("trigger fired", "trigger", t.TriggerID,
			"execution", rec.ExecutionID, "status", rec.Status, "retries", rec.RetryCount)
	}
	if s.async {
		go run()
	} else {
		run()
	}
}

// execute runs the condition gate and the action, retrying failed
// actions up to the configured attempts.
func (s *TriggerService) execute(ctx context.Context, threadID string, t Trigger, rec *TriggerExecutionRecord) (string, error) {
	if t.ConditionFunction != "" {
		ok, err := s.invoker.Condition(ctx, threadID, t)
		if err != nil {
			return "", fmt.Errorf("condition %s: %w", t.ConditionFunction, err)
		}
		if !ok {
			return "condition not met", nil
		}
	}
	attempt := 0
	return Retry(ctx, "trigger "+t.TriggerID, func() (string, error) {
		if attempt > 0 {
			rec.RetryCount++
		}
		attempt++
		return s.invoker.Execute(ctx, threadID, t)
	}, RetryMaxAttempts(s.maxRetries), RetryBaseDelay(500*time.Millisecond), RetryLogger(s.logger))
}

// SandboxInvoker runs trigger functions through the sandbox, looking
// them up in the generated-function store of the conversation that
// created the trigger. The fresh thread id is carried on the context so
// re-entrant tool calls route correctly.
type SandboxInvoker struct {
	functions *FunctionStore
	sandbox   Sandbox
	dispatch  DispatchFunc
	limits    SandboxLimits
}

// NewSandboxInvoker wires the function store, the sandbox, and the
// dispatcher's dispatch function.
func NewSandboxInvoker(functions *FunctionStore, sandbox Sandbox, dispatch DispatchFunc, limits SandboxLimits) *SandboxInvoker {
	return &SandboxInvoker{functions: functions, sandbox: sandbox, dispatch: dispatch, limits: limits}
}

func (s *SandboxInvoker) run(ctx context.Context, threadID string, t Trigger, name string) (ExecuteResult, error) {
	fn, ok := s.functions.Get(t.SourceID, name)
	if !ok {
		return ExecuteResult{}, &ErrNotFound{Kind: "generated function", ID: name}
	}
	ctx = WithThreadID(ctx, threadID)
	return s.sandbox.Execute(ctx, ExecuteRequest{
		Source:       fn.Source,
		FunctionName: fn.Name,
		Args:         t.Parameters,
		Limits:       s.limits,
	}, s.dispatch)
}

// Condition evaluates the trigger's condition function to a boolean.
func (s *SandboxInvoker) Condition(ctx context.Context, threadID string, t Trigger) (bool, error) {
	res, err := s.run(ctx, threadID, t, t.ConditionFunction)
	if err != nil {
		return false, err
	}
	b, ok := res.Value.(bool)
	if !ok {
		return false, &ErrInvalidInput{What: "condition " + t.ConditionFunction, Reason: fmt.Sprintf("expected boolean result, got %T", res.Value)}
	}
	return b, nil
}

// Execute runs the trigger's action and summarises the result.
func (s *SandboxInvoker) Execute(ctx context.Context, threadID string, t Trigger) (string, error) {
	res, err := s.run(ctx, threadID, t, t.ExecuteFunction)
	if err != nil {
		return "", err
	}
	summary, err := json.Marshal(res.Value)
	if err != nil {
		return fmt.Sprint(res.Value), nil
	}
	return string(summary), nil
}

// isTimeout matches the runtime's timeout error kinds.
func isTimeout(err error) bool {
	var te *ErrTimeout
	return errors.As(err, &te) || errors.Is(err, context.DeadlineExceeded)
}
