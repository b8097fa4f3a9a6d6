package acton

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

func constEvaluator(v any) RuleEvaluator {
	return func(ctx context.Context, ec CriterionExecutionContext) (any, error) {
		return v, nil
	}
}

func newTestEngine(t *testing.T, evaluators map[string]Evaluator, opts ...EngineOption) *EvaluationEngine {
	t.Helper()
	reg := NewEvaluatorRegistry()
	for id, ev := range evaluators {
		if err := reg.Register(id, ev); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	return NewEvaluationEngine(reg, opts...)
}

func TestCompileSuiteLevels(t *testing.T) {
	cs, err := CompileSuite(Suite{ID: "s", Criteria: []Criterion{
		{Name: "d", DependsOn: []string{"b", "c"}},
		{Name: "b", DependsOn: []string{"a"}},
		{Name: "c", DependsOn: []string{"a"}},
		{Name: "a"},
	}})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	want := [][]string{{"a"}, {"b", "c"}, {"d"}}
	if !reflect.DeepEqual(cs.Levels(), want) {
		t.Errorf("unexpected levels %v", cs.Levels())
	}
}

func TestCompileSuiteRejectsCycleAndUnknownDep(t *testing.T) {
	var invalid *ErrInvalidInput
	_, err := CompileSuite(Suite{ID: "s", Criteria: []Criterion{
		{Name: "a", DependsOn: []string{"b"}},
		{Name: "b", DependsOn: []string{"a"}},
	}})
	if !errors.As(err, &invalid) {
		t.Errorf("expected cycle error, got %v", err)
	}

	_, err = CompileSuite(Suite{ID: "s", Criteria: []Criterion{
		{Name: "a", DependsOn: []string{"ghost"}},
	}})
	if !errors.As(err, &invalid) {
		t.Errorf("expected unknown dependency error, got %v", err)
	}
}

func TestRunWritesStateAndTimestamps(t *testing.T) {
	e := newTestEngine(t, map[string]Evaluator{"yes": constEvaluator(true)})
	st := NewState("t1", nil)

	res, err := e.Run(context.Background(), Suite{
		ID:                  "s",
		DefaultEvaluatorRef: "yes",
		Criteria:            []Criterion{{Name: "check", ResultType: ResultBoolean}},
	}, nil, st)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	cr := res.Criteria["check"]
	if cr.Status != StatusSuccess || cr.Value != true {
		t.Errorf("unexpected result %+v", cr)
	}
	if cr.StartedAt.IsZero() || cr.FinishedAt.Before(cr.StartedAt) {
		t.Errorf("timestamps not ordered: %+v", cr)
	}

	if st.GetString(CriterionStatusKey("check")) != string(StatusSuccess) {
		t.Errorf("status key not written")
	}
	if v, _ := st.Get(CriterionValueKey("check")); v != true {
		t.Errorf("value key not written, got %v", v)
	}
	if _, ok := st.Get(CriterionResultKey("check")); !ok {
		t.Errorf("result key not written")
	}

	if got, ok := e.Results().Get("s"); !ok || got.Statistics.Succeeded != 1 {
		t.Errorf("result store missing run: %+v ok=%v", got, ok)
	}
}

func TestRunCriterionTimeoutBound(t *testing.T) {
	e := newTestEngine(t, map[string]Evaluator{
		"slow": RuleEvaluator(func(ctx context.Context, ec CriterionExecutionContext) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}, WithCriterionTimeout(20*time.Millisecond))

	res, err := e.Run(context.Background(), Suite{ID: "s", Criteria: []Criterion{
		{Name: "stalls", EvaluatorRef: "slow"},
	}}, nil, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Criteria["stalls"].Status != StatusTimeout {
		t.Errorf("expected timeout status, got %+v", res.Criteria["stalls"])
	}
}

func TestRunDependencyFailurePropagates(t *testing.T) {
	e := newTestEngine(t, map[string]Evaluator{
		"fail": RuleEvaluator(func(ctx context.Context, ec CriterionExecutionContext) (any, error) {
			return nil, errors.New("boom")
		}),
		"ok": constEvaluator(true),
	})

	res, err := e.Run(context.Background(), Suite{ID: "s", Criteria: []Criterion{
		{Name: "first", EvaluatorRef: "fail"},
		{Name: "second", EvaluatorRef: "ok", DependsOn: []string{"first"}},
	}}, nil, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if res.Criteria["first"].Status != StatusError {
		t.Errorf("expected first ERROR, got %+v", res.Criteria["first"])
	}
	second := res.Criteria["second"]
	if second.Status != StatusError {
		t.Errorf("expected dependent ERROR, got %+v", second)
	}
	if res.Statistics.Errored != 2 {
		t.Errorf("unexpected statistics %+v", res.Statistics)
	}
}

func TestRunConditionalSkip(t *testing.T) {
	e := newTestEngine(t, map[string]Evaluator{
		"gate":  constEvaluator(false),
		"after": constEvaluator("ran"),
	})

	res, err := e.Run(context.Background(), Suite{ID: "s", Criteria: []Criterion{
		{Name: "gate", EvaluatorRef: "gate"},
		{
			Name: "gated", EvaluatorRef: "after", DependsOn: []string{"gate"},
			Conditional: &ConditionalExecution{
				DependsOn:  "gate",
				MatchMode:  MatchIsTrue,
				Default:    "skipped-default",
				SkipReason: "gate was false",
			},
		},
	}}, nil, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	gated := res.Criteria["gated"]
	if gated.Status != StatusSkipped || gated.Value != "skipped-default" || gated.Reason != "gate was false" {
		t.Errorf("unexpected skip result %+v", gated)
	}
}

func TestRunMissingBindingSkips(t *testing.T) {
	called := false
	e := newTestEngine(t, map[string]Evaluator{
		"ev": RuleEvaluator(func(ctx context.Context, ec CriterionExecutionContext) (any, error) {
			called = true
			return true, nil
		}),
	})

	res, err := e.Run(context.Background(), Suite{ID: "s", Criteria: []Criterion{
		{Name: "needs", EvaluatorRef: "ev", ContextBindings: []string{"user.profile"}},
	}}, map[string]any{"user": map[string]any{}}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if called {
		t.Errorf("evaluator ran despite missing binding")
	}
	if res.Criteria["needs"].Status != StatusSkipped {
		t.Errorf("expected SKIPPED, got %+v", res.Criteria["needs"])
	}
}

func TestRunBindingNavigation(t *testing.T) {
	var got any
	e := newTestEngine(t, map[string]Evaluator{
		"ev": RuleEvaluator(func(ctx context.Context, ec CriterionExecutionContext) (any, error) {
			got = ec.Bindings["user.name"]
			return true, nil
		}),
	})

	input := map[string]any{"user": map[string]any{"name": "alice"}}
	if _, err := e.Run(context.Background(), Suite{ID: "s", Criteria: []Criterion{
		{Name: "c", EvaluatorRef: "ev", ContextBindings: []string{"user.name"}},
	}}, input, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got != "alice" {
		t.Errorf("expected dotted binding resolved, got %v", got)
	}
}

func TestRunUnknownEvaluator(t *testing.T) {
	e := newTestEngine(t, nil)
	res, err := e.Run(context.Background(), Suite{ID: "s", Criteria: []Criterion{
		{Name: "c", EvaluatorRef: "ghost"},
	}}, nil, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Criteria["c"].Status != StatusError {
		t.Errorf("expected ERROR for unknown evaluator, got %+v", res.Criteria["c"])
	}
}

func TestRunBatchedAnyTrue(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, map[string]Evaluator{
		"batch": RuleEvaluator(func(ctx context.Context, ec CriterionExecutionContext) (any, error) {
			calls.Add(1)
			batch := ec.Bindings["batch"].([]any)
			for _, item := range batch {
				if item == "needle" {
					return true, nil
				}
			}
			return false, nil
		}),
	})

	input := map[string]any{
		"items": []any{"a", "b", "c", "needle", "e"},
	}
	res, err := e.Run(context.Background(), Suite{ID: "s", Criteria: []Criterion{
		{
			Name: "find", EvaluatorRef: "batch",
			Batching: &BatchingConfig{
				Enabled:              true,
				SourcePath:           "context.items",
				BatchSize:            2,
				MaxConcurrentBatches: 2,
				AggregationStrategy:  AggAnyTrue,
			},
		},
	}}, input, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	find := res.Criteria["find"]
	if find.Status != StatusSuccess || find.Value != true {
		t.Errorf("unexpected batched result %+v", find)
	}
	// 5 items at batch size 2 = 3 batches.
	if calls.Load() != 3 {
		t.Errorf("expected 3 batch calls, got %d", calls.Load())
	}
}

func TestRunBatchedFromDependencyValue(t *testing.T) {
	e := newTestEngine(t, map[string]Evaluator{
		"list": constEvaluator([]any{"x", "y"}),
		"collect": RuleEvaluator(func(ctx context.Context, ec CriterionExecutionContext) (any, error) {
			return ec.Bindings["batch"], nil
		}),
	})

	res, err := e.Run(context.Background(), Suite{ID: "s", Criteria: []Criterion{
		{Name: "source", EvaluatorRef: "list"},
		{
			Name: "merge", EvaluatorRef: "collect", DependsOn: []string{"source"},
			Batching: &BatchingConfig{
				Enabled:             true,
				SourcePath:          "dependencies.source.value",
				BatchSize:           1,
				AggregationStrategy: AggMergeLists,
			},
		},
	}}, nil, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	merge := res.Criteria["merge"]
	if !reflect.DeepEqual(merge.Value, []any{"x", "y"}) {
		t.Errorf("unexpected merged value %v", merge.Value)
	}
}

func TestParseEvaluatorReply(t *testing.T) {
	tests := []struct {
		name    string
		c       Criterion
		content string
		want    any
		wantErr bool
	}{
		{"boolean true", Criterion{ResultType: ResultBoolean}, "The answer is TRUE.", true, false},
		{"boolean missing", Criterion{ResultType: ResultBoolean}, "maybe", nil, true},
		{"enum", Criterion{ResultType: ResultEnum, EnumOptions: []string{"LOW", "HIGH"}}, "risk: high", "HIGH", false},
		{"score", Criterion{ResultType: ResultScore}, "score: 0.85", 0.85, false},
		{"text passthrough", Criterion{ResultType: ResultText}, "  free text  ", "free text", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseEvaluatorReply(tt.c, tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseEvaluatorReplyJSONFences(t *testing.T) {
	got, err := parseEvaluatorReply(Criterion{ResultType: ResultJSON}, "```json\n{\"ok\": true}\n```")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok || m["ok"] != true {
		t.Errorf("unexpected value %v", got)
	}
}
