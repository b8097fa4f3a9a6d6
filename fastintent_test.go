package acton

import (
	"context"
	"encoding/json"
	"testing"
)

func reactExperience(id string, priority int, match *MatchExpression, plan ...ToolCall) Experience {
	return Experience{
		ID:    id,
		Type:  ExperienceReact,
		Scope: ScopeGlobal,
		React: &ReactArtifact{AssistantText: "on it", Plan: plan},
		FastIntent: &FastIntentConfig{
			Enabled:  true,
			Priority: priority,
			Match:    match,
		},
	}
}

func prefixMatch(prefix string) *MatchExpression {
	return &MatchExpression{Type: MatchMessagePrefix, Value: prefix}
}

func TestMatchExpressionEval(t *testing.T) {
	fc := FastIntentContext{
		UserInput: "deploy the staging service",
		Metadata:  map[string]any{"channel": "ops"},
		ToolArgs:  map[string]any{"env": "staging", "count": 3},
	}

	tests := []struct {
		name string
		expr *MatchExpression
		want bool
	}{
		{"prefix hit", prefixMatch("deploy"), true},
		{"prefix miss", prefixMatch("rollback"), false},
		{"regex", &MatchExpression{Type: MatchMessageRegex, Value: `staging|prod`}, true},
		{"metadata equals", &MatchExpression{Type: MatchMetadataEquals, Key: "channel", Value: "ops"}, true},
		{"tool arg stringified", &MatchExpression{Type: MatchToolArgEquals, Key: "count", Value: "3"}, true},
		{"all_of", &MatchExpression{Type: MatchAllOf, Children: []*MatchExpression{
			prefixMatch("deploy"),
			{Type: MatchMetadataEquals, Key: "channel", Value: "ops"},
		}}, true},
		{"any_of short circuit", &MatchExpression{Type: MatchAnyOf, Children: []*MatchExpression{
			prefixMatch("rollback"),
			prefixMatch("deploy"),
		}}, true},
		{"not", &MatchExpression{Type: MatchNot, Children: []*MatchExpression{prefixMatch("rollback")}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.expr.Eval(fc)
			if err != nil {
				t.Fatalf("eval: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatchExpressionErrors(t *testing.T) {
	fc := FastIntentContext{UserInput: "x"}

	exprs := []*MatchExpression{
		{Type: "bogus"},
		{Type: MatchMessageRegex, Value: "("},
		{Type: MatchNot},
		nil,
	}
	for _, e := range exprs {
		if _, err := e.Eval(fc); err == nil {
			t.Errorf("expected error for %+v", e)
		}
	}
}

func TestNormalizeInput(t *testing.T) {
	// Zero-width characters are stripped.
	if got := NormalizeInput("de​ploy"); got != "deploy" {
		t.Errorf("zero-width not stripped: %q", got)
	}
	// NFKC folds compatibility characters (fullwidth to ASCII).
	if got := NormalizeInput("ｄeploy"); got != "deploy" {
		t.Errorf("NFKC not applied: %q", got)
	}
}

func TestSelectFastIntentPriority(t *testing.T) {
	candidates := []Experience{
		reactExperience("low", 1, prefixMatch("deploy"), ToolCall{Name: "a"}),
		reactExperience("high", 9, prefixMatch("deploy"), ToolCall{Name: "b"}),
		reactExperience("nomatch", 99, prefixMatch("rollback"), ToolCall{Name: "c"}),
	}
	hit := SelectFastIntent(candidates, FastIntentContext{UserInput: "deploy now"}, nil)
	if hit == nil || hit.ID != "high" {
		t.Errorf("expected highest-priority match, got %+v", hit)
	}

	// Disabled and expression-error candidates are skipped.
	disabled := reactExperience("off", 100, prefixMatch("deploy"))
	disabled.FastIntent.Enabled = false
	broken := reactExperience("broken", 100, &MatchExpression{Type: MatchMessageRegex, Value: "("})
	hit = SelectFastIntent(append(candidates, disabled, broken), FastIntentContext{UserInput: "deploy now"}, nil)
	if hit == nil || hit.ID != "high" {
		t.Errorf("expected disabled and broken skipped, got %+v", hit)
	}
}

func newFastIntentState(input string) *State {
	st := NewState("t1", nil)
	st.Set(KeyInput, input)
	st.Apply(Delta{KeyMessages: UserMessage(input)})
	return st
}

func storeWith(t *testing.T, exps ...Experience) *ExperienceStore {
	t.Helper()
	repo := NewInMemoryExperienceRepository()
	seedExperiences(t, repo, exps...)
	return NewExperienceStore(repo)
}

func TestFastIntentHookInjectsPlanAndJumps(t *testing.T) {
	store := storeWith(t, reactExperience("weather", 1, prefixMatch("weather"),
		ToolCall{Name: "search", Args: json.RawMessage(`{"query":"weather"}`)}))
	hook := NewFastIntentHook(store)

	st := newFastIntentState("weather in Jakarta")
	delta, err := hook.Fn(context.Background(), &HookContext{State: st})
	if err != nil {
		t.Fatalf("hook: %v", err)
	}
	if delta[KeyJumpTo] != JumpTool {
		t.Errorf("expected jump to tool, got %v", delta[KeyJumpTo])
	}
	injected, ok := delta[KeyMessages].(Message)
	if !ok {
		t.Fatalf("expected injected message, got %T", delta[KeyMessages])
	}
	if injected.Role != RoleAssistant || len(injected.ToolCalls) != 1 {
		t.Errorf("unexpected injection %+v", injected)
	}
	if injected.ToolCalls[0].ID == "" {
		t.Errorf("expected tool call id assigned")
	}
}

func TestFastIntentHookIdempotent(t *testing.T) {
	store := storeWith(t, reactExperience("w", 1, prefixMatch("weather"), ToolCall{Name: "search"}))
	hook := NewFastIntentHook(store)

	st := newFastIntentState("weather")
	delta, err := hook.Fn(context.Background(), &HookContext{State: st})
	if err != nil {
		t.Fatalf("hook: %v", err)
	}
	st.Apply(delta)

	// Second run on the same turn sees the sentinel and does nothing.
	delta, err = hook.Fn(context.Background(), &HookContext{State: st})
	if err != nil {
		t.Fatalf("hook rerun: %v", err)
	}
	if delta != nil {
		t.Errorf("expected nil delta on rerun, got %v", delta)
	}
}

func TestFastIntentHookAllowListAbandons(t *testing.T) {
	store := storeWith(t, reactExperience("danger", 1, prefixMatch("run"),
		ToolCall{Name: "search"}, ToolCall{Name: "execute_code"}))
	hook := NewFastIntentHook(store, WithAllowedTools("search"))

	st := newFastIntentState("run the report")
	delta, err := hook.Fn(context.Background(), &HookContext{State: st})
	if err != nil {
		t.Fatalf("hook: %v", err)
	}
	if delta != nil {
		t.Errorf("expected silent abandon, got %v", delta)
	}
}

func TestFastIntentHookEmptyAllowListIsNoRestriction(t *testing.T) {
	store := storeWith(t, reactExperience("w", 1, prefixMatch("weather"),
		ToolCall{Name: "search"}))
	// An empty configured list (e.g. an unset config field splatted in)
	// must leave the fast path enabled, not reject every plan.
	hook := NewFastIntentHook(store, WithAllowedTools())

	st := newFastIntentState("weather today")
	delta, err := hook.Fn(context.Background(), &HookContext{State: st})
	if err != nil {
		t.Fatalf("hook: %v", err)
	}
	if delta == nil {
		t.Fatalf("expected injection with empty allow-list")
	}
	if delta[KeyJumpTo] != JumpTool {
		t.Errorf("expected jump to tool, got %v", delta[KeyJumpTo])
	}
}

func TestFastIntentHookNormalizesBeforeMatching(t *testing.T) {
	store := storeWith(t, reactExperience("w", 1, prefixMatch("weather"), ToolCall{Name: "search"}))
	hook := NewFastIntentHook(store)

	// Zero-width character inside the prefix must not dodge the match.
	st := newFastIntentState("wea​ther today")
	delta, err := hook.Fn(context.Background(), &HookContext{State: st})
	if err != nil {
		t.Fatalf("hook: %v", err)
	}
	if delta == nil {
		t.Errorf("expected normalized input to match")
	}
}

func TestFastIntentHookMissWithoutPlan(t *testing.T) {
	e := reactExperience("empty", 1, prefixMatch("weather"))
	store := storeWith(t, e)
	hook := NewFastIntentHook(store)

	st := newFastIntentState("weather")
	delta, err := hook.Fn(context.Background(), &HookContext{State: st})
	if err != nil {
		t.Fatalf("hook: %v", err)
	}
	if delta != nil {
		t.Errorf("expected empty plan ignored, got %v", delta)
	}
}
