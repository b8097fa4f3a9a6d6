package acton

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func staticContributor(name string, phase Phase, priority int, contribution PromptContribution) PromptContributor {
	return PromptContributor{
		Name: name, Phase: phase, Priority: priority,
		Contribute: func(ctx context.Context, result EvaluationResult, st *State) (PromptContribution, error) {
			return contribution, nil
		},
	}
}

func TestAssembleAppendsSystemText(t *testing.T) {
	a := NewPromptAssembler()
	if err := a.Register(staticContributor("guidance", PhaseReact, 0, PromptContribution{SystemText: "Prefer short answers."})); err != nil {
		t.Fatalf("register: %v", err)
	}

	req := ModelRequest{Messages: []Message{SystemMessage("Base prompt."), UserMessage("hi")}}
	if err := a.Assemble(context.Background(), PhaseReact, EvaluationResult{}, NewState("t1", nil), &req); err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if req.Messages[0].Role != RoleSystem {
		t.Fatalf("system message moved: %+v", req.Messages[0])
	}
	if !strings.HasPrefix(req.Messages[0].Content, "Base prompt.") {
		t.Errorf("base system text replaced: %q", req.Messages[0].Content)
	}
	if !strings.Contains(req.Messages[0].Content, "Prefer short answers.") {
		t.Errorf("contribution missing: %q", req.Messages[0].Content)
	}
}

func TestAssembleCreatesSystemMessageWhenAbsent(t *testing.T) {
	a := NewPromptAssembler()
	if err := a.Register(staticContributor("guidance", PhaseReact, 0, PromptContribution{SystemText: "Hello."})); err != nil {
		t.Fatalf("register: %v", err)
	}

	req := ModelRequest{Messages: []Message{UserMessage("hi")}}
	if err := a.Assemble(context.Background(), PhaseReact, EvaluationResult{}, NewState("t1", nil), &req); err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if req.Messages[0].Role != RoleSystem || req.Messages[0].Content != "Hello." {
		t.Errorf("expected synthesized system message first, got %+v", req.Messages[0])
	}
}

func TestAssembleInjectionPairs(t *testing.T) {
	a := NewPromptAssembler()
	if err := a.Register(staticContributor("memories", PhaseReact, 0, PromptContribution{Injections: []string{"payload-1"}})); err != nil {
		t.Fatalf("register: %v", err)
	}

	req := ModelRequest{Messages: []Message{UserMessage("hi")}}
	if err := a.Assemble(context.Background(), PhaseReact, EvaluationResult{}, NewState("t1", nil), &req); err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("expected injected pair, got %d messages", len(req.Messages))
	}
	assistant, response := req.Messages[1], req.Messages[2]
	if assistant.Role != RoleAssistant || len(assistant.ToolCalls) != 1 {
		t.Fatalf("unexpected assistant half %+v", assistant)
	}
	if response.Role != RoleTool || response.ToolCallID != assistant.ToolCalls[0].ID {
		t.Errorf("tool response not bound to assistant call: %+v", response)
	}
	if response.Content != "payload-1" || response.Name != "memories" {
		t.Errorf("unexpected payload %+v", response)
	}
}

func TestAssembleSentinelIdempotency(t *testing.T) {
	a := NewPromptAssembler()
	if err := a.Register(staticContributor("memories", PhaseReact, 0, PromptContribution{Injections: []string{"payload"}})); err != nil {
		t.Fatalf("register: %v", err)
	}

	req := ModelRequest{Messages: []Message{UserMessage("hi")}}
	st := NewState("t1", nil)
	for i := 0; i < 3; i++ {
		if err := a.Assemble(context.Background(), PhaseReact, EvaluationResult{}, st, &req); err != nil {
			t.Fatalf("assemble %d: %v", i, err)
		}
	}
	if len(req.Messages) != 3 {
		t.Errorf("expected single injection across re-assemblies, got %d messages", len(req.Messages))
	}
}

func TestAssemblePhaseAndPriority(t *testing.T) {
	a := NewPromptAssembler()
	if err := a.Register(staticContributor("late", PhaseReact, 10, PromptContribution{Injections: []string{"b"}})); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := a.Register(staticContributor("early", PhaseReact, 1, PromptContribution{Injections: []string{"a"}})); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := a.Register(staticContributor("codeact", PhaseCodeAct, 0, PromptContribution{Injections: []string{"c"}})); err != nil {
		t.Fatalf("register: %v", err)
	}

	req := ModelRequest{}
	if err := a.Assemble(context.Background(), PhaseReact, EvaluationResult{}, NewState("t1", nil), &req); err != nil {
		t.Fatalf("assemble: %v", err)
	}
	var payloads []string
	for _, m := range req.Messages {
		if m.Role == RoleTool {
			payloads = append(payloads, m.Content)
		}
	}
	if len(payloads) != 2 || payloads[0] != "a" || payloads[1] != "b" {
		t.Errorf("unexpected injection order %v", payloads)
	}
}

func TestAssembleConditionalContribution(t *testing.T) {
	a := NewPromptAssembler()
	c := staticContributor("gated", PhaseReact, 0, PromptContribution{Injections: []string{"x"}})
	c.ShouldContribute = func(result EvaluationResult, st *State) bool {
		r, ok := result.Criteria["relevant"]
		return ok && r.Value == true
	}
	if err := a.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}

	req := ModelRequest{}
	result := EvaluationResult{Criteria: map[string]CriterionResult{
		"relevant": {Status: StatusSuccess, Value: false},
	}}
	if err := a.Assemble(context.Background(), PhaseReact, result, NewState("t1", nil), &req); err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(req.Messages) != 0 {
		t.Errorf("expected gated contributor skipped, got %d messages", len(req.Messages))
	}
}

func TestRegisterDuplicateContributor(t *testing.T) {
	a := NewPromptAssembler()
	c := staticContributor("dup", PhaseReact, 0, PromptContribution{})
	if err := a.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}
	var conflict *ErrConflict
	if err := a.Register(c); !errors.As(err, &conflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}
