package acton

import (
	"context"
	"errors"
	"testing"
)

func passHook(name string, pos HookPosition, priority int, fn HookFunc) Hook {
	return Hook{Name: name, Position: pos, Phase: PhaseReact, Priority: priority, Fn: fn}
}

func TestHookRegisterValidation(t *testing.T) {
	p := NewHookPipeline()
	nop := func(ctx context.Context, hc *HookContext) (Delta, error) { return nil, nil }

	tests := []struct {
		name string
		hook Hook
	}{
		{"empty name", Hook{Position: BeforeModel, Phase: PhaseReact, Fn: nop}},
		{"nil fn", Hook{Name: "h", Position: BeforeModel, Phase: PhaseReact}},
		{"bad position", Hook{Name: "h", Position: "MIDDLE", Phase: PhaseReact, Fn: nop}},
		{"bad phase", Hook{Name: "h", Position: BeforeModel, Phase: "OTHER", Fn: nop}},
		{"bad jump", Hook{Name: "h", Position: BeforeModel, Phase: PhaseReact, JumpDestinations: []string{"nowhere"}, Fn: nop}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var invalid *ErrInvalidInput
			if err := p.Register(tt.hook); !errors.As(err, &invalid) {
				t.Errorf("expected invalid input, got %v", err)
			}
		})
	}

	if err := p.Register(passHook("ok", BeforeModel, 0, nop)); err != nil {
		t.Fatalf("valid hook rejected: %v", err)
	}
	var conflict *ErrConflict
	if err := p.Register(passHook("ok", BeforeModel, 1, nop)); !errors.As(err, &conflict) {
		t.Errorf("expected duplicate name conflict, got %v", err)
	}
}

func TestHookRunPriorityOrderAndDeltaVisibility(t *testing.T) {
	p := NewHookPipeline()
	var order []string

	err := p.Register(passHook("second", BeforeAgent, 10, func(ctx context.Context, hc *HookContext) (Delta, error) {
		order = append(order, "second")
		// Sees the first hook's delta already merged.
		if hc.State.GetString("mark") != "first" {
			t.Errorf("expected first hook's delta visible, got %q", hc.State.GetString("mark"))
		}
		return nil, nil
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	err = p.Register(passHook("first", BeforeAgent, 1, func(ctx context.Context, hc *HookContext) (Delta, error) {
		order = append(order, "first")
		return Delta{"mark": "first"}, nil
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	st := NewState("t1", nil)
	if err := p.Run(context.Background(), BeforeAgent, PhaseReact, &HookContext{State: st}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("unexpected order %v", order)
	}
}

func TestHookUndeclaredJumpRejected(t *testing.T) {
	p := NewHookPipeline()
	err := p.Register(passHook("jumper", BeforeAgent, 0, func(ctx context.Context, hc *HookContext) (Delta, error) {
		return Delta{KeyJumpTo: JumpTool}, nil
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	st := NewState("t1", nil)
	err = p.Run(context.Background(), BeforeAgent, PhaseReact, &HookContext{State: st})
	var invalid *ErrInvalidInput
	if !errors.As(err, &invalid) {
		t.Fatalf("expected undeclared jump error, got %v", err)
	}
}

func TestHookDeclaredJumpAllowed(t *testing.T) {
	p := NewHookPipeline()
	err := p.Register(Hook{
		Name: "jumper", Position: BeforeAgent, Phase: PhaseReact,
		JumpDestinations: []string{JumpTool},
		Fn: func(ctx context.Context, hc *HookContext) (Delta, error) {
			return Delta{KeyJumpTo: JumpTool}, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	st := NewState("t1", nil)
	if err := p.Run(context.Background(), BeforeAgent, PhaseReact, &HookContext{State: st}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.GetString(KeyJumpTo) != JumpTool {
		t.Errorf("expected jump merged into state")
	}
}

func TestHookPhaseIsolation(t *testing.T) {
	p := NewHookPipeline()
	ran := false
	err := p.Register(Hook{
		Name: "codeact-only", Position: BeforeModel, Phase: PhaseCodeAct,
		Fn: func(ctx context.Context, hc *HookContext) (Delta, error) {
			ran = true
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	st := NewState("t1", nil)
	if err := p.Run(context.Background(), BeforeModel, PhaseReact, &HookContext{State: st}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ran {
		t.Errorf("codeact hook ran in react phase")
	}
}

func TestHookErrorStopsPipeline(t *testing.T) {
	p := NewHookPipeline()
	boom := errors.New("boom")
	if err := p.Register(passHook("fails", AfterModel, 0, func(ctx context.Context, hc *HookContext) (Delta, error) {
		return nil, boom
	})); err != nil {
		t.Fatalf("register: %v", err)
	}
	ran := false
	if err := p.Register(passHook("after", AfterModel, 1, func(ctx context.Context, hc *HookContext) (Delta, error) {
		ran = true
		return nil, nil
	})); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := p.Run(context.Background(), AfterModel, PhaseReact, &HookContext{State: NewState("t1", nil)})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped hook error, got %v", err)
	}
	if ran {
		t.Errorf("later hook ran after failure")
	}
}
