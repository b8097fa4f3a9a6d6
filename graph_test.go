package acton

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
)

func noopNode(ctx context.Context, st *State) (Delta, error) { return nil, nil }

func setNode(key string, value any) NodeFunc {
	return func(ctx context.Context, st *State) (Delta, error) {
		return Delta{key: value}, nil
	}
}

func TestCompileLayers(t *testing.T) {
	g, err := NewGraph().
		AddNode("a", noopNode).
		AddNode("b", noopNode).
		AddNode("c", noopNode).
		AddNode("d", noopNode).
		AddEdge(Start, "a").
		AddEdge("a", "b").
		AddEdge("a", "c").
		AddEdge("b", "d").
		AddEdge("c", "d").
		AddEdge("d", End).
		Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	want := [][]string{{"a"}, {"b", "c"}, {"d"}}
	if !reflect.DeepEqual(g.Layers(), want) {
		t.Errorf("unexpected layers %v", g.Layers())
	}
}

func TestCompileRejectsCycle(t *testing.T) {
	_, err := NewGraph().
		AddNode("a", noopNode).
		AddNode("b", noopNode).
		AddEdge("a", "b").
		AddEdge("b", "a").
		Compile()
	var invalid *ErrInvalidInput
	if !errors.As(err, &invalid) || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestCompileRejectsUnknownEdgeTarget(t *testing.T) {
	_, err := NewGraph().
		AddNode("a", noopNode).
		AddEdge("a", "ghost").
		Compile()
	var invalid *ErrInvalidInput
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestInvokeParallelSiblingsMergeInNameOrder(t *testing.T) {
	// Both siblings write the same replace key; "z" sorts after "m" in the
	// layer, so its delta lands last.
	g, err := NewGraph().
		AddNode("m", setNode("winner", "m")).
		AddNode("z", setNode("winner", "z")).
		AddNode("end", noopNode).
		AddEdge("m", "end").
		AddEdge("z", "end").
		Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	st, err := g.Invoke(context.Background(), NewState("t1", nil))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if st.GetString("winner") != "z" {
		t.Errorf("expected deterministic last-writer z, got %q", st.GetString("winner"))
	}
}

func TestInvokeJumpPrunesIntermediateLayers(t *testing.T) {
	var ran []string
	var mu sync.Mutex
	record := func(name string, d Delta) NodeFunc {
		return func(ctx context.Context, st *State) (Delta, error) {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return d, nil
		}
	}

	g, err := NewGraph().
		AddNode("a", record("a", Delta{KeyJumpTo: "c"})).
		AddNode("b", record("b", nil)).
		AddNode("c", record("c", nil)).
		AddEdge(Start, "a").
		AddEdge("a", "b").
		AddEdge("b", "c").
		Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	if _, err := g.Invoke(context.Background(), NewState("t1", nil)); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !reflect.DeepEqual(ran, []string{"a", "c"}) {
		t.Errorf("expected b pruned, ran %v", ran)
	}
}

func TestInvokeJumpToEndExits(t *testing.T) {
	g, err := NewGraph().
		AddNode("a", setNode(KeyJumpTo, End)).
		AddNode("b", setNode("reached", true)).
		AddEdge("a", "b").
		Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	st, err := g.Invoke(context.Background(), NewState("t1", nil))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if _, ok := st.Get("reached"); ok {
		t.Errorf("expected b skipped after jump to END")
	}
}

func TestInvokeJumpBackwardRejected(t *testing.T) {
	g, err := NewGraph().
		AddNode("a", noopNode).
		AddNode("b", setNode(KeyJumpTo, "a")).
		AddEdge("a", "b").
		Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	_, err = g.Invoke(context.Background(), NewState("t1", nil))
	var invalid *ErrInvalidInput
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid jump error, got %v", err)
	}
}

func TestInvokeRollbackOnNodeError(t *testing.T) {
	boom := errors.New("boom")
	g, err := NewGraph().
		AddNode("ok", setNode("a", "v1")).
		AddNode("fail", func(ctx context.Context, st *State) (Delta, error) {
			return Delta{"a": "v2"}, boom
		}).
		AddEdge("ok", "fail").
		Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	st := NewState("t1", nil)
	_, err = g.Invoke(context.Background(), st)
	if !errors.Is(err, boom) {
		t.Fatalf("expected node error, got %v", err)
	}
	// State rolled back to the boundary before the failing layer.
	if st.GetString("a") != "v1" {
		t.Errorf("expected rollback to keep v1, got %q", st.GetString("a"))
	}
}

func TestInvokeContinueOnError(t *testing.T) {
	g, err := NewGraph().
		AddNode("fail", func(ctx context.Context, st *State) (Delta, error) {
			return nil, errors.New("boom")
		}).
		AddNode("after", setNode("done", true)).
		AddEdge("fail", "after").
		Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	st, err := g.Invoke(context.Background(), NewState("t1", nil), WithContinueOnError())
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if _, ok := st.Get("done"); !ok {
		t.Errorf("expected downstream node to run")
	}
}

type memorySaver struct {
	mu  sync.Mutex
	cps []Checkpoint
}

func (m *memorySaver) Save(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps = append(m.cps, cp)
	return nil
}

func (m *memorySaver) Load(_ context.Context, threadID, id string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cp := range m.cps {
		if cp.ThreadID == threadID && cp.CheckpointID == id {
			return cp, nil
		}
	}
	return Checkpoint{}, &ErrNotFound{Kind: "checkpoint", ID: id}
}

func (m *memorySaver) Latest(_ context.Context, threadID string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.cps) - 1; i >= 0; i-- {
		if m.cps[i].ThreadID == threadID {
			return m.cps[i], nil
		}
	}
	return Checkpoint{}, &ErrNotFound{Kind: "checkpoint", ID: threadID}
}

func TestInvokeCheckpointsEveryLayer(t *testing.T) {
	saver := &memorySaver{}
	g, err := NewGraph().
		AddNode("a", noopNode).
		AddNode("b", noopNode).
		AddEdge("a", "b").
		Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	if _, err := g.Invoke(context.Background(), NewState("t1", nil), WithCheckpointSaver(saver)); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	// One checkpoint before the first layer plus one per layer.
	if len(saver.cps) != 3 {
		t.Fatalf("expected 3 checkpoints, got %d", len(saver.cps))
	}
	for i := 1; i < len(saver.cps); i++ {
		if saver.cps[i].ParentCheckpointID != saver.cps[i-1].CheckpointID {
			t.Errorf("checkpoint %d not chained to parent", i)
		}
	}
}
