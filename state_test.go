package acton

import (
	"encoding/json"
	"testing"
)

func TestStateApplyMergeStrategies(t *testing.T) {
	st := NewState("t1", nil)

	st.Apply(Delta{KeyMessages: []Message{UserMessage("hello")}})
	st.Apply(Delta{KeyMessages: []Message{AssistantMessage("hi")}})
	msgs := st.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Content != "hello" || msgs[1].Content != "hi" {
		t.Errorf("append order broken: %+v", msgs)
	}

	// Non-schema keys replace.
	st.Set("counter", 1)
	st.Set("counter", 2)
	if v, _ := st.Get("counter"); v != 2 {
		t.Errorf("expected replace semantics, got %v", v)
	}
}

func TestStateAppendSingleMessage(t *testing.T) {
	st := NewState("t1", nil)
	st.Apply(Delta{KeyMessages: UserMessage("one")})
	st.Apply(Delta{KeyMessages: UserMessage("two")})
	if got := len(st.Messages()); got != 2 {
		t.Errorf("expected 2 messages, got %d", got)
	}
}

func TestStateCustomSchema(t *testing.T) {
	schema := StateSchema{KeyMessages: MergeAppend, "findings": MergeAppend}
	st := NewState("t1", schema)
	st.Apply(Delta{"findings": []any{"a"}})
	st.Apply(Delta{"findings": []any{"b", "c"}})
	v, _ := st.Get("findings")
	list, ok := v.([]any)
	if !ok || len(list) != 3 {
		t.Fatalf("expected 3 findings, got %v", v)
	}
}

func TestStateMessagesReturnsCopy(t *testing.T) {
	st := NewState("t1", nil)
	st.Apply(Delta{KeyMessages: []Message{UserMessage("x")}})
	msgs := st.Messages()
	msgs[0].Content = "mutated"
	if st.Messages()[0].Content != "x" {
		t.Errorf("Messages leaked internal slice")
	}
}

func TestStateSnapshotRestore(t *testing.T) {
	st := NewState("t1", nil)
	st.Set("a", "before")
	snap := st.Snapshot()

	st.Set("a", "after")
	st.Set("b", "new")
	st.restore(snap)

	if st.GetString("a") != "before" {
		t.Errorf("expected restored value, got %q", st.GetString("a"))
	}
	if _, ok := st.Get("b"); ok {
		t.Errorf("expected key added after snapshot to be gone")
	}
}

func TestEncodeCheckpoint(t *testing.T) {
	st := NewState("t1", nil)
	st.Set(KeyInput, "hello")
	st.Apply(Delta{KeyMessages: []Message{UserMessage("hello")}})

	cp, err := EncodeCheckpoint(st, "parent-1")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if cp.ThreadID != "t1" || cp.ParentCheckpointID != "parent-1" {
		t.Errorf("unexpected checkpoint %+v", cp)
	}
	if cp.CheckpointID == "" || cp.CreatedAt == 0 {
		t.Errorf("expected generated id and timestamp: %+v", cp)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(cp.StateBlob, &decoded); err != nil {
		t.Fatalf("blob not valid JSON: %v", err)
	}
	if _, ok := decoded[KeyInput]; !ok {
		t.Errorf("expected input key in blob")
	}
}
