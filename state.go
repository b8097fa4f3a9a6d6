package acton

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Reserved state keys.
const (
	// KeyMessages holds the ordered conversation history ([]Message).
	KeyMessages = "messages"
	// KeyInput holds the latest user input text.
	KeyInput = "input"
	// KeyJumpTo holds a next-node hint consumed by the graph engine.
	KeyJumpTo = "jump_to"
)

// CriterionResultKey returns the state key holding a criterion's full result.
func CriterionResultKey(name string) string { return name + "_result" }

// CriterionStatusKey returns the state key holding a criterion's status.
func CriterionStatusKey(name string) string { return name + "_status" }

// CriterionValueKey returns the state key holding a criterion's value.
func CriterionValueKey(name string) string { return name + "_value" }

// MergeStrategy controls how a delta value is combined with the existing
// value for the same key.
type MergeStrategy int

const (
	// MergeReplace overwrites the existing value.
	MergeReplace MergeStrategy = iota
	// MergeAppend concatenates list values ([]Message or []any).
	MergeAppend
)

// Delta is a partial state change returned by a node or hook. The engine
// merges it into conversation state using each key's registered strategy.
type Delta map[string]any

// StateSchema maps keys to their merge strategy. Keys absent from the
// schema use MergeReplace. The messages key always appends.
type StateSchema map[string]MergeStrategy

// DefaultSchema returns the schema the runtime registers for conversation
// state: messages append, everything else replaces.
func DefaultSchema() StateSchema {
	return StateSchema{KeyMessages: MergeAppend}
}

// State is the keyed conversation state for one thread. All methods are
// safe for concurrent use; parallel graph siblings write through Apply,
// which merges per-key.
type State struct {
	threadID string
	schema   StateSchema
	values   map[string]any
	mu       sync.RWMutex
}

// NewState creates a State for the given thread with the given schema.
// A nil schema falls back to DefaultSchema.
func NewState(threadID string, schema StateSchema) *State {
	if schema == nil {
		schema = DefaultSchema()
	}
	return &State{
		threadID: threadID,
		schema:   schema,
		values:   make(map[string]any),
	}
}

// ThreadID returns the conversation thread this state belongs to.
func (s *State) ThreadID() string { return s.threadID }

// Get retrieves a value by key.
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// GetString retrieves a string value, or "" if absent or not a string.
func (s *State) GetString(key string) string {
	if v, ok := s.Get(key); ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return ""
}

// Set writes a single key with its schema strategy applied.
func (s *State) Set(key string, value any) {
	s.Apply(Delta{key: value})
}

// Messages returns a copy of the conversation history.
func (s *State) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs, _ := s.values[KeyMessages].([]Message)
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Input returns the latest user input text.
func (s *State) Input() string { return s.GetString(KeyInput) }

// Apply merges a delta into the state. Keys are processed in sorted order
// so concurrent replace conflicts resolve deterministically (last writer
// in key order wins within one delta; across deltas the caller serializes).
func (s *State) Apply(delta Delta) {
	if len(delta) == 0 {
		return
	}
	keys := make([]string, 0, len(delta))
	for k := range delta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		v := delta[k]
		if s.schema[k] == MergeAppend {
			s.values[k] = appendValue(s.values[k], v)
		} else {
			s.values[k] = v
		}
	}
}

// appendValue concatenates list-shaped values. Non-list values degrade to
// replace semantics.
func appendValue(existing, incoming any) any {
	switch inc := incoming.(type) {
	case []Message:
		prev, _ := existing.([]Message)
		out := make([]Message, 0, len(prev)+len(inc))
		out = append(out, prev...)
		out = append(out, inc...)
		return out
	case Message:
		prev, _ := existing.([]Message)
		out := make([]Message, 0, len(prev)+1)
		out = append(out, prev...)
		out = append(out, inc)
		return out
	case []any:
		prev, _ := existing.([]any)
		out := make([]any, 0, len(prev)+len(inc))
		out = append(out, prev...)
		out = append(out, inc...)
		return out
	default:
		return incoming
	}
}

// Snapshot returns a shallow copy of all values, suitable for
// checkpointing or read-only inspection by hooks.
func (s *State) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// restore replaces all values from a snapshot. Used for rollback to the
// last checkpoint when a node aborts the turn.
func (s *State) restore(snapshot map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		s.values[k] = v
	}
}

// MarshalJSON serialises the state values for checkpoint blobs.
func (s *State) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.values)
}

// --- Checkpoints ---

// Checkpoint is a snapshot of thread state at a node boundary.
type Checkpoint struct {
	ThreadID           string `json:"thread_id"`
	CheckpointID       string `json:"checkpoint_id"`
	ParentCheckpointID string `json:"parent_checkpoint_id,omitempty"`
	StateBlob          []byte `json:"state_blob"`
	CreatedAt          int64  `json:"created_at"`
}

// CheckpointSaver persists checkpoints keyed by (thread_id, checkpoint_id).
// The graph engine calls Save at every node boundary when a saver is
// configured; Latest supports resuming a thread.
type CheckpointSaver interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, threadID, checkpointID string) (Checkpoint, error)
	Latest(ctx context.Context, threadID string) (Checkpoint, error)
}

// EncodeCheckpoint builds a checkpoint record from live state.
func EncodeCheckpoint(s *State, parentID string) (Checkpoint, error) {
	blob, err := json.Marshal(s)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("encode checkpoint: %w", err)
	}
	return Checkpoint{
		ThreadID:           s.ThreadID(),
		CheckpointID:       NewID(),
		ParentCheckpointID: parentID,
		StateBlob:          blob,
		CreatedAt:          NowUnix(),
	}, nil
}
