package acton

import "context"

// The SPI surfaces: in-process interfaces the core calls but does not
// implement itself. Reference implementations live in subpackages
// (search/web, store/sqlite, store/postgres) or in the host application.

// SearchRequest asks a SearchProvider for external knowledge.
type SearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

// SearchResultItem is one retrieved document.
type SearchResultItem struct {
	Title   string `json:"title,omitempty"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
	Content string `json:"content,omitempty"`
}

// SearchResponse carries ranked results.
type SearchResponse struct {
	Results []SearchResultItem `json:"results"`
}

// SearchProvider is the knowledge/search plug-in.
type SearchProvider interface {
	Search(ctx context.Context, req SearchRequest) (SearchResponse, error)
}

// ReplyPayload is an outbound message to the user.
type ReplyPayload struct {
	ThreadID string         `json:"thread_id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ReplyChannel delivers payloads to wherever the conversation lives.
type ReplyChannel interface {
	Send(ctx context.Context, payload ReplyPayload) error
}

// LearningRecord is one persisted learning trace.
type LearningRecord struct {
	ID         string     `json:"id"`
	ThreadID   string     `json:"thread_id"`
	Experience Experience `json:"experience"`
	CreatedAt  int64      `json:"created_at"`
}

// LearningExtractor distills reusable experiences from a finished turn.
type LearningExtractor interface {
	Extract(ctx context.Context, st *State) ([]Experience, error)
}

// LearningRepository persists learning traces.
type LearningRepository interface {
	Persist(ctx context.Context, rec LearningRecord) error
}

// TriggerRepository persists trigger definitions.
type TriggerRepository interface {
	Save(ctx context.Context, t Trigger) error
	FindByID(ctx context.Context, id string) (Trigger, error)
	UpdateStatus(ctx context.Context, id string, status TriggerStatus) error
	FindAll(ctx context.Context) ([]Trigger, error)
	FindBySource(ctx context.Context, sourceType, sourceID string) ([]Trigger, error)
}

// TriggerExecutionLogRepository persists execution records keyed by
// execution id.
type TriggerExecutionLogRepository interface {
	Save(ctx context.Context, rec TriggerExecutionRecord) error
	Update(ctx context.Context, rec TriggerExecutionRecord) error
	ListByTrigger(ctx context.Context, triggerID string) ([]TriggerExecutionRecord, error)
}

// ExecutionBackend owns the clockwork: it maps a trigger to a backend
// task that calls fire on schedule. Cancel unregisters the task but
// keeps the trigger definition.
type ExecutionBackend interface {
	Schedule(ctx context.Context, t Trigger, fire func(context.Context)) (taskID string, err error)
	Cancel(ctx context.Context, taskID string) error
	IsRunning(taskID string) bool
}
