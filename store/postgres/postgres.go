// Package postgres implements the checkpoint, experience, and trigger
// repositories on PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	acton "github.com/actonhq/acton"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StoreOption configures a Postgres Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store backs the runtime's repositories with a Postgres pool. The
// repositories share the pool and are exposed as facets: Checkpoints,
// Experiences, Triggers, and Executions.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store over an existing pool. The caller owns the pool's
// lifecycle.
func New(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect opens a pool for the given connection URL and wraps it in a
// Store.
func Connect(ctx context.Context, url string, opts ...StoreOption) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return New(pool, opts...), nil
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			state_blob BYTEA NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id)
		)`,
		`CREATE TABLE IF NOT EXISTS experiences (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			scope TEXT NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT '',
			tags JSONB,
			metadata JSONB,
			code_artifact JSONB,
			react_artifact JSONB,
			fast_intent_config JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS triggers (
			trigger_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			schedule_mode TEXT NOT NULL,
			schedule_value TEXT NOT NULL,
			execute_function TEXT NOT NULL,
			condition_function TEXT NOT NULL DEFAULT '',
			parameters JSONB,
			source_type TEXT NOT NULL DEFAULT '',
			source_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trigger_executions (
			execution_id TEXT PRIMARY KEY,
			trigger_id TEXT NOT NULL,
			thread_id TEXT NOT NULL DEFAULT '',
			scheduled_time BIGINT NOT NULL,
			start_time BIGINT NOT NULL DEFAULT 0,
			end_time BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			output_summary TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints (thread_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_experiences_type_scope ON experiences (type, scope)`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_source ON triggers (source_type, source_id)`,
		`CREATE INDEX IF NOT EXISTS idx_trigger_executions_trigger ON trigger_executions (trigger_id, scheduled_time)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	s.logger.Info("postgres: init completed", "duration", time.Since(start))
	return nil
}

// Checkpoints returns the checkpoint repository facet.
func (s *Store) Checkpoints() *CheckpointStore { return &CheckpointStore{s} }

// Experiences returns the experience repository facet.
func (s *Store) Experiences() *ExperienceStore { return &ExperienceStore{s} }

// Triggers returns the trigger repository facet.
func (s *Store) Triggers() *TriggerStore { return &TriggerStore{s} }

// Executions returns the trigger execution log facet.
func (s *Store) Executions() *ExecutionLogStore { return &ExecutionLogStore{s} }

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// --- Checkpoints ---

// CheckpointStore persists graph checkpoints keyed by
// (thread_id, checkpoint_id).
type CheckpointStore struct{ *Store }

var _ acton.CheckpointSaver = (*CheckpointStore)(nil)

// Save inserts or replaces a checkpoint.
func (s *CheckpointStore) Save(ctx context.Context, cp acton.Checkpoint) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO checkpoints (thread_id, checkpoint_id, parent_checkpoint_id, state_blob, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (thread_id, checkpoint_id) DO UPDATE
SET parent_checkpoint_id = EXCLUDED.parent_checkpoint_id,
    state_blob = EXCLUDED.state_blob,
    created_at = EXCLUDED.created_at`,
		cp.ThreadID, cp.CheckpointID, nullable(cp.ParentCheckpointID), cp.StateBlob, cp.CreatedAt,
	)
	if err != nil {
		s.logger.Error("postgres: save checkpoint failed", "thread_id", cp.ThreadID, "error", err)
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load returns the checkpoint with the given id for a thread.
func (s *CheckpointStore) Load(ctx context.Context, threadID, checkpointID string) (acton.Checkpoint, error) {
	row := s.pool.QueryRow(ctx, `
SELECT thread_id, checkpoint_id, parent_checkpoint_id, state_blob, created_at
FROM checkpoints WHERE thread_id = $1 AND checkpoint_id = $2`,
		threadID, checkpointID)
	return scanCheckpoint(row, checkpointID)
}

// Latest returns the most recent checkpoint for a thread.
func (s *CheckpointStore) Latest(ctx context.Context, threadID string) (acton.Checkpoint, error) {
	row := s.pool.QueryRow(ctx, `
SELECT thread_id, checkpoint_id, parent_checkpoint_id, state_blob, created_at
FROM checkpoints WHERE thread_id = $1
ORDER BY created_at DESC, checkpoint_id DESC LIMIT 1`,
		threadID)
	return scanCheckpoint(row, threadID)
}

func scanCheckpoint(row pgx.Row, id string) (acton.Checkpoint, error) {
	var cp acton.Checkpoint
	var parent *string
	err := row.Scan(&cp.ThreadID, &cp.CheckpointID, &parent, &cp.StateBlob, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return acton.Checkpoint{}, &acton.ErrNotFound{Kind: "checkpoint", ID: id}
	}
	if err != nil {
		return acton.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if parent != nil {
		cp.ParentCheckpointID = *parent
	}
	return cp, nil
}

// --- Experiences ---

// ExperienceStore persists experiences with their typed artifacts in
// JSONB columns.
type ExperienceStore struct{ *Store }

var _ acton.ExperienceRepository = (*ExperienceStore)(nil)

// Save inserts or replaces an experience.
func (s *ExperienceStore) Save(ctx context.Context, e acton.Experience) error {
	tags := marshalOrNil(e.Tags, len(e.Tags) > 0)
	meta := marshalOrNil(e.Metadata, len(e.Metadata) > 0)
	code := marshalOrNil(e.Code, e.Code != nil)
	react := marshalOrNil(e.React, e.React != nil)
	fastIntent := marshalOrNil(e.FastIntent, e.FastIntent != nil)

	_, err := s.pool.Exec(ctx, `
INSERT INTO experiences
(id, type, scope, owner_id, project_id, title, content, language, tags, metadata,
 code_artifact, react_artifact, fast_intent_config, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO UPDATE
SET type = EXCLUDED.type, scope = EXCLUDED.scope, owner_id = EXCLUDED.owner_id,
    project_id = EXCLUDED.project_id, title = EXCLUDED.title, content = EXCLUDED.content,
    language = EXCLUDED.language, tags = EXCLUDED.tags, metadata = EXCLUDED.metadata,
    code_artifact = EXCLUDED.code_artifact, react_artifact = EXCLUDED.react_artifact,
    fast_intent_config = EXCLUDED.fast_intent_config, updated_at = EXCLUDED.updated_at`,
		e.ID, string(e.Type), string(e.Scope), e.OwnerID, e.ProjectID, e.Title, e.Content,
		e.Language, tags, meta, code, react, fastIntent, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("postgres: save experience failed", "id", e.ID, "error", err)
		return fmt.Errorf("save experience: %w", err)
	}
	return nil
}

// FindByTypeAndScope returns all experiences with the given type and
// scope, most recently updated first.
func (s *ExperienceStore) FindByTypeAndScope(ctx context.Context, typ acton.ExperienceType, scope acton.ExperienceScope) ([]acton.Experience, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, type, scope, owner_id, project_id, title, content, language, tags, metadata,
       code_artifact, react_artifact, fast_intent_config, created_at, updated_at
FROM experiences WHERE type = $1 AND scope = $2
ORDER BY updated_at DESC`,
		string(typ), string(scope))
	if err != nil {
		return nil, fmt.Errorf("find experiences: %w", err)
	}
	defer rows.Close()

	var out []acton.Experience
	for rows.Next() {
		var e acton.Experience
		var typS, scopeS string
		var tags, meta, code, react, fastIntent []byte
		if err := rows.Scan(&e.ID, &typS, &scopeS, &e.OwnerID, &e.ProjectID, &e.Title, &e.Content,
			&e.Language, &tags, &meta, &code, &react, &fastIntent, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan experience: %w", err)
		}
		e.Type = acton.ExperienceType(typS)
		e.Scope = acton.ExperienceScope(scopeS)
		if len(tags) > 0 {
			_ = json.Unmarshal(tags, &e.Tags)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		if len(code) > 0 {
			e.Code = &acton.CodeArtifact{}
			_ = json.Unmarshal(code, e.Code)
		}
		if len(react) > 0 {
			e.React = &acton.ReactArtifact{}
			_ = json.Unmarshal(react, e.React)
		}
		if len(fastIntent) > 0 {
			e.FastIntent = &acton.FastIntentConfig{}
			_ = json.Unmarshal(fastIntent, e.FastIntent)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete removes an experience.
func (s *ExperienceStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM experiences WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete experience: %w", err)
	}
	return nil
}

// --- Triggers ---

// TriggerStore persists trigger definitions and enforces the status
// transition graph on updates.
type TriggerStore struct{ *Store }

var _ acton.TriggerRepository = (*TriggerStore)(nil)

// Save inserts or replaces a trigger definition.
func (s *TriggerStore) Save(ctx context.Context, t acton.Trigger) error {
	params := marshalOrNil(t.Parameters, len(t.Parameters) > 0)
	_, err := s.pool.Exec(ctx, `
INSERT INTO triggers
(trigger_id, name, schedule_mode, schedule_value, execute_function, condition_function,
 parameters, source_type, source_id, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (trigger_id) DO UPDATE
SET name = EXCLUDED.name, schedule_mode = EXCLUDED.schedule_mode,
    schedule_value = EXCLUDED.schedule_value, execute_function = EXCLUDED.execute_function,
    condition_function = EXCLUDED.condition_function, parameters = EXCLUDED.parameters,
    source_type = EXCLUDED.source_type, source_id = EXCLUDED.source_id,
    status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		t.TriggerID, t.Name, string(t.ScheduleMode), t.ScheduleValue, t.ExecuteFunction,
		t.ConditionFunction, params, t.SourceType, t.SourceID, string(t.Status), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("postgres: save trigger failed", "trigger_id", t.TriggerID, "error", err)
		return fmt.Errorf("save trigger: %w", err)
	}
	return nil
}

// FindByID returns one trigger.
func (s *TriggerStore) FindByID(ctx context.Context, id string) (acton.Trigger, error) {
	row := s.pool.QueryRow(ctx, `
SELECT trigger_id, name, schedule_mode, schedule_value, execute_function, condition_function,
       parameters, source_type, source_id, status, created_at, updated_at
FROM triggers WHERE trigger_id = $1`, id)
	t, err := scanTrigger(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return acton.Trigger{}, &acton.ErrNotFound{Kind: "trigger", ID: id}
	}
	if err != nil {
		return acton.Trigger{}, fmt.Errorf("find trigger: %w", err)
	}
	return t, nil
}

// UpdateStatus transitions a trigger's status. Illegal transitions per
// the status graph are rejected with a conflict error. The current
// status is read FOR UPDATE so concurrent transitions serialize.
func (s *TriggerStore) UpdateStatus(ctx context.Context, id string, status acton.TriggerStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM triggers WHERE trigger_id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return &acton.ErrNotFound{Kind: "trigger", ID: id}
	}
	if err != nil {
		return fmt.Errorf("read trigger status: %w", err)
	}
	if !acton.ValidTransition(acton.TriggerStatus(current), status) {
		return &acton.ErrConflict{Reason: fmt.Sprintf("trigger %s: illegal transition %s -> %s", id, current, status)}
	}

	_, err = tx.Exec(ctx, `UPDATE triggers SET status = $1, updated_at = $2 WHERE trigger_id = $3`,
		string(status), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update trigger status: %w", err)
	}
	return tx.Commit(ctx)
}

// FindAll returns every trigger definition.
func (s *TriggerStore) FindAll(ctx context.Context) ([]acton.Trigger, error) {
	rows, err := s.pool.Query(ctx, `
SELECT trigger_id, name, schedule_mode, schedule_value, execute_function, condition_function,
       parameters, source_type, source_id, status, created_at, updated_at
FROM triggers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("find all triggers: %w", err)
	}
	defer rows.Close()
	return scanTriggers(rows)
}

// FindBySource returns triggers registered by one source.
func (s *TriggerStore) FindBySource(ctx context.Context, sourceType, sourceID string) ([]acton.Trigger, error) {
	rows, err := s.pool.Query(ctx, `
SELECT trigger_id, name, schedule_mode, schedule_value, execute_function, condition_function,
       parameters, source_type, source_id, status, created_at, updated_at
FROM triggers WHERE source_type = $1 AND source_id = $2 ORDER BY created_at`,
		sourceType, sourceID)
	if err != nil {
		return nil, fmt.Errorf("find triggers by source: %w", err)
	}
	defer rows.Close()
	return scanTriggers(rows)
}

func scanTriggers(rows pgx.Rows) ([]acton.Trigger, error) {
	var out []acton.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrigger(scan func(dest ...any) error) (acton.Trigger, error) {
	var t acton.Trigger
	var mode, status string
	var params []byte
	err := scan(&t.TriggerID, &t.Name, &mode, &t.ScheduleValue, &t.ExecuteFunction, &t.ConditionFunction,
		&params, &t.SourceType, &t.SourceID, &status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return acton.Trigger{}, err
	}
	t.ScheduleMode = acton.ScheduleMode(mode)
	t.Status = acton.TriggerStatus(status)
	if len(params) > 0 {
		_ = json.Unmarshal(params, &t.Parameters)
	}
	return t, nil
}

// --- Trigger execution log ---

// ExecutionLogStore persists trigger execution records.
type ExecutionLogStore struct{ *Store }

var _ acton.TriggerExecutionLogRepository = (*ExecutionLogStore)(nil)

// Save inserts a new execution record.
func (s *ExecutionLogStore) Save(ctx context.Context, rec acton.TriggerExecutionRecord) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO trigger_executions
(execution_id, trigger_id, thread_id, scheduled_time, start_time, end_time,
 status, error_message, output_summary, retry_count)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ExecutionID, rec.TriggerID, rec.ThreadID, rec.ScheduledTime, rec.StartTime, rec.EndTime,
		string(rec.Status), rec.ErrorMessage, rec.OutputSummary, rec.RetryCount,
	)
	if err != nil {
		s.logger.Error("postgres: save execution failed", "execution_id", rec.ExecutionID, "error", err)
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

// Update rewrites an execution record.
func (s *ExecutionLogStore) Update(ctx context.Context, rec acton.TriggerExecutionRecord) error {
	_, err := s.pool.Exec(ctx, `
UPDATE trigger_executions
SET thread_id = $1, start_time = $2, end_time = $3, status = $4,
    error_message = $5, output_summary = $6, retry_count = $7
WHERE execution_id = $8`,
		rec.ThreadID, rec.StartTime, rec.EndTime, string(rec.Status),
		rec.ErrorMessage, rec.OutputSummary, rec.RetryCount, rec.ExecutionID,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

// ListByTrigger returns the execution history of a trigger in schedule
// order.
func (s *ExecutionLogStore) ListByTrigger(ctx context.Context, triggerID string) ([]acton.TriggerExecutionRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT execution_id, trigger_id, thread_id, scheduled_time, start_time, end_time,
       status, error_message, output_summary, retry_count
FROM trigger_executions WHERE trigger_id = $1 ORDER BY scheduled_time, execution_id`,
		triggerID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []acton.TriggerExecutionRecord
	for rows.Next() {
		var rec acton.TriggerExecutionRecord
		var status string
		if err := rows.Scan(&rec.ExecutionID, &rec.TriggerID, &rec.ThreadID, &rec.ScheduledTime,
			&rec.StartTime, &rec.EndTime, &status, &rec.ErrorMessage, &rec.OutputSummary, &rec.RetryCount); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		rec.Status = acton.ExecutionStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// nullable maps the empty string to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// marshalOrNil returns the JSON encoding of v, or nil when present is
// false so the column stores SQL NULL.
func marshalOrNil(v any, present bool) []byte {
	if !present {
		return nil
	}
	data, _ := json.Marshal(v)
	return data
}
