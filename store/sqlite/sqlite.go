// Package sqlite implements the checkpoint, experience, and trigger
// repositories using pure-Go SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	acton "github.com/actonhq/acton"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the
// store emits debug logs for every operation including timing and key
// parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store backs the runtime's repositories with a local SQLite file.
// The repositories share one connection and are exposed as facets:
// Checkpoints, Experiences, Triggers, and Executions.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath. It opens a
// single shared connection pool with SetMaxOpenConns(1) so that all
// goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			state_blob BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id)
		)`,
		`CREATE TABLE IF NOT EXISTS experiences (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			scope TEXT NOT NULL,
			owner_id TEXT,
			project_id TEXT,
			title TEXT NOT NULL,
			content TEXT NOT NULL,
			language TEXT,
			tags TEXT,
			metadata TEXT,
			code_artifact TEXT,
			react_artifact TEXT,
			fast_intent_config TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS triggers (
			trigger_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			schedule_mode TEXT NOT NULL,
			schedule_value TEXT NOT NULL,
			execute_function TEXT NOT NULL,
			condition_function TEXT,
			parameters TEXT,
			source_type TEXT,
			source_id TEXT,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trigger_executions (
			execution_id TEXT PRIMARY KEY,
			trigger_id TEXT NOT NULL,
			thread_id TEXT,
			scheduled_time INTEGER NOT NULL,
			start_time INTEGER,
			end_time INTEGER,
			status TEXT NOT NULL,
			error_message TEXT,
			output_summary TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_experiences_type_scope ON experiences(type, scope)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_triggers_source ON triggers(source_type, source_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_trigger_executions_trigger ON trigger_executions(trigger_id, scheduled_time)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
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

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

// --- Checkpoints ---

// CheckpointStore persists graph checkpoints keyed by
// (thread_id, checkpoint_id).
type CheckpointStore struct{ *Store }

var _ acton.CheckpointSaver = (*CheckpointStore)(nil)

// Save inserts or replaces a checkpoint.
func (s *CheckpointStore) Save(ctx context.Context, cp acton.Checkpoint) error {
	start := time.Now()
	s.logger.Debug("sqlite: save checkpoint", "thread_id", cp.ThreadID, "checkpoint_id", cp.CheckpointID)

	var parent *string
	if cp.ParentCheckpointID != "" {
		parent = &cp.ParentCheckpointID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (thread_id, checkpoint_id, parent_checkpoint_id, state_blob, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		cp.ThreadID, cp.CheckpointID, parent, cp.StateBlob, cp.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: save checkpoint failed", "thread_id", cp.ThreadID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save checkpoint: %w", err)
	}
	s.logger.Debug("sqlite: save checkpoint ok", "thread_id", cp.ThreadID, "duration", time.Since(start))
	return nil
}

// Load returns the checkpoint with the given id for a thread.
func (s *CheckpointStore) Load(ctx context.Context, threadID, checkpointID string) (acton.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT thread_id, checkpoint_id, parent_checkpoint_id, state_blob, created_at
		 FROM checkpoints WHERE thread_id = ? AND checkpoint_id = ?`,
		threadID, checkpointID,
	)
	return scanCheckpoint(row, checkpointID)
}

// Latest returns the most recent checkpoint for a thread.
func (s *CheckpointStore) Latest(ctx context.Context, threadID string) (acton.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT thread_id, checkpoint_id, parent_checkpoint_id, state_blob, created_at
		 FROM checkpoints WHERE thread_id = ?
		 ORDER BY created_at DESC, checkpoint_id DESC LIMIT 1`,
		threadID,
	)
	return scanCheckpoint(row, threadID)
}

func scanCheckpoint(row *sql.Row, id string) (acton.Checkpoint, error) {
	var cp acton.Checkpoint
	var parent sql.NullString
	err := row.Scan(&cp.ThreadID, &cp.CheckpointID, &parent, &cp.StateBlob, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return acton.Checkpoint{}, &acton.ErrNotFound{Kind: "checkpoint", ID: id}
	}
	if err != nil {
		return acton.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if parent.Valid {
		cp.ParentCheckpointID = parent.String
	}
	return cp, nil
}

// --- Experiences ---

// ExperienceStore persists experiences with their typed artifacts
// stored as JSON columns.
type ExperienceStore struct{ *Store }

var _ acton.ExperienceRepository = (*ExperienceStore)(nil)

// Save inserts or replaces an experience.
func (s *ExperienceStore) Save(ctx context.Context, e acton.Experience) error {
	start := time.Now()
	s.logger.Debug("sqlite: save experience", "id", e.ID, "type", e.Type, "scope", e.Scope)

	tags := marshalOrNil(e.Tags, len(e.Tags) > 0)
	meta := marshalOrNil(e.Metadata, len(e.Metadata) > 0)
	code := marshalOrNil(e.Code, e.Code != nil)
	react := marshalOrNil(e.React, e.React != nil)
	fastIntent := marshalOrNil(e.FastIntent, e.FastIntent != nil)

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO experiences
		 (id, type, scope, owner_id, project_id, title, content, language, tags, metadata,
		  code_artifact, react_artifact, fast_intent_config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), string(e.Scope), e.OwnerID, e.ProjectID, e.Title, e.Content,
		e.Language, tags, meta, code, react, fastIntent, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: save experience failed", "id", e.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save experience: %w", err)
	}
	s.logger.Debug("sqlite: save experience ok", "id", e.ID, "duration", time.Since(start))
	return nil
}

// FindByTypeAndScope returns all experiences with the given type and
// scope, most recently updated first.
func (s *ExperienceStore) FindByTypeAndScope(ctx context.Context, typ acton.ExperienceType, scope acton.ExperienceScope) ([]acton.Experience, error) {
	start := time.Now()
	s.logger.Debug("sqlite: find experiences", "type", typ, "scope", scope)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, scope, owner_id, project_id, title, content, language, tags, metadata,
		        code_artifact, react_artifact, fast_intent_config, created_at, updated_at
		 FROM experiences WHERE type = ? AND scope = ?
		 ORDER BY updated_at DESC`,
		string(typ), string(scope),
	)
	if err != nil {
		s.logger.Error("sqlite: find experiences failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("find experiences: %w", err)
	}
	defer rows.Close()

	var out []acton.Experience
	for rows.Next() {
		var e acton.Experience
		var typS, scopeS string
		var owner, project, language, tags, meta, code, react, fastIntent sql.NullString
		if err := rows.Scan(&e.ID, &typS, &scopeS, &owner, &project, &e.Title, &e.Content,
			&language, &tags, &meta, &code, &react, &fastIntent, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan experience: %w", err)
		}
		e.Type = acton.ExperienceType(typS)
		e.Scope = acton.ExperienceScope(scopeS)
		e.OwnerID = owner.String
		e.ProjectID = project.String
		e.Language = language.String
		if tags.Valid {
			_ = json.Unmarshal([]byte(tags.String), &e.Tags)
		}
		if meta.Valid {
			_ = json.Unmarshal([]byte(meta.String), &e.Metadata)
		}
		if code.Valid {
			e.Code = &acton.CodeArtifact{}
			_ = json.Unmarshal([]byte(code.String), e.Code)
		}
		if react.Valid {
			e.React = &acton.ReactArtifact{}
			_ = json.Unmarshal([]byte(react.String), e.React)
		}
		if fastIntent.Valid {
			e.FastIntent = &acton.FastIntentConfig{}
			_ = json.Unmarshal([]byte(fastIntent.String), e.FastIntent)
		}
		out = append(out, e)
	}
	s.logger.Debug("sqlite: find experiences ok", "count", len(out), "duration", time.Since(start))
	return out, rows.Err()
}

// Delete removes an experience.
func (s *ExperienceStore) Delete(ctx context.Context, id string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete experience", "id", id)

	_, err := s.db.ExecContext(ctx, `DELETE FROM experiences WHERE id = ?`, id)
	if err != nil {
		s.logger.Error("sqlite: delete experience failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("delete experience: %w", err)
	}
	s.logger.Debug("sqlite: delete experience ok", "id", id, "duration", time.Since(start))
	return nil
}

// --- Triggers ---

// TriggerStore persists trigger definitions and enforces the status
// transition graph on updates.
type TriggerStore struct{ *Store }

var _ acton.TriggerRepository = (*TriggerStore)(nil)

// Save inserts or replaces a trigger definition.
func (s *TriggerStore) Save(ctx context.Context, t acton.Trigger) error {
	start := time.Now()
	s.logger.Debug("sqlite: save trigger", "trigger_id", t.TriggerID, "status", t.Status)

	params := marshalOrNil(t.Parameters, len(t.Parameters) > 0)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO triggers
		 (trigger_id, name, schedule_mode, schedule_value, execute_function, condition_function,
		  parameters, source_type, source_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TriggerID, t.Name, string(t.ScheduleMode), t.ScheduleValue, t.ExecuteFunction,
		t.ConditionFunction, params, t.SourceType, t.SourceID, string(t.Status), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: save trigger failed", "trigger_id", t.TriggerID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save trigger: %w", err)
	}
	s.logger.Debug("sqlite: save trigger ok", "trigger_id", t.TriggerID, "duration", time.Since(start))
	return nil
}

// FindByID returns one trigger.
func (s *TriggerStore) FindByID(ctx context.Context, id string) (acton.Trigger, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT trigger_id, name, schedule_mode, schedule_value, execute_function, condition_function,
		        parameters, source_type, source_id, status, created_at, updated_at
		 FROM triggers WHERE trigger_id = ?`, id)
	t, err := scanTrigger(row.Scan)
	if err == sql.ErrNoRows {
		return acton.Trigger{}, &acton.ErrNotFound{Kind: "trigger", ID: id}
	}
	if err != nil {
		return acton.Trigger{}, fmt.Errorf("find trigger: %w", err)
	}
	return t, nil
}

// UpdateStatus transitions a trigger's status. Illegal transitions per
// the status graph are rejected with a conflict error.
func (s *TriggerStore) UpdateStatus(ctx context.Context, id string, status acton.TriggerStatus) error {
	start := time.Now()
	s.logger.Debug("sqlite: update trigger status", "trigger_id", id, "status", status)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM triggers WHERE trigger_id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return &acton.ErrNotFound{Kind: "trigger", ID: id}
	}
	if err != nil {
		return fmt.Errorf("read trigger status: %w", err)
	}
	if !acton.ValidTransition(acton.TriggerStatus(current), status) {
		return &acton.ErrConflict{Reason: fmt.Sprintf("trigger %s: illegal transition %s -> %s", id, current, status)}
	}

	_, err = tx.ExecContext(ctx, `UPDATE triggers SET status = ?, updated_at = ? WHERE trigger_id = ?`,
		string(status), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update trigger status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: update trigger status commit failed", "trigger_id", id, "error", err)
		return err
	}
	s.logger.Debug("sqlite: update trigger status ok", "trigger_id", id, "status", status, "duration", time.Since(start))
	return nil
}

// FindAll returns every trigger definition.
func (s *TriggerStore) FindAll(ctx context.Context) ([]acton.Trigger, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT trigger_id, name, schedule_mode, schedule_value, execute_function, condition_function,
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT trigger_id, name, schedule_mode, schedule_value, execute_function, condition_function,
		        parameters, source_type, source_id, status, created_at, updated_at
		 FROM triggers WHERE source_type = ? AND source_id = ? ORDER BY created_at`,
		sourceType, sourceID)
	if err != nil {
		return nil, fmt.Errorf("find triggers by source: %w", err)
	}
	defer rows.Close()
	return scanTriggers(rows)
}

func scanTriggers(rows *sql.Rows) ([]acton.Trigger, error) {
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
	var condition, params, sourceType, sourceID sql.NullString
	err := scan(&t.TriggerID, &t.Name, &mode, &t.ScheduleValue, &t.ExecuteFunction, &condition,
		&params, &sourceType, &sourceID, &status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return acton.Trigger{}, err
	}
	t.ScheduleMode = acton.ScheduleMode(mode)
	t.Status = acton.TriggerStatus(status)
	t.ConditionFunction = condition.String
	t.SourceType = sourceType.String
	t.SourceID = sourceID.String
	if params.Valid {
		_ = json.Unmarshal([]byte(params.String), &t.Parameters)
	}
	return t, nil
}

// --- Trigger execution log ---

// ExecutionLogStore persists trigger execution records.
type ExecutionLogStore struct{ *Store }

var _ acton.TriggerExecutionLogRepository = (*ExecutionLogStore)(nil)

// Save inserts a new execution record.
func (s *ExecutionLogStore) Save(ctx context.Context, rec acton.TriggerExecutionRecord) error {
	start := time.Now()
	s.logger.Debug("sqlite: save execution", "execution_id", rec.ExecutionID, "trigger_id", rec.TriggerID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trigger_executions
		 (execution_id, trigger_id, thread_id, scheduled_time, start_time, end_time,
		  status, error_message, output_summary, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ExecutionID, rec.TriggerID, rec.ThreadID, rec.ScheduledTime, rec.StartTime, rec.EndTime,
		string(rec.Status), rec.ErrorMessage, rec.OutputSummary, rec.RetryCount,
	)
	if err != nil {
		s.logger.Error("sqlite: save execution failed", "execution_id", rec.ExecutionID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

// Update rewrites an execution record.
func (s *ExecutionLogStore) Update(ctx context.Context, rec acton.TriggerExecutionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE trigger_executions
		 SET thread_id=?, start_time=?, end_time=?, status=?, error_message=?, output_summary=?, retry_count=?
		 WHERE execution_id=?`,
		rec.ThreadID, rec.StartTime, rec.EndTime, string(rec.Status),
		rec.ErrorMessage, rec.OutputSummary, rec.RetryCount, rec.ExecutionID,
	)
	if err != nil {
		s.logger.Error("sqlite: update execution failed", "execution_id", rec.ExecutionID, "error", err)
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

// ListByTrigger returns the execution history of a trigger in schedule
// order.
func (s *ExecutionLogStore) ListByTrigger(ctx context.Context, triggerID string) ([]acton.TriggerExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, trigger_id, thread_id, scheduled_time, start_time, end_time,
		        status, error_message, output_summary, retry_count
		 FROM trigger_executions WHERE trigger_id = ? ORDER BY scheduled_time, execution_id`,
		triggerID)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []acton.TriggerExecutionRecord
	for rows.Next() {
		var rec acton.TriggerExecutionRecord
		var threadID, errMsg, summary sql.NullString
		var startTime, endTime sql.NullInt64
		var status string
		if err := rows.Scan(&rec.ExecutionID, &rec.TriggerID, &threadID, &rec.ScheduledTime,
			&startTime, &endTime, &status, &errMsg, &summary, &rec.RetryCount); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		rec.ThreadID = threadID.String
		rec.StartTime = startTime.Int64
		rec.EndTime = endTime.Int64
		rec.Status = acton.ExecutionStatus(status)
		rec.ErrorMessage = errMsg.String
		rec.OutputSummary = summary.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// marshalOrNil returns the JSON encoding of v, or nil when present is
// false so the column stores SQL NULL.
func marshalOrNil(v any, present bool) *string {
	if !present {
		return nil
	}
	data, _ := json.Marshal(v)
	s := string(data)
	return &s
}
