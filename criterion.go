package acton

import (
	"fmt"
	"time"
)

// ResultType constrains how an evaluator's reply is parsed.
type ResultType string

const (
	ResultBoolean ResultType = "BOOLEAN"
	ResultEnum    ResultType = "ENUM"
	ResultScore   ResultType = "SCORE"
	ResultJSON    ResultType = "JSON"
	ResultText    ResultType = "TEXT"
)

// CriterionStatus is the terminal status of one criterion run.
type CriterionStatus string

const (
	StatusSuccess CriterionStatus = "SUCCESS"
	StatusError   CriterionStatus = "ERROR"
	StatusTimeout CriterionStatus = "TIMEOUT"
	StatusSkipped CriterionStatus = "SKIPPED"
)

// MatchMode compares a dependency value in conditional execution.
type MatchMode string

const (
	MatchEquals    MatchMode = "EQUALS"
	MatchNotEquals MatchMode = "NOT_EQUALS"
	MatchNotNull   MatchMode = "NOT_NULL"
	MatchIsTrue    MatchMode = "IS_TRUE"
	MatchIsFalse   MatchMode = "IS_FALSE"
)

// ConditionalExecution gates a criterion on a dependency's value. When
// the condition is unmet the criterion emits SKIPPED with DefaultValue
// and SkipReason instead of running its evaluator.
type ConditionalExecution struct {
	DependsOn  string    `json:"depends_on"`
	MatchMode  MatchMode `json:"match_mode"`
	MatchValue any       `json:"match_value,omitempty"`
	Default    any       `json:"default_value,omitempty"`
	SkipReason string    `json:"skip_reason,omitempty"`
}

// met evaluates the condition against the dependency's value.
func (c *ConditionalExecution) met(v any) (bool, error) {
	switch c.MatchMode {
	case MatchEquals:
		return equalsString(v, fmt.Sprint(c.MatchValue)), nil
	case MatchNotEquals:
		return !equalsString(v, fmt.Sprint(c.MatchValue)), nil
	case MatchNotNull:
		return v != nil, nil
	case MatchIsTrue:
		b, ok := v.(bool)
		return ok && b, nil
	case MatchIsFalse:
		b, ok := v.(bool)
		return ok && !b, nil
	default:
		return false, &ErrInvalidInput{What: "conditional execution", Reason: fmt.Sprintf("unknown match mode %q", c.MatchMode)}
	}
}

// BatchingConfig splits a source collection into batches evaluated
// concurrently and folded by an aggregation strategy.
type BatchingConfig struct {
	Enabled              bool   `json:"enabled"`
	SourcePath           string `json:"source_path"`
	BatchSize            int    `json:"batch_size"`
	MaxConcurrentBatches int    `json:"max_concurrent_batches"`
	BatchBindingKey      string `json:"batch_binding_key"`
	AggregationStrategy  string `json:"aggregation_strategy"`
}

// Criterion is one node of an evaluation suite.
type Criterion struct {
	Name             string                `json:"name"`
	ResultType       ResultType            `json:"result_type"`
	EnumOptions      []string              `json:"enum_options,omitempty"`
	DependsOn        []string              `json:"depends_on,omitempty"`
	EvaluatorRef     string                `json:"evaluator_ref,omitempty"`
	Conditional      *ConditionalExecution `json:"conditional_execution,omitempty"`
	Batching         *BatchingConfig       `json:"batching_config,omitempty"`
	ContextBindings  []string              `json:"context_bindings,omitempty"`
	CustomPrompt     string                `json:"custom_prompt,omitempty"`
	WorkingMechanism string                `json:"working_mechanism,omitempty"`
	FewShots         []string              `json:"few_shots,omitempty"`
}

// CriterionResult is the outcome of one criterion (or one batch).
type CriterionResult struct {
	Criterion   string          `json:"criterion,omitempty"`
	Status      CriterionStatus `json:"status"`
	Value       any             `json:"value,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	RawResponse string          `json:"raw_response,omitempty"`
	StartedAt   time.Time       `json:"started_at,omitzero"`
	FinishedAt  time.Time       `json:"finished_at,omitzero"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// Suite is a named DAG of criteria. DefaultEvaluatorRef backs criteria
// that do not name their own evaluator.
type Suite struct {
	ID                  string      `json:"id"`
	Criteria            []Criterion `json:"criteria"`
	DefaultEvaluatorRef string      `json:"default_evaluator_ref,omitempty"`
}
