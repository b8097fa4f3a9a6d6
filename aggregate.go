package acton

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Built-in aggregation strategy ids.
const (
	AggAnyTrue    = "ANY_TRUE"
	AggAllTrue    = "ALL_TRUE"
	AggMergeLists = "MERGE_LISTS"
)

// AggregationStrategy folds per-batch results into one criterion result.
// Status folding is uniform across built-ins: any ERROR batch makes the
// whole criterion ERROR, else any TIMEOUT makes it TIMEOUT.
type AggregationStrategy interface {
	Name() string
	Aggregate(batches []CriterionResult) CriterionResult
}

// AggregationRegistry resolves strategies by id.
type AggregationRegistry struct {
	mu         sync.RWMutex
	strategies map[string]AggregationStrategy
}

// NewAggregationRegistry creates a registry preloaded with the built-in
// strategies.
func NewAggregationRegistry() *AggregationRegistry {
	r := &AggregationRegistry{strategies: make(map[string]AggregationStrategy)}
	r.Register(anyTrue{})
	r.Register(allTrue{})
	r.Register(mergeLists{})
	return r
}

// Register adds a strategy, replacing any previous one with the same name.
func (r *AggregationRegistry) Register(s AggregationStrategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Resolve looks up a strategy by id.
func (r *AggregationRegistry) Resolve(name string) (AggregationStrategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// foldStatus returns the terminal status implied by the batch statuses,
// or SUCCESS when all batches succeeded.
func foldStatus(batches []CriterionResult) (CriterionStatus, string) {
	for _, b := range batches {
		if b.Status == StatusError {
			return StatusError, b.Reason
		}
	}
	for _, b := range batches {
		if b.Status == StatusTimeout {
			return StatusTimeout, b.Reason
		}
	}
	return StatusSuccess, ""
}

type anyTrue struct{}

func (anyTrue) Name() string { return AggAnyTrue }

func (anyTrue) Aggregate(batches []CriterionResult) CriterionResult {
	if st, reason := foldStatus(batches); st != StatusSuccess {
		return CriterionResult{Status: st, Reason: reason}
	}
	if len(batches) == 0 {
		return CriterionResult{Status: StatusSuccess, Value: false, Reason: "no batches evaluated"}
	}
	for _, b := range batches {
		if v, ok := b.Value.(bool); ok && v {
			return CriterionResult{Status: StatusSuccess, Value: true, Reason: "At least one batch returned true"}
		}
	}
	return CriterionResult{Status: StatusSuccess, Value: false, Reason: "no batch returned true"}
}

type allTrue struct{}

func (allTrue) Name() string { return AggAllTrue }

func (allTrue) Aggregate(batches []CriterionResult) CriterionResult {
	if st, reason := foldStatus(batches); st != StatusSuccess {
		return CriterionResult{Status: st, Reason: reason}
	}
	if len(batches) == 0 {
		return CriterionResult{Status: StatusSuccess, Value: true, Reason: "no batches evaluated"}
	}
	for i, b := range batches {
		if v, ok := b.Value.(bool); !ok || !v {
			return CriterionResult{Status: StatusSuccess, Value: false, Reason: fmt.Sprintf("batch %d returned false", i)}
		}
	}
	return CriterionResult{Status: StatusSuccess, Value: true, Reason: "all batches returned true"}
}

type mergeLists struct{}

func (mergeLists) Name() string { return AggMergeLists }

// Aggregate unions list values across batches, preserving first-seen
// order and dropping exact duplicates (compared by JSON encoding).
func (mergeLists) Aggregate(batches []CriterionResult) CriterionResult {
	if st, reason := foldStatus(batches); st != StatusSuccess {
		return CriterionResult{Status: st, Reason: reason}
	}
	merged := []any{}
	seen := make(map[string]bool)
	for _, b := range batches {
		items, ok := b.Value.([]any)
		if !ok {
			continue
		}
		for _, item := range items {
			key, err := json.Marshal(item)
			if err != nil {
				key = []byte(fmt.Sprint(item))
			}
			if seen[string(key)] {
				continue
			}
			seen[string(key)] = true
			merged = append(merged, item)
		}
	}
	return CriterionResult{Status: StatusSuccess, Value: merged, Reason: fmt.Sprintf("merged %d items", len(merged))}
}
