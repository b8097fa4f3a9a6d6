package acton

import (
	"reflect"
	"testing"
)

func TestAnyTrueAggregation(t *testing.T) {
	s, _ := NewAggregationRegistry().Resolve(AggAnyTrue)

	tests := []struct {
		name    string
		batches []CriterionResult
		want    any
	}{
		{"empty is false", nil, false},
		{"one true", []CriterionResult{
			{Status: StatusSuccess, Value: false},
			{Status: StatusSuccess, Value: true},
		}, true},
		{"all false", []CriterionResult{
			{Status: StatusSuccess, Value: false},
			{Status: StatusSuccess, Value: false},
		}, false},
		{"non-bool ignored", []CriterionResult{
			{Status: StatusSuccess, Value: "yes"},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Aggregate(tt.batches)
			if got.Status != StatusSuccess || got.Value != tt.want {
				t.Errorf("got %+v, want value %v", got, tt.want)
			}
		})
	}
}

func TestAllTrueAggregation(t *testing.T) {
	s, _ := NewAggregationRegistry().Resolve(AggAllTrue)

	// Vacuous truth on empty input.
	if got := s.Aggregate(nil); got.Value != true {
		t.Errorf("empty batches should aggregate true, got %+v", got)
	}
	got := s.Aggregate([]CriterionResult{
		{Status: StatusSuccess, Value: true},
		{Status: StatusSuccess, Value: false},
	})
	if got.Value != false {
		t.Errorf("expected false, got %+v", got)
	}
}

func TestMergeListsAggregation(t *testing.T) {
	s, _ := NewAggregationRegistry().Resolve(AggMergeLists)

	got := s.Aggregate([]CriterionResult{
		{Status: StatusSuccess, Value: []any{"a", "b"}},
		{Status: StatusSuccess, Value: []any{"b", "c"}},
		{Status: StatusSuccess, Value: "not a list"},
	})
	if got.Status != StatusSuccess {
		t.Fatalf("unexpected status %+v", got)
	}
	if !reflect.DeepEqual(got.Value, []any{"a", "b", "c"}) {
		t.Errorf("expected first-seen order with duplicates dropped, got %v", got.Value)
	}

	// Empty input still yields an empty list, not nil.
	empty := s.Aggregate(nil)
	if !reflect.DeepEqual(empty.Value, []any{}) {
		t.Errorf("expected empty list, got %#v", empty.Value)
	}
}

func TestAggregationStatusFolding(t *testing.T) {
	reg := NewAggregationRegistry()
	for _, name := range []string{AggAnyTrue, AggAllTrue, AggMergeLists} {
		s, ok := reg.Resolve(name)
		if !ok {
			t.Fatalf("strategy %s missing", name)
		}

		got := s.Aggregate([]CriterionResult{
			{Status: StatusSuccess, Value: true},
			{Status: StatusTimeout, Reason: "slow"},
			{Status: StatusError, Reason: "boom"},
		})
		if got.Status != StatusError {
			t.Errorf("%s: error should dominate, got %s", name, got.Status)
		}

		got = s.Aggregate([]CriterionResult{
			{Status: StatusSuccess, Value: true},
			{Status: StatusTimeout, Reason: "slow"},
		})
		if got.Status != StatusTimeout {
			t.Errorf("%s: timeout should dominate success, got %s", name, got.Status)
		}
	}
}

func TestAggregationRegistryCustomStrategy(t *testing.T) {
	reg := NewAggregationRegistry()
	reg.Register(countStrategy{})
	s, ok := reg.Resolve("COUNT")
	if !ok {
		t.Fatalf("custom strategy not resolvable")
	}
	got := s.Aggregate([]CriterionResult{{Status: StatusSuccess}, {Status: StatusSuccess}})
	if got.Value != 2 {
		t.Errorf("unexpected value %v", got.Value)
	}
}

type countStrategy struct{}

func (countStrategy) Name() string { return "COUNT" }
func (countStrategy) Aggregate(batches []CriterionResult) CriterionResult {
	return CriterionResult{Status: StatusSuccess, Value: len(batches)}
}
