package acton

import (
	"testing"
)

func TestObserveValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want *Shape
	}{
		{"string", "x", PrimitiveShape(PrimString)},
		{"bool", true, PrimitiveShape(PrimBoolean)},
		{"integral float", float64(3), PrimitiveShape(PrimInteger)},
		{"fractional float", 3.5, PrimitiveShape(PrimNumber)},
		{"null", nil, PrimitiveShape(PrimNull)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ObserveValue(tt.in); !ShapesEqual(got, tt.want) {
				t.Errorf("ObserveValue(%v) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestObserveObjectAndArray(t *testing.T) {
	got := ObserveValue(map[string]any{
		"name":  "a",
		"count": float64(2),
		"tags":  []any{"x", "y"},
	})
	if got.Kind != KindObject {
		t.Fatalf("expected object, got %v", got.Kind)
	}
	if got.Fields["count"].Primitive != PrimInteger {
		t.Errorf("expected integer count, got %+v", got.Fields["count"])
	}
	tags := got.Fields["tags"]
	if tags.Kind != KindArray || tags.Item.Primitive != PrimString {
		t.Errorf("unexpected tags shape %+v", tags)
	}
}

func TestMergeShapesLatticeLaws(t *testing.T) {
	a := ObserveValue(map[string]any{"x": float64(1)})
	b := ObserveValue(map[string]any{"x": 1.5, "y": "s"})
	c := ObserveValue(map[string]any{"z": true})

	// Idempotent.
	if !ShapesEqual(MergeShapes(a, a), a) {
		t.Errorf("merge not idempotent")
	}
	// Commutative.
	if !ShapesEqual(MergeShapes(a, b), MergeShapes(b, a)) {
		t.Errorf("merge not commutative")
	}
	// Associative.
	left := MergeShapes(MergeShapes(a, b), c)
	right := MergeShapes(a, MergeShapes(b, c))
	if !ShapesEqual(left, right) {
		t.Errorf("merge not associative")
	}
	// Unknown is the identity.
	if !ShapesEqual(MergeShapes(UnknownShape(), a), a) {
		t.Errorf("unknown not identity")
	}
}

func TestMergeShapesWidening(t *testing.T) {
	// Integer widens to number.
	m := MergeShapes(PrimitiveShape(PrimInteger), PrimitiveShape(PrimNumber))
	if m.Primitive != PrimNumber {
		t.Errorf("expected number, got %+v", m)
	}

	// Absent object fields become optional.
	a := ObserveValue(map[string]any{"x": "1", "y": "2"})
	b := ObserveValue(map[string]any{"x": "1"})
	m = MergeShapes(a, b)
	if !m.Fields["y"].Optional {
		t.Errorf("expected y optional, got %+v", m.Fields["y"])
	}
	if m.Fields["x"].Optional {
		t.Errorf("x present in both, should not be optional")
	}

	// Mismatched kinds union, with duplicates collapsed.
	u := MergeShapes(PrimitiveShape(PrimString), ObserveValue([]any{"x"}))
	if u.Kind != KindUnion || len(u.Variants) != 2 {
		t.Fatalf("expected 2-variant union, got %+v", u)
	}
	again := MergeShapes(u, PrimitiveShape(PrimString))
	if again.Kind != KindUnion || len(again.Variants) != 2 {
		t.Errorf("expected union to stay at 2 variants, got %+v", again)
	}
}

func TestSchemaRegistryObserve(t *testing.T) {
	r := NewSchemaRegistry()
	r.ObserveJSON("weather", []byte(`{"temp": 21, "city": "Jakarta"}`))
	r.ObserveJSON("weather", []byte(`{"temp": 21.5}`))

	shape, samples, ok := r.Observed("weather")
	if !ok || samples != 2 {
		t.Fatalf("expected 2 samples, got %d ok=%v", samples, ok)
	}
	if shape.Fields["temp"].Primitive != PrimNumber {
		t.Errorf("expected temp widened to number, got %+v", shape.Fields["temp"])
	}
	if !shape.Fields["city"].Optional {
		t.Errorf("expected city optional after second observation")
	}
}

func TestSchemaRegistrySampleCap(t *testing.T) {
	r := NewSchemaRegistry(WithMaxSamples(2))
	r.Observe("t", "a")
	r.Observe("t", "b")
	r.Observe("t", float64(1)) // past the cap, dropped

	shape, samples, _ := r.Observed("t")
	if samples != 2 {
		t.Errorf("expected samples capped at 2, got %d", samples)
	}
	if shape.Kind != KindPrimitive || shape.Primitive != PrimString {
		t.Errorf("observation past cap should not widen shape: %+v", shape)
	}
}

func TestSchemaRegistryNonJSONPayload(t *testing.T) {
	r := NewSchemaRegistry()
	r.ObserveJSON("t", []byte("plain text, not json"))
	shape, _, _ := r.Observed("t")
	if shape.Primitive != PrimString {
		t.Errorf("expected string fallback, got %+v", shape)
	}
}
