package acton

import (
	"encoding/json"
	"math"
	"sort"
	"sync"
)

// ShapeKind discriminates the shape variants.
type ShapeKind int

const (
	KindUnknown ShapeKind = iota
	KindPrimitive
	KindObject
	KindArray
	KindUnion
)

// Primitive type names.
const (
	PrimString  = "string"
	PrimInteger = "integer"
	PrimNumber  = "number"
	PrimBoolean = "boolean"
	PrimNull    = "null"
)

// Shape is a recursive description of a tool return value (or parameter).
// Shapes form a join-semilattice under Merge: observing more values only
// ever widens a shape, and merges are commutative, associative, and
// idempotent, so concurrent observations converge without coordination.
type Shape struct {
	Kind        ShapeKind         `json:"kind"`
	Primitive   string            `json:"primitive,omitempty"`
	Fields      map[string]*Shape `json:"fields,omitempty"`
	Item        *Shape            `json:"item,omitempty"`
	Variants    []*Shape          `json:"variants,omitempty"`
	Optional    bool              `json:"optional,omitempty"`
	Description string            `json:"description,omitempty"`
}

// UnknownShape returns the bottom element of the lattice.
func UnknownShape() *Shape { return &Shape{Kind: KindUnknown} }

// PrimitiveShape builds a primitive shape.
func PrimitiveShape(name string) *Shape {
	return &Shape{Kind: KindPrimitive, Primitive: name}
}

// ObjectShape builds an object shape from named fields.
func ObjectShape(fields map[string]*Shape) *Shape {
	return &Shape{Kind: KindObject, Fields: fields}
}

// ArrayShape builds an array shape with the given item shape.
func ArrayShape(item *Shape) *Shape {
	return &Shape{Kind: KindArray, Item: item}
}

// ObserveValue derives a shape from a live value as decoded by
// encoding/json (map[string]any, []any, string, float64, bool, nil).
// Integral float64 values observe as integer; fractional as number.
func ObserveValue(v any) *Shape {
	switch val := v.(type) {
	case nil:
		return PrimitiveShape(PrimNull)
	case bool:
		return PrimitiveShape(PrimBoolean)
	case string:
		return PrimitiveShape(PrimString)
	case float64:
		if val == math.Trunc(val) && !math.IsInf(val, 0) {
			return PrimitiveShape(PrimInteger)
		}
		return PrimitiveShape(PrimNumber)
	case json.Number:
		if _, err := val.Int64(); err == nil {
			return PrimitiveShape(PrimInteger)
		}
		return PrimitiveShape(PrimNumber)
	case int, int32, int64:
		return PrimitiveShape(PrimInteger)
	case map[string]any:
		fields := make(map[string]*Shape, len(val))
		for k, fv := range val {
			fields[k] = ObserveValue(fv)
		}
		return ObjectShape(fields)
	case []any:
		item := UnknownShape()
		for _, e := range val {
			item = MergeShapes(item, ObserveValue(e))
		}
		return ArrayShape(item)
	default:
		return UnknownShape()
	}
}

// MergeShapes computes the lattice join of two shapes.
// Rules: Unknown is the identity; equal primitives collapse; integer
// widens into number; objects merge fields with absent fields marked
// optional; arrays merge item shapes; anything else unions.
func MergeShapes(a, b *Shape) *Shape {
	if a == nil || a.Kind == KindUnknown {
		return cloneShape(b)
	}
	if b == nil || b.Kind == KindUnknown {
		return cloneShape(a)
	}

	opt := a.Optional || b.Optional

	switch {
	case a.Kind == KindPrimitive && b.Kind == KindPrimitive:
		if a.Primitive == b.Primitive {
			out := cloneShape(a)
			out.Optional = opt
			return out
		}
		if numericPair(a.Primitive, b.Primitive) {
			out := PrimitiveShape(PrimNumber)
			out.Optional = opt
			return out
		}
	case a.Kind == KindObject && b.Kind == KindObject:
		fields := make(map[string]*Shape, len(a.Fields)+len(b.Fields))
		for k, av := range a.Fields {
			if bv, ok := b.Fields[k]; ok {
				fields[k] = MergeShapes(av, bv)
			} else {
				f := cloneShape(av)
				f.Optional = true
				fields[k] = f
			}
		}
		for k, bv := range b.Fields {
			if _, ok := a.Fields[k]; !ok {
				f := cloneShape(bv)
				f.Optional = true
				fields[k] = f
			}
		}
		out := ObjectShape(fields)
		out.Optional = opt
		return out
	case a.Kind == KindArray && b.Kind == KindArray:
		out := ArrayShape(MergeShapes(a.Item, b.Item))
		out.Optional = opt
		return out
	}

	// Fall through: union of the two, flattening nested unions and
	// de-duplicating identical variants.
	variants := appendVariants(nil, a)
	variants = appendVariants(variants, b)
	if len(variants) == 1 {
		out := cloneShape(variants[0])
		out.Optional = opt
		return out
	}
	return &Shape{Kind: KindUnion, Variants: variants, Optional: opt}
}

func numericPair(a, b string) bool {
	return (a == PrimInteger && b == PrimNumber) || (a == PrimNumber && b == PrimInteger)
}

// appendVariants flattens s into the variant list, skipping duplicates.
func appendVariants(list []*Shape, s *Shape) []*Shape {
	if s.Kind == KindUnion {
		for _, v := range s.Variants {
			list = appendVariants(list, v)
		}
		return list
	}
	for _, existing := range list {
		if ShapesEqual(existing, s) {
			return list
		}
	}
	c := cloneShape(s)
	c.Optional = false
	return append(list, c)
}

// ShapesEqual reports structural equality, ignoring descriptions.
func ShapesEqual(a, b *Shape) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind != b.Kind || a.Primitive != b.Primitive || a.Optional != b.Optional {
		return false
	}
	switch a.Kind {
	case KindObject:
		if len(a.Fields) != len(b.Fields) {
			return false
		}
		for k, av := range a.Fields {
			bv, ok := b.Fields[k]
			if !ok || !ShapesEqual(av, bv) {
				return false
			}
		}
	case KindArray:
		return ShapesEqual(a.Item, b.Item)
	case KindUnion:
		if len(a.Variants) != len(b.Variants) {
			return false
		}
		for _, av := range a.Variants {
			found := false
			for _, bv := range b.Variants {
				if ShapesEqual(av, bv) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func cloneShape(s *Shape) *Shape {
	if s == nil {
		return UnknownShape()
	}
	out := &Shape{
		Kind:        s.Kind,
		Primitive:   s.Primitive,
		Optional:    s.Optional,
		Description: s.Description,
	}
	if s.Fields != nil {
		out.Fields = make(map[string]*Shape, len(s.Fields))
		for k, v := range s.Fields {
			out.Fields[k] = cloneShape(v)
		}
	}
	if s.Item != nil {
		out.Item = cloneShape(s.Item)
	}
	for _, v := range s.Variants {
		out.Variants = append(out.Variants, cloneShape(v))
	}
	return out
}

// sortedFieldNames returns object field names in stable order for
// deterministic rendering.
func sortedFieldNames(s *Shape) []string {
	names := make([]string, 0, len(s.Fields))
	for k := range s.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// --- Observation registry ---

// defaultMaxSamples caps per-tool observations so long-lived processes
// stop churning schemas once a tool's behavior is well established.
const defaultMaxSamples = 100

// SchemaRegistry accumulates observed return shapes per tool. It is
// process-wide and safe for concurrent use; merges are lattice joins so
// concurrent observations converge regardless of order.
type SchemaRegistry struct {
	maxSamples int
	mu         sync.RWMutex
	entries    map[string]*schemaEntry
}

type schemaEntry struct {
	shape   *Shape
	samples int
}

// SchemaRegistryOption configures a SchemaRegistry.
type SchemaRegistryOption func(*SchemaRegistry)

// WithMaxSamples overrides the observation cap (default 100).
func WithMaxSamples(n int) SchemaRegistryOption {
	return func(r *SchemaRegistry) { r.maxSamples = n }
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry(opts ...SchemaRegistryOption) *SchemaRegistry {
	r := &SchemaRegistry{
		maxSamples: defaultMaxSamples,
		entries:    make(map[string]*schemaEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Observe records one live return value for the named tool.
// Observations past the sample cap are dropped.
func (r *SchemaRegistry) Observe(tool string, value any) {
	shape := ObserveValue(value)
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[tool]
	if e == nil {
		e = &schemaEntry{shape: UnknownShape()}
		r.entries[tool] = e
	}
	if e.samples >= r.maxSamples {
		return
	}
	e.shape = MergeShapes(e.shape, shape)
	e.samples++
}

// ObserveJSON decodes a raw JSON payload and records its shape.
// Non-JSON payloads observe as plain strings.
func (r *SchemaRegistry) ObserveJSON(tool string, payload []byte) {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		v = string(payload)
	}
	r.Observe(tool, v)
}

// Observed returns the accumulated shape and sample count for a tool.
func (r *SchemaRegistry) Observed(tool string) (*Shape, int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[tool]
	if !ok {
		return nil, 0, false
	}
	return cloneShape(e.shape), e.samples, true
}
