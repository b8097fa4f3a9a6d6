package acton

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// ToolHandler is the runtime contract of a tool: a pure function from
// decoded arguments to a result value. The returned value must be
// JSON-serialisable; it is observed by the schema registry and marshalled
// into the tool response payload.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// Parameter describes one argument in a tool's parameter tree.
type Parameter struct {
	Name        string `json:"name"`
	Shape       *Shape `json:"shape"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// Tool is a registered capability. Name is the stable identifier; Aliases
// resolve to the same tool. ClassName groups tools for code generation
// (tools sharing a class become methods on one synthesized class).
type Tool struct {
	Name        string
	Description string
	Parameters  []Parameter
	// Returns is the declared return schema. Used for documentation only
	// when no live observation exists in the schema registry.
	Returns   *Shape
	Languages []string
	ClassName string
	Aliases   []string
	// Internal tools are callable by the model and the sandbox bridge
	// but excluded from code-generation prompts (the meta tools that
	// drive generation itself).
	Internal bool
	Handler  ToolHandler
}

// Definition renders the tool as a wire-level definition with a JSON
// Schema for its parameters.
func (t *Tool) Definition() ToolDefinition {
	props := make(map[string]any, len(t.Parameters))
	var required []string
	for _, p := range t.Parameters {
		props[p.Name] = shapeToJSONSchema(p.Shape, p.Description)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	raw, _ := json.Marshal(schema)
	return ToolDefinition{Name: t.Name, Description: t.Description, Parameters: raw}
}

// shapeToJSONSchema converts a parameter shape into a JSON Schema node.
func shapeToJSONSchema(s *Shape, desc string) map[string]any {
	out := map[string]any{}
	if desc != "" {
		out["description"] = desc
	}
	if s == nil {
		return out
	}
	switch s.Kind {
	case KindPrimitive:
		out["type"] = s.Primitive
	case KindObject:
		out["type"] = "object"
		props := make(map[string]any, len(s.Fields))
		for _, name := range sortedFieldNames(s) {
			props[name] = shapeToJSONSchema(s.Fields[name], s.Fields[name].Description)
		}
		out["properties"] = props
	case KindArray:
		out["type"] = "array"
		out["items"] = shapeToJSONSchema(s.Item, "")
	case KindUnion:
		var anyOf []any
		for _, v := range s.Variants {
			anyOf = append(anyOf, shapeToJSONSchema(v, ""))
		}
		out["anyOf"] = anyOf
	}
	return out
}

// --- Dispatch outcome ---

// DispatchResult is the outcome of one tool dispatch. Content is the
// JSON-encoded return value, or an error message when IsError is set.
type DispatchResult struct {
	Content  string
	IsError  bool
	Duration time.Duration
}

// DispatchFunc executes a single tool call. The sandbox bridge and the
// runtime loop both dispatch through this signature.
type DispatchFunc func(ctx context.Context, tc ToolCall) DispatchResult

// ToolOutcome is reported to the dispatch observer after every call.
type ToolOutcome struct {
	Tool     string
	Duration time.Duration
	Err      error
}

// --- Dispatcher ---

// Dispatcher resolves tool calls by name, validates arguments against the
// parameter tree, invokes the handler, observes the return shape, and
// reports duration and outcome.
type Dispatcher struct {
	schemas  *SchemaRegistry
	logger   *slog.Logger
	onResult func(ToolOutcome)

	mu     sync.RWMutex
	byName map[string]*Tool // includes aliases
	order  []string         // canonical names in registration order
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the structured logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDispatchObserver registers a callback receiving every dispatch
// outcome (for metrics).
func WithDispatchObserver(fn func(ToolOutcome)) DispatcherOption {
	return func(d *Dispatcher) { d.onResult = fn }
}

// NewDispatcher creates a dispatcher feeding observations into the given
// schema registry.
func NewDispatcher(schemas *SchemaRegistry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		schemas: schemas,
		logger:  nopLogger,
		byName:  make(map[string]*Tool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a tool. Names and aliases must be globally unique.
func (d *Dispatcher) Register(t Tool) error {
	if t.Name == "" {
		return &ErrInvalidInput{What: "tool", Reason: "empty name"}
	}
	if t.Handler == nil {
		return &ErrInvalidInput{What: "tool " + t.Name, Reason: "nil handler"}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	names := append([]string{t.Name}, t.Aliases...)
	for _, n := range names {
		if _, dup := d.byName[n]; dup {
			return &ErrConflict{Reason: fmt.Sprintf("tool name %q already registered", n)}
		}
	}
	tool := t
	for _, n := range names {
		d.byName[n] = &tool
	}
	d.order = append(d.order, t.Name)
	return nil
}

// Resolve returns the tool registered under name (alias-aware).
func (d *Dispatcher) Resolve(name string) (*Tool, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.byName[name]
	return t, ok
}

// Tools returns all registered tools in registration order.
func (d *Dispatcher) Tools() []*Tool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Tool, 0, len(d.order))
	for _, n := range d.order {
		out = append(out, d.byName[n])
	}
	return out
}

// Definitions returns wire definitions for all registered tools.
func (d *Dispatcher) Definitions() []ToolDefinition {
	tools := d.Tools()
	defs := make([]ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, t.Definition())
	}
	return defs
}

// SchemaRegistry exposes the registry observations feed into.
func (d *Dispatcher) SchemaRegistry() *SchemaRegistry { return d.schemas }

// Dispatch executes one tool call. Errors never propagate as Go errors:
// they are folded into the result payload so the model can read them and
// retry with revised arguments.
func (d *Dispatcher) Dispatch(ctx context.Context, tc ToolCall) DispatchResult {
	start := time.Now()
	res, err := d.dispatch(ctx, tc)
	dur := time.Since(start)
	if d.onResult != nil {
		d.onResult(ToolOutcome{Tool: tc.Name, Duration: dur, Err: err})
	}
	if err != nil {
		d.logger.Warn("tool dispatch failed", "tool", tc.Name, "duration", dur, "error", err)
		return DispatchResult{Content: "error: " + err.Error(), IsError: true, Duration: dur}
	}
	d.logger.Debug("tool dispatched", "tool", tc.Name, "duration", dur)
	res.Duration = dur
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, tc ToolCall) (DispatchResult, error) {
	tool, ok := d.Resolve(tc.Name)
	if !ok {
		return DispatchResult{}, &ErrInvalidInput{What: "tool call", Reason: fmt.Sprintf("unknown tool %q", tc.Name)}
	}

	args, err := decodeArgs(tc.Args)
	if err != nil {
		return DispatchResult{}, &ErrInvalidInput{What: "tool " + tool.Name, Reason: err.Error()}
	}
	if err := validateArgs(tool, args); err != nil {
		return DispatchResult{}, err
	}

	value, err := tool.Handler(ctx, args)
	if err != nil {
		return DispatchResult{}, err
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("tool %s: encode result: %w", tool.Name, err)
	}
	if d.schemas != nil {
		d.schemas.ObserveJSON(tool.Name, payload)
	}
	return DispatchResult{Content: string(payload)}, nil
}

// decodeArgs unmarshals raw call arguments into a map. Empty args decode
// to an empty map.
func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// validateArgs checks required parameters, fills defaults, and type-checks
// primitives against the parameter tree.
func validateArgs(tool *Tool, args map[string]any) error {
	declared := make(map[string]bool, len(tool.Parameters))
	for _, p := range tool.Parameters {
		declared[p.Name] = true
		v, present := args[p.Name]
		if !present {
			if p.Required {
				return &ErrInvalidInput{What: "tool " + tool.Name, Reason: fmt.Sprintf("missing required argument %q", p.Name)}
			}
			if p.Default != nil {
				args[p.Name] = p.Default
			}
			continue
		}
		if err := checkShape(p.Shape, v); err != nil {
			return &ErrInvalidInput{What: "tool " + tool.Name, Reason: fmt.Sprintf("argument %q: %v", p.Name, err)}
		}
	}
	// Unknown arguments are a schema violation; report them sorted for
	// stable error text.
	var unknown []string
	for k := range args {
		if !declared[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &ErrInvalidInput{What: "tool " + tool.Name, Reason: "unknown arguments: " + strings.Join(unknown, ", ")}
	}
	return nil
}

// checkShape validates a decoded JSON value against a shape. Unknown
// shapes accept anything.
func checkShape(s *Shape, v any) error {
	if s == nil || s.Kind == KindUnknown {
		return nil
	}
	switch s.Kind {
	case KindPrimitive:
		switch s.Primitive {
		case PrimString:
			if _, ok := v.(string); !ok {
				return fmt.Errorf("expected string, got %T", v)
			}
		case PrimBoolean:
			if _, ok := v.(bool); !ok {
				return fmt.Errorf("expected boolean, got %T", v)
			}
		case PrimInteger, PrimNumber:
			switch v.(type) {
			case float64, int, int64, json.Number:
			default:
				return fmt.Errorf("expected %s, got %T", s.Primitive, v)
			}
		case PrimNull:
			if v != nil {
				return fmt.Errorf("expected null, got %T", v)
			}
		}
	case KindObject:
		obj, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("expected object, got %T", v)
		}
		for name, field := range s.Fields {
			fv, present := obj[name]
			if !present {
				if !field.Optional {
					return fmt.Errorf("missing field %q", name)
				}
				continue
			}
			if err := checkShape(field, fv); err != nil {
				return fmt.Errorf("field %q: %w", name, err)
			}
		}
	case KindArray:
		arr, ok := v.([]any)
		if !ok {
			return fmt.Errorf("expected array, got %T", v)
		}
		for i, e := range arr {
			if err := checkShape(s.Item, e); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
	case KindUnion:
		for _, variant := range s.Variants {
			if checkShape(variant, v) == nil {
				return nil
			}
		}
		return fmt.Errorf("value matches no union variant")
	}
	return nil
}
