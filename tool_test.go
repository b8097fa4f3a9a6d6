package acton

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func echoTool() Tool {
	return Tool{
		Name:        "echo",
		Description: "returns its input",
		Aliases:     []string{"repeat"},
		Parameters: []Parameter{
			{Name: "text", Shape: PrimitiveShape(PrimString), Required: true},
			{Name: "times", Shape: PrimitiveShape(PrimInteger), Default: float64(1)},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			n := int(args["times"].(float64))
			return map[string]any{"text": strings.Repeat(args["text"].(string), n)}, nil
		},
	}
}

func TestDispatcherRegisterAndResolve(t *testing.T) {
	d := NewDispatcher(NewSchemaRegistry())
	if err := d.Register(echoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, ok := d.Resolve("echo"); !ok {
		t.Errorf("canonical name not resolvable")
	}
	if _, ok := d.Resolve("repeat"); !ok {
		t.Errorf("alias not resolvable")
	}

	// Alias collision with an existing name.
	err := d.Register(Tool{
		Name:    "other",
		Aliases: []string{"echo"},
		Handler: func(ctx context.Context, args map[string]any) (any, error) { return nil, nil },
	})
	var conflict *ErrConflict
	if !errors.As(err, &conflict) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestDispatchAppliesDefaultsAndObserves(t *testing.T) {
	reg := NewSchemaRegistry()
	d := NewDispatcher(reg)
	if err := d.Register(echoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}

	res := d.Dispatch(context.Background(), ToolCall{Name: "echo", Args: json.RawMessage(`{"text":"hi"}`)})
	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil || out["text"] != "hi" {
		t.Errorf("unexpected content %q", res.Content)
	}

	shape, samples, ok := reg.Observed("echo")
	if !ok || samples != 1 {
		t.Fatalf("expected 1 observation, got %d", samples)
	}
	if shape.Kind != KindObject || shape.Fields["text"].Primitive != PrimString {
		t.Errorf("unexpected observed shape %+v", shape)
	}
}

func TestDispatchFoldsErrorsIntoResult(t *testing.T) {
	d := NewDispatcher(NewSchemaRegistry())
	if err := d.Register(echoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}

	tests := []struct {
		name string
		call ToolCall
		want string
	}{
		{"unknown tool", ToolCall{Name: "ghost"}, "unknown tool"},
		{"missing required", ToolCall{Name: "echo", Args: json.RawMessage(`{}`)}, "missing required argument"},
		{"wrong type", ToolCall{Name: "echo", Args: json.RawMessage(`{"text": 7}`)}, "expected string"},
		{"unknown argument", ToolCall{Name: "echo", Args: json.RawMessage(`{"text":"x","bogus":1}`)}, "unknown arguments: bogus"},
		{"malformed json", ToolCall{Name: "echo", Args: json.RawMessage(`{broken`)}, "decode args"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Dispatch(context.Background(), tt.call)
			if !res.IsError {
				t.Fatalf("expected error result, got %q", res.Content)
			}
			if !strings.Contains(res.Content, tt.want) {
				t.Errorf("expected %q in %q", tt.want, res.Content)
			}
		})
	}
}

func TestDispatchObserverReceivesOutcome(t *testing.T) {
	var outcomes []ToolOutcome
	d := NewDispatcher(NewSchemaRegistry(), WithDispatchObserver(func(o ToolOutcome) {
		outcomes = append(outcomes, o)
	}))
	if err := d.Register(echoTool()); err != nil {
		t.Fatalf("register: %v", err)
	}

	d.Dispatch(context.Background(), ToolCall{Name: "echo", Args: json.RawMessage(`{"text":"x"}`)})
	d.Dispatch(context.Background(), ToolCall{Name: "ghost"})

	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].Err != nil || outcomes[1].Err == nil {
		t.Errorf("unexpected outcomes %+v", outcomes)
	}
}

func TestToolDefinitionSchema(t *testing.T) {
	tool := echoTool()
	def := tool.Definition()
	if def.Name != "echo" {
		t.Errorf("unexpected name %q", def.Name)
	}
	var schema struct {
		Type       string                    `json:"type"`
		Properties map[string]map[string]any `json:"properties"`
		Required   []string                  `json:"required"`
	}
	if err := json.Unmarshal(def.Parameters, &schema); err != nil {
		t.Fatalf("parameters not valid JSON Schema: %v", err)
	}
	if schema.Type != "object" {
		t.Errorf("expected object schema, got %q", schema.Type)
	}
	if schema.Properties["text"]["type"] != "string" {
		t.Errorf("unexpected text property %+v", schema.Properties["text"])
	}
	if len(schema.Required) != 1 || schema.Required[0] != "text" {
		t.Errorf("unexpected required %v", schema.Required)
	}
}

func TestCheckShapeObjectAndUnion(t *testing.T) {
	obj := ObjectShape(map[string]*Shape{
		"name": PrimitiveShape(PrimString),
		"age":  {Kind: KindPrimitive, Primitive: PrimInteger, Optional: true},
	})
	if err := checkShape(obj, map[string]any{"name": "a"}); err != nil {
		t.Errorf("optional field should not be required: %v", err)
	}
	if err := checkShape(obj, map[string]any{"age": float64(3)}); err == nil {
		t.Errorf("expected missing required field error")
	}

	union := &Shape{Kind: KindUnion, Variants: []*Shape{
		PrimitiveShape(PrimString),
		PrimitiveShape(PrimInteger),
	}}
	if err := checkShape(union, "x"); err != nil {
		t.Errorf("string should match union: %v", err)
	}
	if err := checkShape(union, true); err == nil {
		t.Errorf("bool should not match union")
	}
}
