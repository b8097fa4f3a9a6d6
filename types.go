package acton

import (
	"context"
	"encoding/json"
)

// --- Conversation messages ---

// Message roles. A conversation is an ordered sequence of messages; an
// assistant message that carries ToolCalls must be followed by one tool
// message per call, linked by ToolCallID, before the next assistant message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single conversation entry. The Role discriminates the
// variant: system, user, assistant (optionally with tool calls), or tool
// (a tool response linked to an assistant call by ToolCallID).
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// Name carries the tool name on tool-response messages. Synthetic
	// messages injected by prompt contributors use Name as a sentinel to
	// stay idempotent across turns.
	Name     string          `json:"name,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// ToolCall is a single tool invocation requested by the model (or injected
// by the fast-intent path).
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Usage tracks token consumption across model calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage record into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
}

// --- Model protocol ---

// ModelRequest is the input to a model call: the conversation so far plus
// the tool definitions the model may invoke.
type ModelRequest struct {
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// ModelResponse is the model's reply: free text and/or tool calls.
type ModelResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// ModelClient is the LLM transport boundary. The concrete wire protocol is
// out of scope for the core; tests use in-process fakes.
type ModelClient interface {
	Chat(ctx context.Context, req ModelRequest) (ModelResponse, error)
}

// ToolDefinition is the wire-level description of a tool exposed to the
// model: name, free-text description, and a JSON Schema for arguments.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// --- Message constructors ---

func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// AssistantToolCalls builds an assistant message carrying tool calls.
func AssistantToolCalls(text string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: calls}
}

// ToolResponseMessage builds a tool message answering the call with the
// given id. name is the tool that produced the payload.
func ToolResponseMessage(callID, name, payload string) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Name: name, Content: payload}
}
