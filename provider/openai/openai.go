// Package openai implements the model client against any OpenAI-compatible
// chat completions API (OpenAI, OpenRouter, Groq, Ollama, vLLM, ...).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	acton "github.com/actonhq/acton"
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// WithTemperature sets the sampling temperature for every request.
func WithTemperature(t float64) Option {
	return func(cl *Client) { cl.temperature = &t }
}

// WithMaxTokens caps output tokens per request.
func WithMaxTokens(n int) Option {
	return func(cl *Client) { cl.maxTokens = n }
}

// Client sends chat requests to an OpenAI-compatible endpoint. The
// /chat/completions path is appended to the base URL automatically.
type Client struct {
	apiKey      string
	model       string
	baseURL     string
	client      *http.Client
	temperature *float64
	maxTokens   int
}

var _ acton.ModelClient = (*Client)(nil)

// New creates a Client. baseURL is the API base, e.g.
// "https://api.openai.com/v1" or "http://localhost:11434/v1".
func New(apiKey, model, baseURL string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// --- Wire types ---

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type wireToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

// Chat sends a non-streaming chat request. When req.Tools is non-empty the
// response may carry tool calls.
func (c *Client) Chat(ctx context.Context, req acton.ModelRequest) (acton.ModelResponse, error) {
	body := wireRequest{
		Model:       c.model,
		Messages:    buildMessages(req.Messages),
		Tools:       buildTools(req.Tools),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return acton.ModelResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return acton.ModelResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return acton.ModelResponse{}, &acton.ErrExternalFailure{SPI: "model", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return acton.ModelResponse{}, &acton.ErrExternalFailure{
			SPI: "model",
			Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, raw),
		}
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return acton.ModelResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return parseResponse(wire), nil
}

func buildMessages(msgs []acton.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, Name: m.Name}
		for _, tc := range m.ToolCalls {
			var wtc wireToolCall
			wtc.ID = tc.ID
			wtc.Type = "function"
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(tc.Args)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		out = append(out, wm)
	}
	return out
}

func buildTools(defs []acton.ToolDefinition) []wireTool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(defs))
	for _, d := range defs {
		params := d.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, wireTool{
			Type:     "function",
			Function: wireFunction{Name: d.Name, Description: d.Description, Parameters: params},
		})
	}
	return out
}

func parseResponse(wire wireResponse) acton.ModelResponse {
	var out acton.ModelResponse
	if wire.Usage != nil {
		out.Usage = acton.Usage{InputTokens: wire.Usage.PromptTokens, OutputTokens: wire.Usage.CompletionTokens}
	}
	if len(wire.Choices) == 0 {
		return out
	}
	msg := wire.Choices[0].Message
	out.Content = msg.Content
	for _, tc := range msg.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out.ToolCalls = append(out.ToolCalls, acton.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
