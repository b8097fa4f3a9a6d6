package acton

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// PromptContribution is what one contributor adds to the model request.
// SystemText is appended to the system prompt (never replacing it);
// each Injection becomes a sentinel-bound Assistant + ToolResponse pair.
type PromptContribution struct {
	SystemText string
	Injections []string
}

// PromptContributor turns evaluation output into request additions.
// Name doubles as the injection sentinel: the assembler skips a
// contributor whose sentinel already appears in the message history, so
// re-assembly never injects twice. A nil ShouldContribute always fires.
type PromptContributor struct {
	Name             string
	Phase            Phase
	Priority         int
	ShouldContribute func(result EvaluationResult, st *State) bool
	Contribute       func(ctx context.Context, result EvaluationResult, st *State) (PromptContribution, error)
}

// PromptAssembler runs contributors in priority order and merges their
// contributions into a model request. Contributions are additive:
// contributors cannot remove prior system text or existing messages.
type PromptAssembler struct {
	logger *slog.Logger

	mu           sync.RWMutex
	contributors []*PromptContributor
}

// PromptAssemblerOption configures a PromptAssembler.
type PromptAssemblerOption func(*PromptAssembler)

// WithPromptLogger sets the structured logger.
func WithPromptLogger(l *slog.Logger) PromptAssemblerOption {
	return func(a *PromptAssembler) { a.logger = l }
}

// NewPromptAssembler creates an empty assembler.
func NewPromptAssembler(opts ...PromptAssemblerOption) *PromptAssembler {
	a := &PromptAssembler{logger: nopLogger}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Register adds a contributor. Names must be unique (they are sentinels).
func (a *PromptAssembler) Register(c PromptContributor) error {
	if c.Name == "" {
		return &ErrInvalidInput{What: "prompt contributor", Reason: "empty name"}
	}
	if c.Contribute == nil {
		return &ErrInvalidInput{What: "prompt contributor " + c.Name, Reason: "nil contribute fn"}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, existing := range a.contributors {
		if existing.Name == c.Name {
			return &ErrConflict{Reason: fmt.Sprintf("prompt contributor %q already registered", c.Name)}
		}
	}
	contrib := c
	a.contributors = append(a.contributors, &contrib)
	sort.SliceStable(a.contributors, func(i, j int) bool {
		return a.contributors[i].Priority < a.contributors[j].Priority
	})
	return nil
}

// Assemble applies all contributors for the phase to the request.
func (a *PromptAssembler) Assemble(ctx context.Context, phase Phase, result EvaluationResult, st *State, req *ModelRequest) error {
	a.mu.RLock()
	contributors := make([]*PromptContributor, len(a.contributors))
	copy(contributors, a.contributors)
	a.mu.RUnlock()

	for _, c := range contributors {
		if c.Phase != phase {
			continue
		}
		if hasSentinel(req.Messages, c.Name) {
			continue
		}
		if c.ShouldContribute != nil && !c.ShouldContribute(result, st) {
			continue
		}
		contribution, err := c.Contribute(ctx, result, st)
		if err != nil {
			return fmt.Errorf("prompt contributor %s: %w", c.Name, err)
		}
		if contribution.SystemText != "" {
			appendSystemText(req, contribution.SystemText)
		}
		for _, payload := range contribution.Injections {
			req.Messages = append(req.Messages, sentinelPair(c.Name, payload)...)
		}
		a.logger.Debug("prompt contribution applied", "contributor", c.Name,
			"injections", len(contribution.Injections))
	}
	return nil
}

// hasSentinel reports whether a contributor's injection already exists.
func hasSentinel(messages []Message, sentinel string) bool {
	for _, m := range messages {
		if m.Name == sentinel {
			return true
		}
	}
	return false
}

// appendSystemText appends to the request's system message with a blank
// line, creating one at the front when absent.
func appendSystemText(req *ModelRequest, text string) {
	for i := range req.Messages {
		if req.Messages[i].Role == RoleSystem {
			req.Messages[i].Content += "\n\n" + text
			return
		}
	}
	req.Messages = append([]Message{SystemMessage(text)}, req.Messages...)
}

// sentinelPair builds the Assistant + ToolResponse pair carrying an
// injected payload, bound by a synthetic tool_call_id and marked with
// the contributor's sentinel name.
func sentinelPair(sentinel, payload string) []Message {
	callID := NewID()
	assistant := AssistantToolCalls("", ToolCall{ID: callID, Name: sentinel, Args: []byte("{}")})
	assistant.Name = sentinel
	response := ToolResponseMessage(callID, sentinel, payload)
	return []Message{assistant, response}
}
