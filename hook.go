package acton

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// HookPosition names the pipeline point a hook attaches to.
type HookPosition string

const (
	BeforeAgent   HookPosition = "BEFORE_AGENT"
	BeforeModel   HookPosition = "BEFORE_MODEL"
	AfterModel    HookPosition = "AFTER_MODEL"
	AfterAgent    HookPosition = "AFTER_AGENT"
	ToolIntercept HookPosition = "TOOL_INTERCEPT"
)

// Phase scopes a hook (or prompt contributor) to one of the two nested
// agents.
type Phase string

const (
	PhaseReact   Phase = "REACT"
	PhaseCodeAct Phase = "CODEACT"
)

// Jump destinations a hook may write into jump_to. End (from the graph
// engine) is also permitted and short-circuits the turn.
const (
	JumpModel = "model"
	JumpTool  = "tool"
)

// HookContext is the per-run payload handed to hooks. State is always
// set; the other fields depend on the position: Request for BEFORE_MODEL
// and AFTER_MODEL, Response for AFTER_MODEL, Call for TOOL_INTERCEPT.
type HookContext struct {
	State    *State
	Request  *ModelRequest
	Response *ModelResponse
	Call     *ToolCall
}

// HookFunc is the body of a hook. It returns a delta merged into state
// before the next hook runs.
type HookFunc func(ctx context.Context, hc *HookContext) (Delta, error)

// Hook is one registered pipeline step. Lower Priority runs first.
// JumpDestinations declares the jump_to values the hook is allowed to
// set; the pipeline rejects undeclared jumps.
type Hook struct {
	Name             string
	Position         HookPosition
	Phase            Phase
	Priority         int
	JumpDestinations []string
	Fn               HookFunc
}

type hookKey struct {
	pos   HookPosition
	phase Phase
}

// HookPipeline dispatches hooks by position and phase in priority order.
type HookPipeline struct {
	logger *slog.Logger

	mu    sync.RWMutex
	hooks map[hookKey][]*Hook
}

// HookPipelineOption configures a HookPipeline.
type HookPipelineOption func(*HookPipeline)

// WithHookLogger sets the structured logger.
func WithHookLogger(l *slog.Logger) HookPipelineOption {
	return func(p *HookPipeline) { p.logger = l }
}

// NewHookPipeline creates an empty pipeline.
func NewHookPipeline(opts ...HookPipelineOption) *HookPipeline {
	p := &HookPipeline{
		logger: nopLogger,
		hooks:  make(map[hookKey][]*Hook),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// validPositions and validJumps bound registration.
var validPositions = map[HookPosition]bool{
	BeforeAgent: true, BeforeModel: true, AfterModel: true,
	AfterAgent: true, ToolIntercept: true,
}

var validJumps = map[string]bool{JumpModel: true, JumpTool: true, End: true}

// Register adds a hook. Declared jump destinations are validated here so
// a hook can never route the graph somewhere unreachable at run time.
func (p *HookPipeline) Register(h Hook) error {
	if h.Name == "" {
		return &ErrInvalidInput{What: "hook", Reason: "empty name"}
	}
	if h.Fn == nil {
		return &ErrInvalidInput{What: "hook " + h.Name, Reason: "nil fn"}
	}
	if !validPositions[h.Position] {
		return &ErrInvalidInput{What: "hook " + h.Name, Reason: fmt.Sprintf("unknown position %q", h.Position)}
	}
	if h.Phase != PhaseReact && h.Phase != PhaseCodeAct {
		return &ErrInvalidInput{What: "hook " + h.Name, Reason: fmt.Sprintf("unknown phase %q", h.Phase)}
	}
	for _, j := range h.JumpDestinations {
		if !validJumps[j] {
			return &ErrInvalidInput{What: "hook " + h.Name, Reason: fmt.Sprintf("invalid jump destination %q", j)}
		}
	}

	hook := h
	key := hookKey{pos: h.Position, phase: h.Phase}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.hooks[key] {
		if existing.Name == h.Name {
			return &ErrConflict{Reason: fmt.Sprintf("hook %q already registered at %s/%s", h.Name, h.Position, h.Phase)}
		}
	}
	p.hooks[key] = append(p.hooks[key], &hook)
	sort.SliceStable(p.hooks[key], func(i, j int) bool {
		return p.hooks[key][i].Priority < p.hooks[key][j].Priority
	})
	return nil
}

// At returns the hooks registered for a position and phase, in run order.
func (p *HookPipeline) At(pos HookPosition, phase Phase) []*Hook {
	p.mu.RLock()
	defer p.mu.RUnlock()
	src := p.hooks[hookKey{pos: pos, phase: phase}]
	out := make([]*Hook, len(src))
	copy(out, src)
	return out
}

// Run executes the hooks for a position and phase sequentially. Each
// hook's delta is merged into state before the next hook runs. A hook
// writing an undeclared jump_to fails the run.
func (p *HookPipeline) Run(ctx context.Context, pos HookPosition, phase Phase, hc *HookContext) error {
	for _, h := range p.At(pos, phase) {
		if ctx.Err() != nil {
			return &ErrCancelled{Op: "hook pipeline"}
		}
		delta, err := h.Fn(ctx, hc)
		if err != nil {
			return fmt.Errorf("hook %s: %w", h.Name, err)
		}
		if delta == nil {
			continue
		}
		if target, ok := delta[KeyJumpTo].(string); ok && target != "" {
			if !declaresJump(h, target) {
				return &ErrInvalidInput{What: "hook " + h.Name, Reason: fmt.Sprintf("undeclared jump destination %q", target)}
			}
			p.logger.Debug("hook set jump", "hook", h.Name, "target", target)
		}
		hc.State.Apply(delta)
	}
	return nil
}

func declaresJump(h *Hook, target string) bool {
	for _, j := range h.JumpDestinations {
		if j == target {
			return true
		}
	}
	return false
}
