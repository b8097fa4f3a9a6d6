package acton

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// MatchType discriminates match-expression nodes.
type MatchType string

const (
	MatchMessagePrefix  MatchType = "message_prefix"
	MatchMessageRegex   MatchType = "message_regex"
	MatchToolArgEquals  MatchType = "tool_arg_equals"
	MatchMetadataEquals MatchType = "metadata_equals"
	MatchStateEquals    MatchType = "state_equals"
	MatchAllOf          MatchType = "all_of"
	MatchAnyOf          MatchType = "any_of"
	MatchNot            MatchType = "not"
)

// MatchExpression is a boolean expression tree over the fast-intent
// context. Leaf nodes use Value (and Key for the *_equals types);
// combinators use Children.
type MatchExpression struct {
	Type     MatchType          `json:"type"`
	Key      string             `json:"key,omitempty"`
	Value    string             `json:"value,omitempty"`
	Children []*MatchExpression `json:"children,omitempty"`
}

// FastIntentContext is the evidence a match expression evaluates against.
// UserInput should already be normalized (see NormalizeInput).
type FastIntentContext struct {
	UserInput string
	Messages  []Message
	Metadata  map[string]any
	ToolArgs  map[string]any
	State     *State
}

// regex patterns compile once and are shared across matches.
var (
	regexCacheMu sync.RWMutex
	regexCache   = map[string]*regexp.Regexp{}
)

func cachedRegexp(pattern string) (*regexp.Regexp, error) {
	regexCacheMu.RLock()
	re, ok := regexCache[pattern]
	regexCacheMu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCacheMu.Lock()
	regexCache[pattern] = re
	regexCacheMu.Unlock()
	return re, nil
}

// Eval evaluates the expression against the context. Malformed nodes
// (unknown type, bad regex, missing children) return an error rather
// than silently matching false.
func (e *MatchExpression) Eval(fc FastIntentContext) (bool, error) {
	if e == nil {
		return false, &ErrInvalidInput{What: "match expression", Reason: "nil node"}
	}
	switch e.Type {
	case MatchMessagePrefix:
		return strings.HasPrefix(fc.UserInput, e.Value), nil
	case MatchMessageRegex:
		re, err := cachedRegexp(e.Value)
		if err != nil {
			return false, &ErrInvalidInput{What: "match expression", Reason: fmt.Sprintf("bad regex %q: %v", e.Value, err)}
		}
		return re.MatchString(fc.UserInput), nil
	case MatchToolArgEquals:
		return equalsString(fc.ToolArgs[e.Key], e.Value), nil
	case MatchMetadataEquals:
		return equalsString(fc.Metadata[e.Key], e.Value), nil
	case MatchStateEquals:
		if fc.State == nil {
			return false, nil
		}
		v, _ := fc.State.Get(e.Key)
		return equalsString(v, e.Value), nil
	case MatchAllOf:
		for _, c := range e.Children {
			ok, err := c.Eval(fc)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case MatchAnyOf:
		for _, c := range e.Children {
			ok, err := c.Eval(fc)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case MatchNot:
		if len(e.Children) != 1 {
			return false, &ErrInvalidInput{What: "match expression", Reason: "not requires exactly one child"}
		}
		ok, err := e.Children[0].Eval(fc)
		return !ok, err
	default:
		return false, &ErrInvalidInput{What: "match expression", Reason: fmt.Sprintf("unknown type %q", e.Type)}
	}
}

// equalsString compares a live value against the expression value after
// stringifying, so numeric and boolean state values compare naturally.
func equalsString(v any, want string) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s == want
	}
	return fmt.Sprint(v) == want
}

// NormalizeInput applies NFKC normalization and strips zero-width
// characters so visually identical inputs match identically.
func NormalizeInput(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
			return -1
		}
		return r
	}, norm.NFKC.String(s))
}

// SelectFastIntent picks the best fast-intent candidate: enabled, with a
// match expression that evaluates true, highest priority winning. Ties
// keep the earlier candidate. Expression errors disqualify the candidate.
func SelectFastIntent(candidates []Experience, fc FastIntentContext, logger *slog.Logger) *Experience {
	if logger == nil {
		logger = nopLogger
	}
	var best *Experience
	for i := range candidates {
		e := &candidates[i]
		fi := e.FastIntent
		if fi == nil || !fi.Enabled || fi.Match == nil {
			continue
		}
		ok, err := fi.Match.Eval(fc)
		if err != nil {
			logger.Warn("fast-intent expression failed", "experience", e.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if best == nil || fi.Priority > best.FastIntent.Priority {
			best = e
		}
	}
	return best
}

// --- Hook ---

// fastIntentSentinel marks the injected assistant message so re-running
// the hook on the same state never injects twice.
const fastIntentSentinel = "fast_intent"

// FastIntentHookOption configures the fast-intent hook.
type FastIntentHookOption func(*fastIntentHook)

// WithAllowedTools sets the safety allow-list. When set, an injected plan
// naming any tool outside the list abandons the fast path silently. With
// no names the allow-list stays off rather than rejecting everything.
func WithAllowedTools(names ...string) FastIntentHookOption {
	return func(h *fastIntentHook) {
		if len(names) == 0 {
			h.allowed = nil
			return
		}
		h.allowed = make(map[string]bool, len(names))
		for _, n := range names {
			h.allowed[n] = true
		}
	}
}

// WithQueryContext derives the scope-filtering identity from state.
func WithQueryContext(fn func(*State) QueryContext) FastIntentHookOption {
	return func(h *fastIntentHook) { h.queryCtx = fn }
}

// WithFastIntentLogger sets the structured logger.
func WithFastIntentLogger(l *slog.Logger) FastIntentHookOption {
	return func(h *fastIntentHook) { h.logger = l }
}

type fastIntentHook struct {
	store    *ExperienceStore
	allowed  map[string]bool // nil means no restriction
	queryCtx func(*State) QueryContext
	logger   *slog.Logger
}

// NewFastIntentHook builds the BEFORE_AGENT hook that short-circuits the
// React turn when a stored experience supplies a pre-planned tool call.
// On a hit it appends one Assistant message carrying the plan's tool
// calls and sets jump_to=tool; the model is not called this turn.
func NewFastIntentHook(store *ExperienceStore, opts ...FastIntentHookOption) Hook {
	h := &fastIntentHook{
		store:    store,
		queryCtx: func(*State) QueryContext { return QueryContext{} },
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return Hook{
		Name:             fastIntentSentinel,
		Position:         BeforeAgent,
		Phase:            PhaseReact,
		Priority:         10,
		JumpDestinations: []string{JumpTool},
		Fn:               h.run,
	}
}

func (h *fastIntentHook) run(ctx context.Context, hc *HookContext) (Delta, error) {
	st := hc.State
	messages := st.Messages()
	if alreadyInjected(messages) {
		return nil, nil
	}

	input := NormalizeInput(st.Input())
	if input == "" {
		return nil, nil
	}

	candidates, err := h.store.Query(ctx, ExperienceQuery{Type: ExperienceReact, Limit: 50}, h.queryCtx(st))
	if err != nil {
		// A broken store must not break the turn; fall through to the model.
		h.logger.Warn("fast-intent query failed", "error", err)
		return nil, nil
	}

	metadata, _ := stateValue[map[string]any](st, "metadata")
	fc := FastIntentContext{
		UserInput: input,
		Messages:  messages,
		Metadata:  metadata,
		State:     st,
	}

	hit := SelectFastIntent(candidates, fc, h.logger)
	if hit == nil || hit.React == nil || len(hit.React.Plan) == 0 {
		return nil, nil
	}

	plan := make([]ToolCall, len(hit.React.Plan))
	copy(plan, hit.React.Plan)
	for i := range plan {
		if h.allowed != nil && !h.allowed[plan[i].Name] {
			h.logger.Debug("fast-intent plan rejected by allow-list",
				"experience", hit.ID, "tool", plan[i].Name)
			return nil, nil
		}
		if plan[i].ID == "" {
			plan[i].ID = NewID()
		}
	}

	h.logger.Info("fast-intent hit", "experience", hit.ID, "tools", len(plan))
	injected := AssistantToolCalls(hit.React.AssistantText, plan...)
	injected.Name = fastIntentSentinel
	return Delta{
		KeyMessages: injected,
		KeyJumpTo:   JumpTool,
	}, nil
}

// alreadyInjected reports whether a fast-intent injection exists after
// the most recent user message.
func alreadyInjected(messages []Message) bool {
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role == RoleUser {
			return false
		}
		if m.Name == fastIntentSentinel {
			return true
		}
	}
	return false
}

// stateValue fetches a typed state value.
func stateValue[T any](st *State, key string) (T, bool) {
	var zero T
	v, ok := st.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}
