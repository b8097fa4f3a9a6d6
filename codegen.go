package acton

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

// maxDocDepth bounds return-schema expansion in generated doc blocks so
// self-referential shapes cannot unfold without bound.
const maxDocDepth = 8

// GeneratedFunction is one function produced by the code generator,
// stored per conversation for later sandbox execution.
type GeneratedFunction struct {
	Name        string   `json:"name"`
	Parameters  []string `json:"parameters,omitempty"`
	Language    string   `json:"language"`
	Source      string   `json:"source"`
	Condition   bool     `json:"condition"`
	Requirement string   `json:"requirement,omitempty"`
	CreatedAt   int64    `json:"created_at"`
}

// FunctionStore keeps generated functions per conversation thread.
type FunctionStore struct {
	mu    sync.RWMutex
	byKey map[string][]GeneratedFunction // thread id -> functions
}

// NewFunctionStore creates an empty store.
func NewFunctionStore() *FunctionStore {
	return &FunctionStore{byKey: make(map[string][]GeneratedFunction)}
}

// Add appends a function to a thread's list, replacing a same-named one.
func (s *FunctionStore) Add(threadID string, fn GeneratedFunction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byKey[threadID]
	for i := range list {
		if list[i].Name == fn.Name {
			list[i] = fn
			return
		}
	}
	s.byKey[threadID] = append(list, fn)
}

// Get returns a thread's function by name.
func (s *FunctionStore) Get(threadID, name string) (GeneratedFunction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, fn := range s.byKey[threadID] {
		if fn.Name == name {
			return fn, true
		}
	}
	return GeneratedFunction{}, false
}

// List returns a thread's functions in generation order.
func (s *FunctionStore) List(threadID string) []GeneratedFunction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.byKey[threadID]
	out := make([]GeneratedFunction, len(src))
	copy(out, src)
	return out
}

// CodeGenRequest asks the generator for one function.
type CodeGenRequest struct {
	ThreadID     string
	Requirement  string
	FunctionName string
	Parameters   []string
	// Condition selects the condition-code preset: the generated
	// function must return a boolean.
	Condition bool
}

// CodeGenerator is the sub-agent that turns a natural-language task and
// the registered tools into a self-contained function in the target
// language.
type CodeGenerator struct {
	handler    ModelHandler
	dispatcher *Dispatcher
	functions  *FunctionStore
	language   string
	logger     *slog.Logger
}

// CodeGeneratorOption configures a CodeGenerator.
type CodeGeneratorOption func(*CodeGenerator)

// WithTargetLanguage overrides the generation language (default python).
func WithTargetLanguage(lang string) CodeGeneratorOption {
	return func(g *CodeGenerator) { g.language = lang }
}

// WithCodeGenLogger sets the structured logger.
func WithCodeGenLogger(l *slog.Logger) CodeGeneratorOption {
	return func(g *CodeGenerator) { g.logger = l }
}

// NewCodeGenerator creates a generator over a model handler, the tool
// dispatcher (for the synthetic source-file prompt), and the per-thread
// function store (for the history section).
func NewCodeGenerator(handler ModelHandler, dispatcher *Dispatcher, functions *FunctionStore, opts ...CodeGeneratorOption) *CodeGenerator {
	g := &CodeGenerator{
		handler:    handler,
		dispatcher: dispatcher,
		functions:  functions,
		language:   "python",
		logger:     nopLogger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate produces one function, strips code fences from the model
// output, and records it in the function store.
func (g *CodeGenerator) Generate(ctx context.Context, req CodeGenRequest) (GeneratedFunction, error) {
	if req.FunctionName == "" {
		return GeneratedFunction{}, &ErrInvalidInput{What: "codegen request", Reason: "empty function name"}
	}

	prompt := g.buildPrompt(req)
	resp, err := g.handler(ctx, ModelRequest{Messages: []Message{
		SystemMessage(prompt.system),
		UserMessage(prompt.user),
	}})
	if err != nil {
		return GeneratedFunction{}, err
	}

	source := resp.Content
	if fenced := stripCodeFences(source); fenced != "" {
		source = fenced
	}
	source = strings.TrimSpace(source)
	if source == "" {
		return GeneratedFunction{}, &ErrExternalFailure{SPI: "code generator model",
			Err: fmt.Errorf("empty source for %s", req.FunctionName)}
	}

	fn := GeneratedFunction{
		Name:        req.FunctionName,
		Parameters:  req.Parameters,
		Language:    g.language,
		Source:      source,
		Condition:   req.Condition,
		Requirement: req.Requirement,
		CreatedAt:   NowUnix(),
	}
	g.functions.Add(req.ThreadID, fn)
	g.logger.Info("function generated", "thread", req.ThreadID,
		"function", req.FunctionName, "condition", req.Condition)
	return fn, nil
}

// buildPrompt synthesizes the single source-file prompt: imports, one
// class per target class name with a singleton instance, global
// functions for ungrouped tools, the history of functions already
// generated in this conversation, and the stub to complete.
func (g *CodeGenerator) buildPrompt(req CodeGenRequest) evaluatorPrompt {
	var sys strings.Builder
	if req.Condition {
		sys.WriteString("You complete a condition function in an existing ")
		sys.WriteString(g.language)
		sys.WriteString(" source file. The function must return a boolean: True when the condition holds, False otherwise.")
	} else {
		sys.WriteString("You complete a function in an existing ")
		sys.WriteString(g.language)
		sys.WriteString(" source file. The function must compute the requested result and return it; it must contain a return statement.")
	}
	sys.WriteString(" Reply with the raw source of the single function only, no code fences, no commentary. Use only the tools shown in the file.")

	var usr strings.Builder
	usr.WriteString("# imports\nimport json\nimport re\nimport datetime\n\n")

	grouped, ungrouped := g.groupTools()

	classNames := make([]string, 0, len(grouped))
	for name := range grouped {
		classNames = append(classNames, name)
	}
	sort.Strings(classNames)

	for _, className := range classNames {
		fmt.Fprintf(&usr, "class %s:\n", className)
		for _, t := range grouped[className] {
			g.writeMethod(&usr, t, true)
		}
		usr.WriteString("\n")
	}
	for _, t := range ungrouped {
		g.writeMethod(&usr, t, false)
		usr.WriteString("\n")
	}

	if len(classNames) > 0 {
		usr.WriteString("# singletons\n")
		for _, className := range classNames {
			fmt.Fprintf(&usr, "%s = %s()\n", snakeCase(className), className)
		}
		usr.WriteString("\n")
	}

	if history := g.functions.List(req.ThreadID); len(history) > 0 {
		usr.WriteString("# functions generated earlier in this conversation\n")
		for _, fn := range history {
			usr.WriteString(fn.Source)
			usr.WriteString("\n\n")
		}
	}

	usr.WriteString("# function to add\n")
	fmt.Fprintf(&usr, "def %s(%s):\n", req.FunctionName, strings.Join(req.Parameters, ", "))
	fmt.Fprintf(&usr, "    \"\"\"%s\"\"\"\n", req.Requirement)

	return evaluatorPrompt{system: sys.String(), user: usr.String()}
}

// groupTools splits registered tools by target class name, keeping only
// those supporting the generation language.
func (g *CodeGenerator) groupTools() (map[string][]*Tool, []*Tool) {
	grouped := make(map[string][]*Tool)
	var ungrouped []*Tool
	for _, t := range g.dispatcher.Tools() {
		if t.Internal || !supportsLanguage(t, g.language) {
			continue
		}
		if t.ClassName != "" {
			grouped[t.ClassName] = append(grouped[t.ClassName], t)
		} else {
			ungrouped = append(ungrouped, t)
		}
	}
	return grouped, ungrouped
}

func supportsLanguage(t *Tool, lang string) bool {
	if len(t.Languages) == 0 {
		return true
	}
	for _, l := range t.Languages {
		if strings.EqualFold(l, lang) {
			return true
		}
	}
	return false
}

// writeMethod renders one tool as a method (or global function) with
// required parameters first, optional parameters with defaults second,
// and a doc block expanding the return schema.
func (g *CodeGenerator) writeMethod(w *strings.Builder, t *Tool, method bool) {
	indent := ""
	params := []string{}
	if method {
		indent = "    "
		params = append(params, "self")
	}
	var required, optional []Parameter
	for _, p := range t.Parameters {
		if p.Required {
			required = append(required, p)
		} else {
			optional = append(optional, p)
		}
	}
	for _, p := range required {
		params = append(params, p.Name)
	}
	for _, p := range optional {
		params = append(params, fmt.Sprintf("%s=%s", p.Name, pyLiteral(p.Default)))
	}

	fmt.Fprintf(w, "%sdef %s(%s):\n", indent, t.Name, strings.Join(params, ", "))
	fmt.Fprintf(w, "%s    \"\"\"%s\n", indent, t.Description)
	if len(t.Parameters) > 0 {
		fmt.Fprintf(w, "%s    Args:\n", indent)
		for _, p := range append(required, optional...) {
			fmt.Fprintf(w, "%s        %s: %s\n", indent, p.Name, paramDoc(p))
		}
	}
	fmt.Fprintf(w, "%s    Returns:\n", indent)
	for _, line := range shapeDocLines(g.returnShape(t), 0) {
		fmt.Fprintf(w, "%s        %s\n", indent, line)
	}
	fmt.Fprintf(w, "%s    \"\"\"\n", indent)
	fmt.Fprintf(w, "%s    ...\n", indent)
}

// returnShape prefers the live observed schema over the declared one.
func (g *CodeGenerator) returnShape(t *Tool) *Shape {
	if reg := g.dispatcher.SchemaRegistry(); reg != nil {
		if observed, samples, ok := reg.Observed(t.Name); ok && samples > 0 {
			return observed
		}
	}
	return t.Returns
}

func paramDoc(p Parameter) string {
	desc := p.Description
	if desc == "" && p.Shape != nil && p.Shape.Kind == KindPrimitive {
		desc = p.Shape.Primitive
	}
	if desc == "" {
		desc = "value"
	}
	if !p.Required {
		desc += " (optional)"
	}
	return desc
}

// shapeDocLines renders a shape recursively, truncating at maxDocDepth.
func shapeDocLines(s *Shape, depth int) []string {
	if s == nil || s.Kind == KindUnknown {
		return []string{"unknown"}
	}
	if depth >= maxDocDepth {
		return []string{"..."}
	}
	switch s.Kind {
	case KindPrimitive:
		return []string{s.Primitive}
	case KindObject:
		lines := []string{"object:"}
		for _, name := range sortedFieldNames(s) {
			field := s.Fields[name]
			label := name
			if field.Optional {
				label += " (optional)"
			}
			sub := shapeDocLines(field, depth+1)
			lines = append(lines, "  "+label+": "+sub[0])
			for _, extra := range sub[1:] {
				lines = append(lines, "  "+extra)
			}
		}
		return lines
	case KindArray:
		sub := shapeDocLines(s.Item, depth+1)
		lines := []string{"array of " + sub[0]}
		lines = append(lines, sub[1:]...)
		return lines
	case KindUnion:
		lines := []string{"one of:"}
		for _, v := range s.Variants {
			sub := shapeDocLines(v, depth+1)
			lines = append(lines, "  - "+sub[0])
			for _, extra := range sub[1:] {
				lines = append(lines, "    "+extra)
			}
		}
		return lines
	default:
		return []string{"unknown"}
	}
}

// pyLiteral renders a default value as a python literal.
func pyLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "None"
	case bool:
		if val {
			return "True"
		}
		return "False"
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprint(val)
	}
}

// snakeCase converts a CamelCase class name to a snake_case instance name.
func snakeCase(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// stripCodeFences extracts the first fenced code block from markdown
// model output, or "" when the output has no fence.
func stripCodeFences(s string) string {
	src := []byte(s)
	doc := goldmark.New().Parser().Parse(gmtext.NewReader(src))
	var out string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if block, ok := n.(*ast.FencedCodeBlock); ok {
			var b strings.Builder
			for i := 0; i < block.Lines().Len(); i++ {
				line := block.Lines().At(i)
				b.Write(line.Value(src))
			}
			out = b.String()
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return out
}
