package acton

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Graph node sentinels. Start and End are implicit: edges from Start mark
// root nodes, edges to End mark terminals. A node may also short-circuit a
// turn by writing jump_to=End into state.
const (
	Start = "START"
	End   = "END"
)

// NodeFunc is the body of a graph node. It reads the current state and
// returns a delta to merge. Returning an error fails the node.
type NodeFunc func(ctx context.Context, st *State) (Delta, error)

// --- Builder ---

// GraphBuilder accumulates nodes and edges before compilation.
type GraphBuilder struct {
	nodes map[string]NodeFunc
	order []string
	edges map[string][]string // from -> to
}

// NewGraph creates an empty builder.
func NewGraph() *GraphBuilder {
	return &GraphBuilder{
		nodes: make(map[string]NodeFunc),
		edges: make(map[string][]string),
	}
}

// AddNode registers a named node. Duplicate names are a compile error.
func (b *GraphBuilder) AddNode(name string, fn NodeFunc) *GraphBuilder {
	if _, dup := b.nodes[name]; !dup {
		b.order = append(b.order, name)
	}
	b.nodes[name] = fn
	return b
}

// AddEdge declares that to runs after from. Use Start and End for the
// graph boundary.
func (b *GraphBuilder) AddEdge(from, to string) *GraphBuilder {
	b.edges[from] = append(b.edges[from], to)
	return b
}

// Compile validates the graph and computes execution layers.
// Errors: duplicate-free but unknown node referenced by an edge, cycle,
// or a node unreachable from Start.
func (b *GraphBuilder) Compile() (*Graph, error) {
	// Validate edge endpoints.
	for from, tos := range b.edges {
		if from != Start {
			if _, ok := b.nodes[from]; !ok {
				return nil, &ErrInvalidInput{What: "edge", Reason: fmt.Sprintf("unknown source node %q", from)}
			}
		}
		for _, to := range tos {
			if to == End {
				continue
			}
			if _, ok := b.nodes[to]; !ok {
				return nil, &ErrInvalidInput{What: "edge", Reason: fmt.Sprintf("unknown target node %q", to)}
			}
		}
	}

	// Dependencies per node (incoming edges, Start excluded).
	deps := make(map[string][]string, len(b.nodes))
	for _, n := range b.order {
		deps[n] = nil
	}
	for from, tos := range b.edges {
		for _, to := range tos {
			if to == End || from == Start {
				continue
			}
			deps[to] = append(deps[to], from)
		}
	}

	// Longest-dependency-path levels via Kahn's algorithm.
	inDegree := make(map[string]int, len(b.nodes))
	dependents := make(map[string][]string)
	for n, ds := range deps {
		inDegree[n] = len(ds)
		for _, d := range ds {
			dependents[d] = append(dependents[d], n)
		}
	}
	level := make(map[string]int, len(b.nodes))
	var queue []string
	for n, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, n)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[n] {
			if l := level[n] + 1; l > level[dep] {
				level[dep] = l
			}
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(b.nodes) {
		return nil, &ErrInvalidInput{What: "graph", Reason: "cycle detected"}
	}

	maxLevel := 0
	for _, l := range level {
		if l > maxLevel {
			maxLevel = l
		}
	}
	layers := make([][]string, maxLevel+1)
	for _, n := range b.order {
		layers[level[n]] = append(layers[level[n]], n)
	}
	// Deterministic sibling order inside a layer.
	for _, layer := range layers {
		sort.Strings(layer)
	}

	return &Graph{nodes: b.nodes, layers: layers, level: level}, nil
}

// --- Compiled graph ---

// Graph is a compiled state graph: nodes arranged into parallel layers.
// Invoke runs the layers in order, merging each node's delta into state.
type Graph struct {
	nodes  map[string]NodeFunc
	layers [][]string
	level  map[string]int
}

// Layers exposes the computed execution layers (useful for tests and
// introspection). The slice must not be mutated.
func (g *Graph) Layers() [][]string { return g.layers }

// invokeConfig holds per-invocation options.
type invokeConfig struct {
	saver           CheckpointSaver
	continueOnError bool
	logger          *slog.Logger
}

// InvokeOption configures a single Graph.Invoke call.
type InvokeOption func(*invokeConfig)

// WithCheckpointSaver snapshots state at every node-layer boundary.
func WithCheckpointSaver(s CheckpointSaver) InvokeOption {
	return func(c *invokeConfig) { c.saver = s }
}

// WithContinueOnError records node failures but keeps the turn running.
// Without it, the first node error aborts the turn and state is rolled
// back to the last layer boundary.
func WithContinueOnError() InvokeOption {
	return func(c *invokeConfig) { c.continueOnError = true }
}

// WithGraphLogger sets a structured logger for the invocation.
func WithGraphLogger(l *slog.Logger) InvokeOption {
	return func(c *invokeConfig) { c.logger = l }
}

// Invoke executes the graph against the given state and returns it.
// Sibling nodes in a layer run concurrently; their deltas are merged in
// deterministic node-name order. A node writing jump_to skips execution
// forward to the named node (or exits on End).
func (g *Graph) Invoke(ctx context.Context, st *State, opts ...InvokeOption) (*State, error) {
	cfg := invokeConfig{logger: nopLogger}
	for _, opt := range opts {
		opt(&cfg)
	}

	var parentCheckpoint string
	checkpoint := func() {
		if cfg.saver == nil {
			return
		}
		cp, err := EncodeCheckpoint(st, parentCheckpoint)
		if err != nil {
			cfg.logger.Warn("checkpoint encode failed", "thread", st.ThreadID(), "error", err)
			return
		}
		if err := cfg.saver.Save(ctx, cp); err != nil {
			cfg.logger.Warn("checkpoint save failed", "thread", st.ThreadID(), "error", err)
			return
		}
		parentCheckpoint = cp.CheckpointID
	}

	checkpoint()

	// jumpTarget, when set, names the only node allowed to run until its
	// layer is reached.
	var jumpTarget string

	for li := 0; li < len(g.layers); li++ {
		layer := g.layers[li]

		if jumpTarget != "" {
			if g.level[jumpTarget] > li {
				continue // prune layers before the target
			}
			layer = []string{jumpTarget}
			jumpTarget = ""
		}

		if ctx.Err() != nil {
			return st, &ErrCancelled{Op: "graph invoke"}
		}

		rollback := st.Snapshot()

		// Fan out the layer; collect deltas per node.
		deltas := make([]Delta, len(layer))
		eg, layerCtx := errgroup.WithContext(ctx)
		for i, name := range layer {
			fn := g.nodes[name]
			eg.Go(func() error {
				d, err := fn(layerCtx, st)
				if err != nil {
					if cfg.continueOnError {
						cfg.logger.Warn("node failed, continuing", "node", name, "error", err)
						return nil
					}
					return fmt.Errorf("node %s: %w", name, err)
				}
				deltas[i] = d
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			st.restore(rollback)
			return st, err
		}

		// Merge in deterministic sibling order (layer is name-sorted).
		for _, d := range deltas {
			st.Apply(d)
		}

		checkpoint()

		// Consume jump_to written by this layer.
		if target := st.GetString(KeyJumpTo); target != "" {
			st.Set(KeyJumpTo, "")
			if target == End {
				return st, nil
			}
			lvl, ok := g.level[target]
			if !ok {
				return st, &ErrInvalidInput{What: "jump_to", Reason: fmt.Sprintf("unknown node %q", target)}
			}
			if lvl <= li {
				return st, &ErrInvalidInput{What: "jump_to", Reason: fmt.Sprintf("node %q is not downstream", target)}
			}
			jumpTarget = target
		}
	}
	return st, nil
}

// nopLogger discards all output. Components use it when WithLogger-style
// options are not supplied.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
