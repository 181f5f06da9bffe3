// Package graph compiles node definitions into a runnable workflow graph.
//
// Nodes are connected by static edges and by conditional edges whose
// conditions are CEL expressions over the current state, for example
//
//	size(state.errors) > 0
//	state.score >= 0.8
//
// Every node is wrapped with nodeguard.Wrap, so a failing node records its
// error in the state and routing continues.
package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentstation/nodeguard"
	"github.com/agentstation/nodeguard/middleware"
)

// End is the pseudo-node that terminates a run.
const End = "__end__"

// DefaultMaxSteps bounds the number of node executions in one run.
const DefaultMaxSteps = 100

// Errors returned by Compile and Invoke.
var (
	ErrNoEntry       = errors.New("graph: no entry node defined")
	ErrUnknownNode   = errors.New("graph: unknown node")
	ErrDuplicateNode = errors.New("graph: duplicate node")
	ErrMaxSteps      = errors.New("graph: maximum steps exceeded")
)

type conditionalEdge struct {
	expr string
	to   string
	cond *condition
}

// Builder assembles a graph.
type Builder struct {
	name        string
	nodes       map[string]nodeguard.NodeDefinition
	order       []string
	edges       map[string]string
	conditional map[string][]conditionalEdge
	entry       string
	middleware  []middleware.Middleware
	maxSteps    int
	errs        []error
}

// New creates an empty builder.
func New(name string) *Builder {
	return &Builder{
		name:        name,
		nodes:       make(map[string]nodeguard.NodeDefinition),
		edges:       make(map[string]string),
		conditional: make(map[string][]conditionalEdge),
		maxSteps:    DefaultMaxSteps,
	}
}

// AddNode adds a node. The first node added becomes the entry unless
// SetEntry is called.
func (b *Builder) AddNode(def nodeguard.NodeDefinition) *Builder {
	if def.Name == "" || def.Name == End {
		b.errs = append(b.errs, fmt.Errorf("graph: invalid node name %q", def.Name))
		return b
	}
	if _, exists := b.nodes[def.Name]; exists {
		b.errs = append(b.errs, fmt.Errorf("%w: %s", ErrDuplicateNode, def.Name))
		return b
	}
	b.nodes[def.Name] = def
	b.order = append(b.order, def.Name)
	if b.entry == "" {
		b.entry = def.Name
	}
	return b
}

// AddEdge routes from -> to when no conditional edge of from matches.
func (b *Builder) AddEdge(from, to string) *Builder {
	b.edges[from] = to
	return b
}

// AddConditionalEdge routes from -> to when expr evaluates to true.
// Conditional edges are tried in the order they were added.
func (b *Builder) AddConditionalEdge(from, expr, to string) *Builder {
	b.conditional[from] = append(b.conditional[from], conditionalEdge{expr: expr, to: to})
	return b
}

// SetEntry sets the first node to run.
func (b *Builder) SetEntry(name string) *Builder {
	b.entry = name
	return b
}

// Use installs middleware on every node.
func (b *Builder) Use(mw ...middleware.Middleware) *Builder {
	b.middleware = append(b.middleware, mw...)
	return b
}

// WithMaxSteps overrides DefaultMaxSteps.
func (b *Builder) WithMaxSteps(n int) *Builder {
	if n > 0 {
		b.maxSteps = n
	}
	return b
}

// Compile validates the graph and returns a runnable form.
func (b *Builder) Compile() (*Compiled, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	if b.entry == "" {
		return nil, ErrNoEntry
	}
	if _, ok := b.nodes[b.entry]; !ok {
		return nil, fmt.Errorf("%w: entry %s", ErrUnknownNode, b.entry)
	}

	known := func(name string) bool {
		_, ok := b.nodes[name]
		return ok || name == End
	}

	edges := make(map[string]string, len(b.edges))
	for from, to := range b.edges {
		if !known(from) || from == End {
			return nil, fmt.Errorf("%w: edge from %s", ErrUnknownNode, from)
		}
		if !known(to) {
			return nil, fmt.Errorf("%w: edge %s -> %s", ErrUnknownNode, from, to)
		}
		edges[from] = to
	}

	env, err := newEnv()
	if err != nil {
		return nil, err
	}
	conditional := make(map[string][]conditionalEdge, len(b.conditional))
	for from, list := range b.conditional {
		if !known(from) || from == End {
			return nil, fmt.Errorf("%w: conditional edge from %s", ErrUnknownNode, from)
		}
		for _, e := range list {
			if !known(e.to) {
				return nil, fmt.Errorf("%w: conditional edge %s -> %s", ErrUnknownNode, from, e.to)
			}
			cond, err := env.compile(e.expr)
			if err != nil {
				return nil, fmt.Errorf("graph: edge %s -> %s: %w", from, e.to, err)
			}
			e.cond = cond
			conditional[from] = append(conditional[from], e)
		}
	}

	chain := middleware.Chain(b.middleware...)
	nodes := make(map[string]nodeguard.NodeFunc, len(b.nodes))
	defs := make([]nodeguard.NodeDefinition, 0, len(b.order))
	for _, name := range b.order {
		def := chain(b.nodes[name])
		nodes[name] = nodeguard.Wrap(def)
		defs = append(defs, def)
	}

	return &Compiled{
		name:        b.name,
		entry:       b.entry,
		nodes:       nodes,
		defs:        defs,
		edges:       edges,
		conditional: conditional,
		maxSteps:    b.maxSteps,
	}, nil
}

// Compiled is an immutable, runnable graph. It implements nodeguard.Graph.
type Compiled struct {
	name        string
	entry       string
	nodes       map[string]nodeguard.NodeFunc
	defs        []nodeguard.NodeDefinition
	edges       map[string]string
	conditional map[string][]conditionalEdge
	maxSteps    int
}

// Name returns the graph name.
func (g *Compiled) Name() string { return g.name }

// Entry returns the entry node name.
func (g *Compiled) Entry() string { return g.entry }

// Nodes returns the node definitions in insertion order.
func (g *Compiled) Nodes() []nodeguard.NodeDefinition {
	return append([]nodeguard.NodeDefinition(nil), g.defs...)
}

// Invoke runs the graph from its entry node until a route reaches End.
// The input state is not modified.
func (g *Compiled) Invoke(ctx context.Context, state nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
	s := state.Clone()
	if _, ok := s[nodeguard.KeyErrors]; !ok {
		s[nodeguard.KeyErrors] = []string{}
	}

	current := g.entry
	for steps := 0; current != End; steps++ {
		if steps >= g.maxSteps {
			return s, fmt.Errorf("%w: %d", ErrMaxSteps, g.maxSteps)
		}
		if err := ctx.Err(); err != nil {
			return s, err
		}

		if cfg.Logger != nil {
			cfg.Logger.StepDebug(current, "executing node", "node", current, "step", steps)
		}

		partial, err := g.nodes[current](ctx, s, cfg)
		if err != nil {
			return s, fmt.Errorf("node %s: %w", current, err)
		}
		s.Merge(partial)

		next, err := g.route(current, s)
		if err != nil {
			return s, err
		}
		if cfg.Logger != nil {
			cfg.Logger.StepDebug(current, "routing", "from", current, "to", next)
		}
		current = next
	}
	return s, nil
}

func (g *Compiled) route(from string, s nodeguard.State) (string, error) {
	for _, e := range g.conditional[from] {
		ok, err := e.cond.eval(s)
		if err != nil {
			return "", fmt.Errorf("graph: evaluating %q on edge %s -> %s: %w", e.expr, from, e.to, err)
		}
		if ok {
			return e.to, nil
		}
	}
	if to, ok := g.edges[from]; ok {
		return to, nil
	}
	return End, nil
}
