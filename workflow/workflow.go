// Package workflow builds a runnable graph from a workflow definition in a
// configuration file.
package workflow

import (
	"errors"
	"fmt"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/agentstation/nodeguard/config"
	"github.com/agentstation/nodeguard/graph"
	"github.com/agentstation/nodeguard/middleware"
	"github.com/agentstation/nodeguard/script"
)

// ErrNoNodes is returned for a workflow without nodes.
var ErrNoNodes = errors.New("workflow: no nodes defined")

// Option configures Build.
type Option func(*options)

type options struct {
	middleware []middleware.Middleware
}

// WithMiddleware installs middleware on every node, outside the per-node
// output schema check.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(o *options) {
		o.middleware = append(o.middleware, mw...)
	}
}

// Build compiles the workflow in f. Relative script_file paths are resolved
// against baseDir.
func Build(f *config.File, baseDir string, opts ...Option) (*graph.Compiled, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	wf := f.Workflow
	if len(wf.Nodes) == 0 {
		return nil, ErrNoNodes
	}
	name := wf.Name
	if name == "" {
		name = f.Executor.AgentType
	}

	b := graph.New(name).Use(o.middleware...)

	for _, spec := range wf.Nodes {
		s, err := loadScript(spec, baseDir)
		if err != nil {
			return nil, err
		}

		def := s.Node(spec.Description)
		policy, err := spec.RetryConfig(f.Retry)
		if err != nil {
			return nil, fmt.Errorf("workflow: %w", err)
		}
		def.Retry = &policy
		def.Timeout = spec.Timeout()

		if len(spec.OutputSchema) > 0 {
			raw, err := json.Marshal(spec.OutputSchema)
			if err != nil {
				return nil, fmt.Errorf("workflow: node %s: encode output schema: %w", spec.Name, err)
			}
			mw, err := middleware.OutputSchema(string(raw))
			if err != nil {
				return nil, fmt.Errorf("workflow: node %s: %w", spec.Name, err)
			}
			def = middleware.Apply(def, mw)
		}

		b.AddNode(def)
	}

	for _, e := range wf.Edges {
		if e.When != "" {
			b.AddConditionalEdge(e.From, e.When, e.To)
			continue
		}
		b.AddEdge(e.From, e.To)
	}

	if wf.Entry != "" {
		b.SetEntry(wf.Entry)
	}
	if wf.MaxSteps > 0 {
		b.WithMaxSteps(wf.MaxSteps)
	}

	g, err := b.Compile()
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", name, err)
	}
	return g, nil
}

func loadScript(spec config.NodeSpec, baseDir string) (*script.Script, error) {
	switch {
	case spec.Script != "" && spec.ScriptFile != "":
		return nil, fmt.Errorf("workflow: node %s: script and script_file are mutually exclusive", spec.Name)
	case spec.Script != "":
		return script.Compile(spec.Name, spec.Script)
	case spec.ScriptFile != "":
		path := spec.ScriptFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		return script.Load(spec.Name, path)
	default:
		return nil, fmt.Errorf("workflow: node %s: no script", spec.Name)
	}
}
