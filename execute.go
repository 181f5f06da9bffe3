package nodeguard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ohler55/ojg/jp"

	"github.com/agentstation/nodeguard/execlog"
	"github.com/agentstation/nodeguard/failure"
)

// Graph is a compiled workflow.
type Graph interface {
	Invoke(ctx context.Context, state State, cfg RunConfig) (State, error)
}

// GraphFunc adapts a function to the Graph interface.
type GraphFunc func(ctx context.Context, state State, cfg RunConfig) (State, error)

// Invoke calls f.
func (f GraphFunc) Invoke(ctx context.Context, state State, cfg RunConfig) (State, error) {
	return f(ctx, state, cfg)
}

// Result is the outcome of ExecuteGraph.
type Result struct {
	Success bool
	// State is the final state. It is nil when the graph itself failed.
	State State
	Err   *failure.Error
	// Record is the execution record built when the run finished.
	Record execlog.Record
}

// ExecuteOption configures ExecuteGraph.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	logOpts      []execlog.Option
	configurable map[string]any
	outputPath   string
}

// WithOnLog streams every kept log entry to fn.
func WithOnLog(fn func(execlog.Entry)) ExecuteOption {
	return func(o *executeOptions) {
		o.logOpts = append(o.logOpts, execlog.WithOnLog(fn))
	}
}

// WithOnComplete persists the execution record when the run finishes.
func WithOnComplete(fn execlog.CompleteFunc) ExecuteOption {
	return func(o *executeOptions) {
		o.logOpts = append(o.logOpts, execlog.WithOnComplete(fn))
	}
}

// WithMinLevel sets the execution log's minimum level.
func WithMinLevel(level execlog.Level) ExecuteOption {
	return func(o *executeOptions) {
		o.logOpts = append(o.logOpts, execlog.WithMinLevel(level))
	}
}

// WithSlog mirrors the execution log to logger.
func WithSlog(logger *slog.Logger) ExecuteOption {
	return func(o *executeOptions) {
		o.logOpts = append(o.logOpts, execlog.WithSlog(logger))
	}
}

// WithLoggerOptions passes raw options to the execution logger.
func WithLoggerOptions(opts ...execlog.Option) ExecuteOption {
	return func(o *executeOptions) {
		o.logOpts = append(o.logOpts, opts...)
	}
}

// WithConfigurable adds a value to RunConfig.Configurable.
func WithConfigurable(key string, value any) ExecuteOption {
	return func(o *executeOptions) {
		if o.configurable == nil {
			o.configurable = make(map[string]any)
		}
		o.configurable[key] = value
	}
}

// WithOutputPath selects the recorded output from the final state with a
// JSONPath expression such as "$.draft.text".
func WithOutputPath(path string) ExecuteOption {
	return func(o *executeOptions) {
		o.outputPath = path
	}
}

// ExecuteGraph runs g once from initial and reports the outcome.
//
// A run fails when the graph returns an error or when the final state has a
// non-empty errors list. Either way the execution record is finalised before
// ExecuteGraph returns.
func ExecuteGraph(ctx context.Context, g Graph, initial State, agentType, userID string, opts ...ExecuteOption) Result {
	var o executeOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := execlog.New(agentType, userID, initial, o.logOpts...)

	var path jp.Expr
	if o.outputPath != "" {
		var err error
		if path, err = jp.ParseString(o.outputPath); err != nil {
			f := failure.NewValidation(fmt.Sprintf("invalid output path %q: %v", o.outputPath, err), "outputPath")
			return Result{Err: f, Record: logger.Fail(ctx, f)}
		}
	}

	cfg := RunConfig{Logger: logger, UserID: userID, Configurable: o.configurable}
	final, err := invoke(ctx, g, initial, cfg)
	if err != nil {
		f := failure.Normalize(err)
		return Result{Err: f, Record: logger.Fail(ctx, f)}
	}
	if final == nil {
		final = State{}
	}

	if errs := final.Errors(); len(errs) > 0 {
		f := failure.New(failure.CodeWorkflow,
			fmt.Sprintf("workflow finished with %d error(s): %s", len(errs), strings.Join(errs, ", ")),
			failure.WithMetadata("errors", errs),
		)
		return Result{State: final, Err: f, Record: logger.Fail(ctx, f)}
	}

	rec := logger.Complete(ctx, selectOutput(final, path))
	return Result{Success: true, State: final, Record: rec}
}

func invoke(ctx context.Context, g Graph, state State, cfg RunConfig) (out State, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = failure.FromPanic(r, "graph")
		}
	}()
	return g.Invoke(ctx, state, cfg)
}

// selectOutput prefers the JSONPath match, then the "output" key, then the
// whole state.
func selectOutput(s State, path jp.Expr) any {
	if len(path) > 0 {
		switch matches := path.Get(map[string]any(s)); len(matches) {
		case 0:
		case 1:
			return matches[0]
		default:
			return matches
		}
	}
	if v, ok := s.Output(); ok {
		return v
	}
	return s
}
