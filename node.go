package nodeguard

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/agentstation/nodeguard/execlog"
	"github.com/agentstation/nodeguard/failure"
	"github.com/agentstation/nodeguard/retry"
)

// systemUser owns logs created by nodes that run outside ExecuteGraph.
const systemUser = "system"

// RunConfig is the per-run context handed to every node.
type RunConfig struct {
	// Logger is the execution log of the current run.
	Logger *execlog.Logger
	// UserID identifies who started the run.
	UserID string
	// Configurable carries caller-supplied values through the graph.
	Configurable map[string]any
}

// Value returns a configurable value.
func (c RunConfig) Value(key string) (any, bool) {
	v, ok := c.Configurable[key]
	return v, ok
}

// NodeFunc is the function signature graph engines call for each node.
type NodeFunc func(ctx context.Context, state State, cfg RunConfig) (State, error)

// NodeDefinition declares a workflow node.
type NodeDefinition struct {
	// Name identifies the node in the graph and in logs.
	Name        string
	Description string
	// Execute does the node's work and returns a partial state.
	Execute NodeFunc
	// Retry overrides retry.DefaultConfig for this node.
	Retry *retry.Config
	// Timeout bounds each attempt. Zero means no limit.
	Timeout time.Duration
}

// RetryConfig returns the effective retry configuration.
func (d NodeDefinition) RetryConfig() retry.Config {
	if d.Retry != nil {
		return *d.Retry
	}
	return retry.DefaultConfig()
}

// Wrap turns a definition into a NodeFunc that retries, logs, and never
// returns an error.
//
// On success the partial state is returned with currentStep set to the node
// name. When retries are exhausted the failure message is appended to the
// state's errors and the function still returns normally, so downstream
// routing can decide what to do.
func Wrap(def NodeDefinition) NodeFunc {
	policy := def.RetryConfig()

	return func(ctx context.Context, state State, cfg RunConfig) (State, error) {
		logger := cfg.Logger
		if logger == nil {
			userID := cfg.UserID
			if userID == "" {
				userID = systemUser
			}
			logger = execlog.New(def.Name, userID, state)
			cfg.Logger = logger
		}

		logger.EnterStep(def.Name)

		run := func(ctx context.Context, cfg RunConfig) (out State, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = failure.FromPanic(r, "node "+def.Name)
				}
			}()
			if def.Execute == nil {
				return nil, failure.NewValidation(fmt.Sprintf("node %s has no execute function", def.Name), "execute")
			}
			return def.Execute(ctx, state.Clone(), cfg)
		}

		// Each attempt logs through its own view, closed when the attempt
		// returns, so a body still running after its timeout leaves no trace.
		attempt := func(ctx context.Context) (State, error) {
			scoped, detach := logger.Scoped()
			defer detach()
			attemptCfg := cfg
			attemptCfg.Logger = scoped
			return retry.WithTimeout(ctx, func(ctx context.Context) (State, error) {
				return run(ctx, attemptCfg)
			}, def.Timeout)
		}

		onRetry := retry.OnRetry(func(e retry.Event) {
			logger.StepWarn(def.Name, "Retrying step: "+def.Name,
				"attempt", e.Attempt+1,
				"code", string(e.Err.Code()),
				"error", e.Err.Message(),
				"delayMs", e.Delay.Milliseconds(),
			)
		})

		outcome := retry.Do(ctx, attempt, policy, onRetry)

		if !outcome.Success {
			return failed(def.Name, state, outcome.Err, outcome.Attempts, logger), nil
		}

		merged := outcome.Data.Clone()
		merged[KeyCurrentStep] = def.Name

		logger.ExitStep(def.Name, map[string]any(outcome.Data))
		return merged, nil
	}
}

func failed(name string, state State, f *failure.Error, attempts int, logger *execlog.Logger) State {
	logger.StepError(name, "Step failed: "+name,
		"error", f.Message(),
		"code", string(f.Code()),
		"retryable", f.Retryable(),
		"attempts", attempts,
	)
	errs := append(slices.Clone(state.Errors()), f.Message())
	return State{
		KeyErrors:      errs,
		KeyCurrentStep: name,
	}
}
