package testutil

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/agentstation/nodeguard"
	"github.com/agentstation/nodeguard/retry"
)

// FastRetry returns a retry configuration with millisecond delays.
func FastRetry(maxRetries int) *retry.Config {
	cfg := retry.NewConfig(
		retry.WithMaxRetries(maxRetries),
		retry.WithInitialDelay(time.Millisecond),
		retry.WithMaxDelay(2*time.Millisecond),
	)
	return &cfg
}

// Flaky is a node body that fails a fixed number of times before succeeding.
type Flaky struct {
	Failures int
	Err      error
	Out      nodeguard.State
	calls    atomic.Int32
}

// Execute implements nodeguard.NodeFunc.
func (f *Flaky) Execute(ctx context.Context, state nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
	if int(f.calls.Add(1)) <= f.Failures {
		return nil, f.Err
	}
	return f.Out, nil
}

// Calls returns how many times Execute ran.
func (f *Flaky) Calls() int {
	return int(f.calls.Load())
}

// Static returns a node body that always yields out.
func Static(out nodeguard.State) nodeguard.NodeFunc {
	return func(ctx context.Context, state nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
		return out, nil
	}
}

// Failing returns a node body that always fails with err.
func Failing(err error) nodeguard.NodeFunc {
	return func(ctx context.Context, state nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
		return nil, err
	}
}
