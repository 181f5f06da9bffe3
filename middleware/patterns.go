package middleware

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/agentstation/nodeguard"
	"github.com/agentstation/nodeguard/failure"
	"github.com/agentstation/nodeguard/retry"
)

// Timeout bounds each attempt of the node. A timed-out attempt fails with a
// retryable TIMEOUT_ERROR.
func Timeout(d time.Duration) Middleware {
	return around(func(name string, next nodeguard.NodeFunc) nodeguard.NodeFunc {
		return func(ctx context.Context, state nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
			if cfg.Logger != nil {
				scoped, detach := cfg.Logger.Scoped()
				defer detach()
				cfg.Logger = scoped
			}
			return retry.WithTimeout(ctx, func(ctx context.Context) (nodeguard.State, error) {
				return next(ctx, state, cfg)
			}, d)
		}
	})
}

// Concurrency limits how many attempts run at once across every node the
// returned middleware is applied to. Share it between nodes that call the
// same provider.
func Concurrency(n int64) Middleware {
	sem := semaphore.NewWeighted(n)
	return around(func(name string, next nodeguard.NodeFunc) nodeguard.NodeFunc {
		return func(ctx context.Context, state nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil, failure.New(failure.CodeTimeout, "waiting for a free slot: "+err.Error(),
					failure.WithRetryable(true), failure.WithCause(err))
			}
			defer sem.Release(1)
			return next(ctx, state, cfg)
		}
	})
}

// Validation checks the incoming state before the attempt and the partial
// state after it. Either function may be nil. A returned error that is not
// already a failure becomes a non-retryable VALIDATION_ERROR.
func Validation(validateInput, validateOutput func(nodeguard.State) error) Middleware {
	return around(func(name string, next nodeguard.NodeFunc) nodeguard.NodeFunc {
		return func(ctx context.Context, state nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
			if validateInput != nil {
				if err := validateInput(state); err != nil {
					return nil, asValidation("input", err)
				}
			}
			out, err := next(ctx, state, cfg)
			if err != nil {
				return nil, err
			}
			if validateOutput != nil {
				if err := validateOutput(out); err != nil {
					return nil, asValidation("output", err)
				}
			}
			return out, nil
		}
	})
}

func asValidation(stage string, err error) error {
	if failure.IsFailure(err) {
		return err
	}
	return failure.New(failure.CodeValidation, stage+" validation failed: "+err.Error(), failure.WithCause(err))
}

// Classify maps raw errors returned by the node into taxonomy failures, for
// example to mark a provider's HTTP 429 as a rate limit. Errors that classify
// returns unchanged are left for normalisation.
func Classify(classify func(error) error) Middleware {
	return around(func(name string, next nodeguard.NodeFunc) nodeguard.NodeFunc {
		return func(ctx context.Context, state nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
			out, err := next(ctx, state, cfg)
			if err == nil || failure.IsFailure(err) {
				return out, err
			}
			return out, classify(err)
		}
	})
}

// ContextErrors classifies context deadline errors as retryable timeouts.
// Cancellation stays non-retryable.
func ContextErrors() Middleware {
	return Classify(func(err error) error {
		if errors.Is(err, context.DeadlineExceeded) {
			return failure.New(failure.CodeTimeout, err.Error(), failure.WithRetryable(true), failure.WithCause(err))
		}
		return err
	})
}
