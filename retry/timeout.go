package retry

import (
	"context"
	"time"

	"github.com/agentstation/nodeguard/failure"
)

type result[T any] struct {
	data T
	err  error
}

// WithTimeout runs fn and waits at most timeout for it to settle.
//
// When the timer wins, WithTimeout returns a TIMEOUT_ERROR and cancels the
// context handed to fn. fn is not stopped forcibly; whatever it returns later
// is dropped. A non-positive timeout runs fn without a limit.
func WithTimeout[T any](ctx context.Context, fn func(context.Context) (T, error), timeout time.Duration) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so a late sender never blocks after we stop listening.
	done := make(chan result[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result[T]{err: failure.FromPanic(r)}
			}
		}()
		data, err := fn(runCtx)
		done <- result[T]{data: data, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case r := <-done:
		return r.data, r.err
	case <-timer.C:
		return zero, failure.NewTimeout(timeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
