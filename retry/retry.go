// Package retry runs fallible operations with exponential backoff and
// per-attempt timeouts.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/agentstation/nodeguard/failure"
)

// Config defines retry behavior.
type Config struct {
	// MaxRetries is the number of retries after the first attempt (0 = single attempt).
	MaxRetries int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps every computed delay. Zero means the default cap.
	MaxDelay time.Duration
	// BackoffMultiplier is the factor by which the delay grows per attempt.
	BackoffMultiplier float64
	// RetryableCodes documents which codes are expected to be transient.
	// Decisions are made from the failure's own retryable flag.
	RetryableCodes []failure.Code
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:        3,
		InitialDelay:      1000 * time.Millisecond,
		MaxDelay:          30000 * time.Millisecond,
		BackoffMultiplier: 2,
		RetryableCodes:    []failure.Code{failure.CodeLLM, failure.CodeTimeout, failure.CodeRateLimit},
	}
}

// Option overrides a single field of the default configuration.
type Option func(*Config)

// WithMaxRetries sets the number of retries.
func WithMaxRetries(n int) Option {
	return func(c *Config) {
		c.MaxRetries = n
	}
}

// WithInitialDelay sets the first retry delay.
func WithInitialDelay(d time.Duration) Option {
	return func(c *Config) {
		c.InitialDelay = d
	}
}

// WithMaxDelay sets the delay cap.
func WithMaxDelay(d time.Duration) Option {
	return func(c *Config) {
		c.MaxDelay = d
	}
}

// WithBackoffMultiplier sets the growth factor.
func WithBackoffMultiplier(m float64) Option {
	return func(c *Config) {
		c.BackoffMultiplier = m
	}
}

// WithRetryableCodes sets the informational list of transient codes.
func WithRetryableCodes(codes ...failure.Code) Option {
	return func(c *Config) {
		c.RetryableCodes = codes
	}
}

// NewConfig returns DefaultConfig with the given overrides applied.
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg.sanitized()
}

func (c Config) sanitized() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultConfig().MaxDelay
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 1
	}
	return c
}

// Backoff returns the delay before retry number attempt (zero-based):
// min(InitialDelay * BackoffMultiplier^attempt, MaxDelay).
func Backoff(attempt int, cfg Config) time.Duration {
	cfg = cfg.sanitized()
	if attempt < 0 {
		attempt = 0
	}
	d := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}

// ShouldRetry reports whether another attempt is allowed after err, given the
// number of retries already performed.
func ShouldRetry(err error, attemptsSoFar int, cfg Config) bool {
	if attemptsSoFar >= cfg.MaxRetries {
		return false
	}
	return failure.IsRetryable(err)
}

// Delay returns the wait before the next attempt. A rate-limit failure that
// carries a retry-after hint wins over the computed backoff.
func Delay(err error, attempt int, cfg Config) time.Duration {
	if failure.HasCode(err, failure.CodeRateLimit) {
		if after, ok := failure.Normalize(err).RetryAfter(); ok {
			return after
		}
	}
	return Backoff(attempt, cfg)
}

// Outcome is the result of Do.
type Outcome[T any] struct {
	Success bool
	Data    T
	Err     *failure.Error
	// Attempts is the number of times the operation was invoked.
	Attempts int
	// Elapsed is the wall time from the first invocation to the final result.
	Elapsed time.Duration
}

// Event describes a scheduled retry.
type Event struct {
	// Attempt is the zero-based index of the retry about to happen.
	Attempt int
	Err     *failure.Error
	Delay   time.Duration
}

// RunOption configures a single Do call.
type RunOption func(*runOptions)

type runOptions struct {
	onRetry func(Event)
}

// OnRetry registers a hook fired before each backoff wait.
func OnRetry(fn func(Event)) RunOption {
	return func(o *runOptions) {
		o.onRetry = fn
	}
}

// Do invokes fn until it succeeds, returns a non-retryable failure, or the
// retry budget is spent. fn is invoked at most cfg.MaxRetries+1 times and
// never concurrently with itself.
func Do[T any](ctx context.Context, fn func(context.Context) (T, error), cfg Config, opts ...RunOption) Outcome[T] {
	cfg = cfg.sanitized()
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	var out Outcome[T]

	for attempt := 0; ; attempt++ {
		data, err := fn(ctx)
		out.Attempts++
		if err == nil {
			out.Success = true
			out.Data = data
			out.Elapsed = time.Since(start)
			return out
		}

		f := failure.Normalize(err)
		if !ShouldRetry(f, attempt, cfg) {
			out.Err = f
			out.Elapsed = time.Since(start)
			return out
		}

		delay := Delay(f, attempt, cfg)
		if o.onRetry != nil {
			o.onRetry(Event{Attempt: attempt, Err: f, Delay: delay})
		}

		if err := wait(ctx, delay); err != nil {
			out.Err = failure.New(failure.CodeUnknown, "retry aborted: "+err.Error(), failure.WithCause(f))
			out.Elapsed = time.Since(start)
			return out
		}
	}
}

// DoWithTimeout is Do where every attempt is bounded by timeout.
// A timed-out attempt counts as a retryable failure.
func DoWithTimeout[T any](ctx context.Context, fn func(context.Context) (T, error), timeout time.Duration, cfg Config, opts ...RunOption) Outcome[T] {
	return Do(ctx, func(ctx context.Context) (T, error) {
		return WithTimeout(ctx, fn, timeout)
	}, cfg, opts...)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
