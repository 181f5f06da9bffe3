package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentstation/nodeguard"
	"github.com/agentstation/nodeguard/failure"
)

// Logging writes one line per attempt to logger, in addition to the
// execution log kept by the run.
func Logging(logger *slog.Logger) Middleware {
	return around(func(name string, next nodeguard.NodeFunc) nodeguard.NodeFunc {
		return func(ctx context.Context, state nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
			attrs := []any{"node", name}
			if cfg.Logger != nil {
				attrs = append(attrs, "execution_id", cfg.Logger.ExecutionID())
			}
			logger.DebugContext(ctx, "node attempt starting", attrs...)
			start := time.Now()

			out, err := next(ctx, state, cfg)

			attrs = append(attrs, "duration", time.Since(start))
			if err != nil {
				f := failure.Normalize(err)
				logger.ErrorContext(ctx, "node attempt failed",
					append(attrs, "code", f.Code(), "retryable", f.Retryable(), "error", f.Message())...)
				return out, err
			}
			logger.InfoContext(ctx, "node attempt completed", append(attrs, "keys", len(out))...)
			return out, nil
		}
	})
}
