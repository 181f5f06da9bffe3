package middleware

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentstation/nodeguard"
	"github.com/agentstation/nodeguard/failure"
)

// Tracing starts one span per attempt, named "node.<name>".
func Tracing(tracer trace.Tracer) Middleware {
	return around(func(name string, next nodeguard.NodeFunc) nodeguard.NodeFunc {
		return func(ctx context.Context, state nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
			attrs := []attribute.KeyValue{attribute.String("node.name", name)}
			if cfg.Logger != nil {
				attrs = append(attrs, attribute.String("execution.id", cfg.Logger.ExecutionID()))
			}
			ctx, span := tracer.Start(ctx, "node."+name, trace.WithAttributes(attrs...))
			defer span.End()

			out, err := next(ctx, state, cfg)
			if err != nil {
				f := failure.Normalize(err)
				span.RecordError(err)
				span.SetAttributes(
					attribute.String("failure.code", string(f.Code())),
					attribute.Bool("failure.retryable", f.Retryable()),
				)
				span.SetStatus(codes.Error, f.Message())
				return out, err
			}
			span.SetStatus(codes.Ok, "")
			return out, nil
		}
	})
}
