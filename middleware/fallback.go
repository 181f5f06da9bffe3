package middleware

import (
	"context"

	"github.com/agentstation/nodeguard"
	"github.com/agentstation/nodeguard/failure"
)

// Alternative is a node body tried after the primary fails.
type Alternative struct {
	Name    string
	Execute nodeguard.NodeFunc
	// When limits the alternative to matching failures. Nil accepts all.
	When func(*failure.Error) bool
}

// Fallback tries the alternatives in order, within the same attempt, when
// the node fails. The first success wins. If every eligible alternative
// fails the last failure is returned, so the retry policy still applies.
func Fallback(alternatives ...Alternative) Middleware {
	return around(func(name string, next nodeguard.NodeFunc) nodeguard.NodeFunc {
		return func(ctx context.Context, state nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
			out, err := next(ctx, state, cfg)
			if err == nil {
				return out, nil
			}

			last := failure.Normalize(err)
			for _, alt := range alternatives {
				if alt.Execute == nil || (alt.When != nil && !alt.When(last)) {
					continue
				}
				if ctx.Err() != nil {
					break
				}
				if cfg.Logger != nil {
					cfg.Logger.StepWarn(name, "Falling back: "+alt.Name,
						"code", string(last.Code()),
						"error", last.Message(),
					)
				}

				out, err = alt.Execute(ctx, state, cfg)
				if err == nil {
					return out, nil
				}
				last = failure.Normalize(err)
			}
			return nil, last
		}
	})
}

// OnCodes matches failures with one of the given codes.
func OnCodes(codes ...failure.Code) func(*failure.Error) bool {
	return func(f *failure.Error) bool {
		for _, c := range codes {
			if f.Code() == c {
				return true
			}
		}
		return false
	}
}
