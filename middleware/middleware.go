// Package middleware decorates node definitions with cross-cutting behavior
// such as timeouts, tracing, metrics and output validation.
//
// Middleware wraps a node's Execute function, so it runs once per attempt,
// inside the retry loop that nodeguard.Wrap installs.
package middleware

import (
	"github.com/agentstation/nodeguard"
)

// Middleware modifies a node definition.
type Middleware func(nodeguard.NodeDefinition) nodeguard.NodeDefinition

// Chain combines multiple middlewares into a single middleware.
// The first middleware is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(def nodeguard.NodeDefinition) nodeguard.NodeDefinition {
		for i := len(middlewares) - 1; i >= 0; i-- {
			def = middlewares[i](def)
		}
		return def
	}
}

// Apply applies middleware to a node in order; the last one is the outermost.
func Apply(def nodeguard.NodeDefinition, middlewares ...Middleware) nodeguard.NodeDefinition {
	for _, mw := range middlewares {
		def = mw(def)
	}
	return def
}

// around builds a middleware that replaces Execute with wrap(Execute).
func around(wrap func(name string, next nodeguard.NodeFunc) nodeguard.NodeFunc) Middleware {
	return func(def nodeguard.NodeDefinition) nodeguard.NodeDefinition {
		if def.Execute == nil {
			return def
		}
		def.Execute = wrap(def.Name, def.Execute)
		return def
	}
}
