package graph

import (
	"context"
	"fmt"

	"github.com/agentstation/nodeguard"
)

// AsNode exposes the compiled graph as a node of another graph. The
// subgraph runs on a copy of the parent state and shares its execution
// logger, so its steps and token usage land in the parent's record. The
// subgraph's final state becomes the node's partial state.
func (g *Compiled) AsNode(name, description string) nodeguard.NodeDefinition {
	if name == "" {
		name = g.name
	}
	return nodeguard.NodeDefinition{
		Name:        name,
		Description: description,
		Execute: func(ctx context.Context, state nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
			out, err := g.Invoke(ctx, state, cfg)
			if err != nil {
				return nil, fmt.Errorf("subgraph %s: %w", g.name, err)
			}
			delete(out, nodeguard.KeyCurrentStep)
			return out, nil
		},
	}
}
