/*
Package nodeguard runs agent workflow nodes with retries, timeouts and a
per-execution log.

A workflow is a directed graph of nodes that share one State. Each node is
declared as a NodeDefinition and wrapped with Wrap before it is handed to a
graph engine. A wrapped node never fails the graph: exhausted retries are
recorded in the state's "errors" list and the workflow keeps going.
ExecuteGraph runs a compiled graph once and reports the outcome.

Basic usage:

	policy := retry.NewConfig(retry.WithMaxRetries(2))
	draft := nodeguard.NodeDefinition{
		Name: "draft",
		Execute: func(ctx context.Context, s nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
			text, err := callModel(ctx, s["topic"])
			if err != nil {
				return nil, failure.NewLLM("openai", err.Error(), 0)
			}
			cfg.Logger.AddTokens(120)
			return nodeguard.State{"output": text}, nil
		},
		Retry: &policy,
	}

	g, err := graph.New("writer").
		AddNode(draft).
		SetEntry("draft").
		Compile()

	res := nodeguard.ExecuteGraph(ctx, g, nodeguard.State{"topic": "otters"}, "writer", "user-1",
		nodeguard.WithOnComplete(redisSink.Save),
	)

Failures are classified by the failure package, retried by the retry package
and recorded by the execlog package.
*/
package nodeguard
