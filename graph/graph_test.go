package graph_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/nodeguard"
	"github.com/agentstation/nodeguard/failure"
	"github.com/agentstation/nodeguard/graph"
	"github.com/agentstation/nodeguard/internal/testutil"
	"github.com/agentstation/nodeguard/middleware"
)

func node(name string, out nodeguard.State) nodeguard.NodeDefinition {
	return nodeguard.NodeDefinition{Name: name, Execute: testutil.Static(out)}
}

func counter(name string) nodeguard.NodeDefinition {
	return nodeguard.NodeDefinition{
		Name: name,
		Execute: func(ctx context.Context, s nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
			n, _ := s["count"].(int)
			return nodeguard.State{"count": n + 1}, nil
		},
	}
}

func invoke(t *testing.T, g *graph.Compiled, s nodeguard.State) (nodeguard.State, error) {
	t.Helper()
	return g.Invoke(context.Background(), s, nodeguard.RunConfig{})
}

func TestLinearGraph(t *testing.T) {
	g, err := graph.New("linear").
		AddNode(node("plan", nodeguard.State{"plan": "p"})).
		AddNode(node("write", nodeguard.State{"output": "w"})).
		AddEdge("plan", "write").
		AddEdge("write", graph.End).
		Compile()
	require.NoError(t, err)
	assert.Equal(t, "plan", g.Entry())
	assert.Len(t, g.Nodes(), 2)

	input := nodeguard.State{"topic": "go"}
	out, err := invoke(t, g, input)
	require.NoError(t, err)

	assert.Equal(t, "p", out["plan"])
	assert.Equal(t, "w", out["output"])
	assert.Equal(t, "write", out.CurrentStep())
	assert.Empty(t, out.Errors())
	assert.Equal(t, nodeguard.State{"topic": "go"}, input)
}

func TestConditionalRouting(t *testing.T) {
	build := func(reviewErr error) *graph.Compiled {
		review := nodeguard.NodeDefinition{Name: "review", Execute: testutil.Static(nodeguard.State{"reviewed": true}), Retry: testutil.FastRetry(0)}
		if reviewErr != nil {
			review.Execute = testutil.Failing(reviewErr)
		}
		g, err := graph.New("review").
			AddNode(review).
			AddNode(node("fix", nodeguard.State{"fixed": true})).
			AddNode(node("publish", nodeguard.State{"published": true})).
			AddConditionalEdge("review", "size(state.errors) > 0", "fix").
			AddEdge("review", "publish").
			Compile()
		require.NoError(t, err)
		return g
	}

	t.Run("clean review publishes", func(t *testing.T) {
		out, err := invoke(t, build(nil), nodeguard.State{})
		require.NoError(t, err)
		assert.Equal(t, true, out["published"])
		assert.NotContains(t, out, "fixed")
		assert.Equal(t, "publish", out.CurrentStep())
	})

	t.Run("failed review routes to fix", func(t *testing.T) {
		out, err := invoke(t, build(failure.NewValidation("needs sources", "")), nodeguard.State{})
		require.NoError(t, err)
		assert.Equal(t, true, out["fixed"])
		assert.NotContains(t, out, "published")
		assert.Equal(t, []string{"needs sources"}, out.Errors())
	})
}

func TestLoopUntilCondition(t *testing.T) {
	g, err := graph.New("loop").
		AddNode(counter("inc")).
		AddConditionalEdge("inc", "state.count < 3", "inc").
		Compile()
	require.NoError(t, err)

	out, err := invoke(t, g, nodeguard.State{"count": 0})
	require.NoError(t, err)
	assert.Equal(t, 3, out["count"])
}

func TestMaxSteps(t *testing.T) {
	g, err := graph.New("forever").
		AddNode(counter("inc")).
		AddEdge("inc", "inc").
		WithMaxSteps(5).
		Compile()
	require.NoError(t, err)

	out, err := invoke(t, g, nodeguard.State{})
	assert.ErrorIs(t, err, graph.ErrMaxSteps)
	assert.Equal(t, 5, out["count"])

	res := nodeguard.ExecuteGraph(context.Background(), g, nodeguard.State{}, "forever", "u")
	assert.False(t, res.Success)
	assert.Contains(t, res.Err.Message(), "maximum steps exceeded")
}

func TestEvaluationError(t *testing.T) {
	g, err := graph.New("missing").
		AddNode(node("a", nil)).
		AddNode(node("b", nil)).
		AddConditionalEdge("a", "state.absent == 'x'", "b").
		Compile()
	require.NoError(t, err)

	_, err = invoke(t, g, nodeguard.State{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state.absent")

	ok, err := graph.New("has").
		AddNode(node("a", nil)).
		AddNode(node("b", nodeguard.State{"b": true})).
		AddConditionalEdge("a", "has(state.absent) && state.absent == 'x'", "b").
		Compile()
	require.NoError(t, err)
	out, err := invoke(t, ok, nodeguard.State{})
	require.NoError(t, err)
	assert.NotContains(t, out, "b")
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func() *graph.Builder
		is    error
	}{
		{"no nodes", func() *graph.Builder { return graph.New("g") }, graph.ErrNoEntry},
		{"unknown entry", func() *graph.Builder {
			return graph.New("g").AddNode(node("a", nil)).SetEntry("zzz")
		}, graph.ErrUnknownNode},
		{"unknown edge target", func() *graph.Builder {
			return graph.New("g").AddNode(node("a", nil)).AddEdge("a", "zzz")
		}, graph.ErrUnknownNode},
		{"unknown edge source", func() *graph.Builder {
			return graph.New("g").AddNode(node("a", nil)).AddEdge("zzz", "a")
		}, graph.ErrUnknownNode},
		{"duplicate node", func() *graph.Builder {
			return graph.New("g").AddNode(node("a", nil)).AddNode(node("a", nil))
		}, graph.ErrDuplicateNode},
		{"bad expression", func() *graph.Builder {
			return graph.New("g").AddNode(node("a", nil)).AddConditionalEdge("a", "state.(", graph.End)
		}, nil},
		{"non boolean expression", func() *graph.Builder {
			return graph.New("g").AddNode(node("a", nil)).AddConditionalEdge("a", "1 + 2", graph.End)
		}, nil},
		{"reserved name", func() *graph.Builder {
			return graph.New("g").AddNode(node(graph.End, nil))
		}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.build().Compile()
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestMiddlewareAppliesToEveryNode(t *testing.T) {
	var seen []string
	record := func(def nodeguard.NodeDefinition) nodeguard.NodeDefinition {
		next := def.Execute
		def.Execute = func(ctx context.Context, s nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
			seen = append(seen, def.Name)
			return next(ctx, s, cfg)
		}
		return def
	}

	g, err := graph.New("mw").
		Use(record, middleware.ContextErrors()).
		AddNode(node("a", nil)).
		AddNode(node("b", nil)).
		AddEdge("a", "b").
		Compile()
	require.NoError(t, err)

	_, err = invoke(t, g, nodeguard.State{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestInvokeStopsOnCancelledContext(t *testing.T) {
	g, err := graph.New("c").AddNode(node("a", nil)).Compile()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Invoke(ctx, nodeguard.State{}, nodeguard.RunConfig{})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestExecuteCompiledGraph(t *testing.T) {
	g, err := graph.New("agent").
		AddNode(nodeguard.NodeDefinition{Name: "a", Execute: testutil.Failing(failure.NewValidation("A failed", "")), Retry: testutil.FastRetry(0)}).
		AddNode(nodeguard.NodeDefinition{Name: "b", Execute: testutil.Failing(failure.NewValidation("B failed", "")), Retry: testutil.FastRetry(0)}).
		AddEdge("a", "b").
		Compile()
	require.NoError(t, err)

	res := nodeguard.ExecuteGraph(context.Background(), g, nodeguard.State{}, "agent", "u")
	assert.False(t, res.Success)
	assert.Equal(t, failure.CodeWorkflow, res.Err.Code())
	assert.Contains(t, res.Err.Message(), "A failed")
	assert.Contains(t, res.Err.Message(), "B failed")
	assert.Equal(t, "b", res.State.CurrentStep())
}

func TestSubgraphAsNode(t *testing.T) {
	inner, err := graph.New("research").
		AddNode(counter("search")).
		AddNode(nodeguard.NodeDefinition{Name: "rank", Execute: testutil.Failing(failure.NewValidation("no results", "")), Retry: testutil.FastRetry(0)}).
		AddEdge("search", "rank").
		Compile()
	require.NoError(t, err)

	outer, err := graph.New("outer").
		AddNode(counter("start")).
		AddNode(inner.AsNode("", "runs the research subgraph")).
		AddNode(node("write", nodeguard.State{"output": "done"})).
		AddEdge("start", "research").
		AddEdge("research", "write").
		Compile()
	require.NoError(t, err)

	out, err := invoke(t, outer, nodeguard.State{})
	require.NoError(t, err)
	assert.Equal(t, 2, out["count"])
	assert.Equal(t, []string{"no results"}, out.Errors())
	assert.Equal(t, "done", out["output"])
	assert.Equal(t, "write", out.CurrentStep())
	assert.Equal(t, "runs the research subgraph", outer.Nodes()[1].Description)
}

func TestSubgraphErrorFailsNode(t *testing.T) {
	loop, err := graph.New("loop").
		AddNode(counter("spin")).
		AddEdge("spin", "spin").
		WithMaxSteps(3).
		Compile()
	require.NoError(t, err)

	def := loop.AsNode("spinner", "")
	def.Retry = testutil.FastRetry(0)
	outer, err := graph.New("outer").AddNode(def).Compile()
	require.NoError(t, err)

	out, err := invoke(t, outer, nodeguard.State{})
	require.NoError(t, err)
	require.Len(t, out.Errors(), 1)
	assert.Contains(t, out.Errors()[0], "subgraph loop")
	assert.Contains(t, out.Errors()[0], "maximum steps exceeded")
	assert.Equal(t, "spinner", out.CurrentStep())
}
