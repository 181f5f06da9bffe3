package nodeguard_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/nodeguard"
	"github.com/agentstation/nodeguard/execlog"
	"github.com/agentstation/nodeguard/failure"
	"github.com/agentstation/nodeguard/internal/testutil"
	"github.com/agentstation/nodeguard/retry"
)

func runWrapped(t *testing.T, def nodeguard.NodeDefinition, state nodeguard.State, logger *execlog.Logger) nodeguard.State {
	t.Helper()
	out, err := nodeguard.Wrap(def)(context.Background(), state, nodeguard.RunConfig{Logger: logger, UserID: "u1"})
	require.NoError(t, err)
	return out
}

func TestWrapSuccess(t *testing.T) {
	tests := []struct {
		name    string
		partial nodeguard.State
		want    nodeguard.State
	}{
		{
			name:    "partial merged with step",
			partial: nodeguard.State{"plan": "outline"},
			want:    nodeguard.State{"plan": "outline", "currentStep": "planner"},
		},
		{
			name:    "node cannot rename its step",
			partial: nodeguard.State{"currentStep": "other", "n": 1},
			want:    nodeguard.State{"currentStep": "planner", "n": 1},
		},
		{
			name:    "empty partial",
			partial: nil,
			want:    nodeguard.State{"currentStep": "planner"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := nodeguard.NodeDefinition{Name: "planner", Execute: testutil.Static(tt.partial)}
			got := runWrapped(t, def, nodeguard.State{"topic": "go"}, nil)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWrapRetriesTransientFailures(t *testing.T) {
	flaky := &testutil.Flaky{
		Failures: 2,
		Err:      failure.NewLLM("openai", "overloaded", 529),
		Out:      nodeguard.State{"draft": "text"},
	}
	logger := execlog.New("writer", "u1", nil)
	def := nodeguard.NodeDefinition{Name: "draft", Execute: flaky.Execute, Retry: testutil.FastRetry(3)}

	got := runWrapped(t, def, nodeguard.State{}, logger)

	assert.Equal(t, 3, flaky.Calls())
	assert.Equal(t, "text", got["draft"])
	assert.Equal(t, "draft", got.CurrentStep())
	assert.Empty(t, got.Errors())

	var retries int
	for _, e := range logger.Logs() {
		if strings.HasPrefix(e.Message, "Retrying step") {
			retries++
			assert.Equal(t, execlog.LevelWarn, e.Level)
			assert.Equal(t, "LLM_ERROR", e.Metadata["code"])
		}
	}
	assert.Equal(t, 2, retries)
}

func TestWrapRecordsFailure(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retries   int
		wantCalls int
		wantMsg   string
	}{
		{"validation is not retried", failure.NewValidation("missing title", "title"), 3, 1, "missing title"},
		{"zero retries", failure.NewTimeout(time.Second), 0, 1, "operation timed out after 1000ms"},
		{"retryable exhausts budget", failure.NewLLM("p", "down", 500), 2, 3, "down"},
		{"plain error normalised", errors.New("nil pointer"), 3, 1, "nil pointer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flaky := &testutil.Flaky{Failures: 100, Err: tt.err}
			def := nodeguard.NodeDefinition{Name: "review", Execute: flaky.Execute, Retry: testutil.FastRetry(tt.retries)}
			state := nodeguard.State{"errors": []string{"earlier"}}

			got := runWrapped(t, def, state, nil)

			assert.Equal(t, tt.wantCalls, flaky.Calls())
			assert.Equal(t, nodeguard.State{
				"errors":      []string{"earlier", tt.wantMsg},
				"currentStep": "review",
			}, got)
			assert.Equal(t, []string{"earlier"}, state.Errors(), "input state must not change")
		})
	}
}

func TestWrapUsesRunLogger(t *testing.T) {
	logger := execlog.New("writer", "u1", nil)
	def := nodeguard.NodeDefinition{
		Name: "count",
		Execute: func(ctx context.Context, s nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
			assert.Equal(t, logger.ExecutionID(), cfg.Logger.ExecutionID())
			cfg.Logger.AddTokens(42)
			return nil, nil
		},
	}

	runWrapped(t, def, nodeguard.State{}, logger)

	assert.Equal(t, 42, logger.TokensUsed())
	var steps []string
	for _, e := range logger.Logs() {
		if e.Step != "" {
			steps = append(steps, e.Message)
		}
	}
	assert.Equal(t, []string{"Entering step: count", "Exiting step: count"}, steps)
}

func TestWrapCreatesLoggerWhenMissing(t *testing.T) {
	var seen *execlog.Logger
	def := nodeguard.NodeDefinition{
		Name: "solo",
		Execute: func(ctx context.Context, s nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
			seen = cfg.Logger
			return nodeguard.State{"ok": true}, nil
		},
	}

	out, err := nodeguard.Wrap(def)(context.Background(), nodeguard.State{}, nodeguard.RunConfig{})
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, "solo", seen.AgentType())
	assert.Equal(t, "system", seen.UserID())
	assert.Equal(t, true, out["ok"])
}

func TestWrapRecoversPanics(t *testing.T) {
	def := nodeguard.NodeDefinition{
		Name: "explode",
		Execute: func(ctx context.Context, s nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
			panic("index out of range")
		},
	}

	got := runWrapped(t, def, nodeguard.State{}, nil)
	require.Len(t, got.Errors(), 1)
	assert.Contains(t, got.Errors()[0], "index out of range")
	assert.Equal(t, "explode", got.CurrentStep())
}

func TestWrapTimeoutPerAttempt(t *testing.T) {
	flaky := &testutil.Flaky{}
	slow := func(ctx context.Context, s nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
		flaky.Execute(ctx, s, cfg)
		<-ctx.Done()
		return nodeguard.State{"late": true}, nil
	}
	def := nodeguard.NodeDefinition{Name: "slow", Execute: slow, Timeout: 5 * time.Millisecond, Retry: testutil.FastRetry(1)}

	got := runWrapped(t, def, nodeguard.State{}, nil)

	assert.Equal(t, 2, flaky.Calls())
	assert.NotContains(t, got, "late")
	require.Len(t, got.Errors(), 1)
	assert.Contains(t, got.Errors()[0], "timed out")
}

func TestWrapTimedOutAttemptIsInert(t *testing.T) {
	lateNode := func(done chan struct{}) nodeguard.NodeDefinition {
		return nodeguard.NodeDefinition{
			Name:    "slow",
			Timeout: 10 * time.Millisecond,
			Retry:   testutil.FastRetry(0),
			Execute: func(ctx context.Context, s nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
				defer close(done)
				time.Sleep(100 * time.Millisecond)
				cfg.Logger.Info("late side effect")
				cfg.Logger.AddTokens(500)
				return nodeguard.State{"late": true}, nil
			},
		}
	}

	t.Run("within the run", func(t *testing.T) {
		done := make(chan struct{})
		logger := execlog.New("writer", "u1", nil, execlog.WithSlog(discardLogger()))

		got := runWrapped(t, lateNode(done), nodeguard.State{}, logger)
		require.Len(t, got.Errors(), 1)
		before := logger.Logs()

		<-done
		assert.Equal(t, before, logger.Logs())
		assert.Equal(t, 0, logger.TokensUsed())
	})

	t.Run("after the record is final", func(t *testing.T) {
		done := make(chan struct{})
		var mu sync.Mutex
		var messages []string
		onLog := func(e execlog.Entry) {
			mu.Lock()
			defer mu.Unlock()
			messages = append(messages, e.Message)
		}

		res := nodeguard.ExecuteGraph(context.Background(), nodeguard.GraphFunc(nodeguard.Wrap(lateNode(done))),
			nodeguard.State{}, "writer", "u1", nodeguard.WithOnLog(onLog), nodeguard.WithSlog(discardLogger()))
		require.False(t, res.Success)

		<-done
		mu.Lock()
		defer mu.Unlock()
		assert.NotContains(t, messages, "late side effect")
		assert.Equal(t, "Execution failed", messages[len(messages)-1])
		assert.Equal(t, 0, res.Record.TokensUsed)
	})
}

func TestWrapPartialRetryConfig(t *testing.T) {
	flaky := &testutil.Flaky{Failures: 1, Err: failure.NewLLM("openai", "overloaded", 529)}
	def := nodeguard.NodeDefinition{
		Name:    "draft",
		Execute: flaky.Execute,
		Retry:   &retry.Config{MaxRetries: 1, InitialDelay: 20 * time.Millisecond},
	}

	start := time.Now()
	got := runWrapped(t, def, nodeguard.State{}, nil)

	assert.Empty(t, got.Errors())
	assert.Equal(t, 2, flaky.Calls())
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWrapIsolatesInputState(t *testing.T) {
	def := nodeguard.NodeDefinition{
		Name: "mutate",
		Execute: func(ctx context.Context, s nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
			s["topic"] = "changed"
			return nil, nil
		},
	}
	state := nodeguard.State{"topic": "go"}
	runWrapped(t, def, state, nil)
	assert.Equal(t, "go", state["topic"])
}

func TestWrapWithoutExecute(t *testing.T) {
	got := runWrapped(t, nodeguard.NodeDefinition{Name: "empty"}, nodeguard.State{}, nil)
	require.Len(t, got.Errors(), 1)
	assert.Contains(t, got.Errors()[0], "no execute function")
}
