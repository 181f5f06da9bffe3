package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/agentstation/nodeguard"
	"github.com/agentstation/nodeguard/config"
	"github.com/agentstation/nodeguard/execlog"
	"github.com/agentstation/nodeguard/middleware"
	"github.com/agentstation/nodeguard/sink"
	"github.com/agentstation/nodeguard/workflow"
)

// errRunFailed marks a run that completed with a failed record. The
// details have already been printed.
var errRunFailed = errors.New("execution failed")

type runFlags struct {
	input       string
	user        string
	records     string
	redisURL    string
	metricsFile string
}

func (c *cli) newRunCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Execute a workflow",
		Example: `  nodeguard run workflow.yaml
  nodeguard run workflow.yaml --input input.json --user alice
  nodeguard run workflow.yaml --records runs.jsonl --output json
  nodeguard run workflow.yaml --redis-url redis://localhost:6379/0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return c.run(ctx, cmd.OutOrStdout(), args[0], f)
		},
	}

	cmd.Flags().StringVarP(&f.input, "input", "i", "", "Initial state as a JSON or YAML file")
	cmd.Flags().StringVar(&f.user, "user", "", "User id recorded for the execution")
	cmd.Flags().StringVar(&f.records, "records", "", "Append the execution record to this JSON Lines file")
	cmd.Flags().StringVar(&f.redisURL, "redis-url", "", "Store the execution record in Redis")
	cmd.Flags().StringVar(&f.metricsFile, "metrics-file", "", "Write node attempt metrics in Prometheus text format to this file")
	return cmd
}

func (c *cli) run(ctx context.Context, out io.Writer, path string, f runFlags) error {
	path, err := expandPath(path)
	if err != nil {
		return err
	}
	file, err := config.Load(path)
	if err != nil {
		return err
	}
	input, err := readInput(f.input)
	if err != nil {
		return err
	}

	mw := []middleware.Middleware{middleware.ContextErrors(), middleware.Logging(c.logger)}
	reg := prometheus.NewRegistry()
	if f.metricsFile != "" {
		mw = append(mw, middleware.Metrics(middleware.NewCollector(reg)))
	}

	g, err := workflow.Build(file, filepath.Dir(path), workflow.WithMiddleware(mw...))
	if err != nil {
		return err
	}

	sinks, closeSinks, err := c.openSinks(ctx, f)
	if err != nil {
		return err
	}
	defer closeSinks()

	opts := []nodeguard.ExecuteOption{
		nodeguard.WithMinLevel(file.MinLevel()),
		nodeguard.WithSlog(c.logger),
		nodeguard.WithOutputPath(file.Executor.OutputPath),
	}
	if len(sinks) > 0 {
		opts = append(opts, nodeguard.WithOnComplete(sink.Multi(sinks...)))
	}

	agentType := firstNonEmpty(file.Executor.AgentType, file.Workflow.Name, defaultAgentType)
	userID := firstNonEmpty(f.user, file.Executor.UserID, defaultUserID)

	c.logger.Debug("starting workflow", "workflow", g.Name(), "agentType", agentType, "userId", userID)
	res := nodeguard.ExecuteGraph(ctx, g, input, agentType, userID, opts...)

	if f.metricsFile != "" {
		if err := prometheus.WriteToTextfile(f.metricsFile, reg); err != nil {
			c.logger.Warn("failed to write metrics", "path", f.metricsFile, "error", err)
		}
	}

	if err := c.report(out, res); err != nil {
		return err
	}
	if !res.Success {
		return errRunFailed
	}
	return nil
}

// openSinks builds the record sinks requested on the command line.
func (c *cli) openSinks(ctx context.Context, f runFlags) ([]execlog.CompleteFunc, func(), error) {
	var (
		sinks   []execlog.CompleteFunc
		closers []func() error
	)
	closeAll := func() {
		for _, fn := range closers {
			if err := fn(); err != nil {
				c.logger.Warn("failed to close record sink", "error", err)
			}
		}
	}

	if f.records != "" {
		w, err := os.OpenFile(f.records, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) // #nosec G302 G304 - user-provided records file
		if err != nil {
			return nil, nil, fmt.Errorf("open records file: %w", err)
		}
		closers = append(closers, w.Close)
		sinks = append(sinks, sink.NewJSONL(w).Save)
	}

	if f.redisURL != "" {
		r, err := sink.DialRedis(ctx, f.redisURL)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, r.Close)
		sinks = append(sinks, r.Save)
	}

	return sinks, closeAll, nil
}

// runReport is the structured form of a run result.
type runReport struct {
	ExecutionID string         `json:"executionId" yaml:"executionId"`
	AgentType   string         `json:"agentType" yaml:"agentType"`
	UserID      string         `json:"userId" yaml:"userId"`
	Status      execlog.Status `json:"status" yaml:"status"`
	Output      any            `json:"output,omitempty" yaml:"output,omitempty"`
	Error       *errorReport   `json:"error,omitempty" yaml:"error,omitempty"`
	Errors      []string       `json:"errors,omitempty" yaml:"errors,omitempty"`
	DurationMs  int64          `json:"durationMs" yaml:"durationMs"`
	TokensUsed  int            `json:"tokensUsed" yaml:"tokensUsed"`
}

type errorReport struct {
	Code      string `json:"code" yaml:"code"`
	Message   string `json:"message" yaml:"message"`
	Retryable bool   `json:"retryable" yaml:"retryable"`
}

func newRunReport(res nodeguard.Result) runReport {
	rec := res.Record
	r := runReport{
		ExecutionID: rec.ID,
		AgentType:   rec.AgentType,
		UserID:      rec.UserID,
		Status:      rec.Status,
		Output:      rec.Output,
		DurationMs:  rec.DurationMs,
		TokensUsed:  rec.TokensUsed,
		Errors:      res.State.Errors(),
	}
	if res.Err != nil {
		r.Error = &errorReport{
			Code:      string(res.Err.Code()),
			Message:   res.Err.Message(),
			Retryable: res.Err.Retryable(),
		}
	}
	return r
}

func (c *cli) report(out io.Writer, res nodeguard.Result) error {
	r := newRunReport(res)
	if c.output != textFormat {
		return c.encode(out, r)
	}

	fmt.Fprintf(out, "execution %s %s in %dms", r.ExecutionID, r.Status, r.DurationMs)
	if r.TokensUsed > 0 {
		fmt.Fprintf(out, " (%d tokens)", r.TokensUsed)
	}
	fmt.Fprintln(out)

	if r.Error != nil {
		fmt.Fprintf(out, "error: [%s] %s\n", r.Error.Code, r.Error.Message)
		for _, e := range r.Errors {
			fmt.Fprintf(out, "  - %s\n", e)
		}
		return nil
	}
	if r.Output != nil {
		fmt.Fprintf(out, "output: %s\n", strings.TrimSpace(fmt.Sprint(r.Output)))
	}
	return nil
}
