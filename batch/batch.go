// Package batch runs one graph over many independent inputs.
package batch

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/agentstation/nodeguard"
	"github.com/agentstation/nodeguard/failure"
)

// DefaultConcurrency is the number of runs in flight when none is set.
const DefaultConcurrency = 4

// Option configures a batch run.
type Option func(*options)

type options struct {
	concurrency int
	execOpts    []nodeguard.ExecuteOption
}

// WithConcurrency sets the maximum number of concurrent runs.
func WithConcurrency(n int) Option {
	return func(o *options) {
		o.concurrency = n
	}
}

// WithExecuteOptions forwards options to every ExecuteGraph call.
func WithExecuteOptions(opts ...nodeguard.ExecuteOption) Option {
	return func(o *options) {
		o.execOpts = append(o.execOpts, opts...)
	}
}

// Run executes g once per input. Every run gets its own execution logger
// and record. Results keep the order of inputs; a failed run never stops
// the others.
func Run(ctx context.Context, g nodeguard.Graph, inputs []nodeguard.State, agentType, userID string, opts ...Option) []nodeguard.Result {
	o := options{concurrency: DefaultConcurrency}
	for _, opt := range opts {
		opt(&o)
	}
	if o.concurrency < 1 {
		o.concurrency = 1
	}

	results := make([]nodeguard.Result, len(inputs))
	if len(inputs) == 0 {
		return results
	}

	var eg errgroup.Group
	eg.SetLimit(o.concurrency)
	for i, input := range inputs {
		eg.Go(func() error {
			results[i] = nodeguard.ExecuteGraph(ctx, g, input, agentType, userID, o.execOpts...)
			return nil
		})
	}
	_ = eg.Wait()

	return results
}

// Summary counts the outcomes of a batch.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	// ByCode counts failed runs per failure code.
	ByCode map[failure.Code]int
	Tokens int
}

// Summarize tallies results.
func Summarize(results []nodeguard.Result) Summary {
	s := Summary{Total: len(results), ByCode: make(map[failure.Code]int)}
	for _, r := range results {
		s.Tokens += r.Record.TokensUsed
		if r.Success {
			s.Succeeded++
			continue
		}
		s.Failed++
		if r.Err != nil {
			s.ByCode[r.Err.Code()]++
		}
	}
	return s
}

// Codes returns the failure codes seen, sorted.
func (s Summary) Codes() []failure.Code {
	codes := make([]failure.Code, 0, len(s.ByCode))
	for c := range s.ByCode {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}
