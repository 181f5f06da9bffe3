// Package execlog records the history of a single workflow execution.
//
// A Logger is created per run. It keeps every entry at or above its minimum
// level, forwards entries to an optional sink as they happen, tracks token
// usage, and produces one immutable Record when the run completes or fails.
package execlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentstation/nodeguard/failure"
)

var seq atomic.Uint64

// Option configures a Logger.
type Option func(*options)

type options struct {
	minLevel   Level
	onLog      func(Entry)
	onComplete CompleteFunc
	mirror     *slog.Logger
	now        func() time.Time
}

// WithMinLevel drops entries below level. The default is LevelInfo.
func WithMinLevel(level Level) Option {
	return func(o *options) {
		o.minLevel = level
	}
}

// WithOnLog registers a sink invoked synchronously for every kept entry.
func WithOnLog(fn func(Entry)) Option {
	return func(o *options) {
		o.onLog = fn
	}
}

// WithOnComplete registers the persistence callback invoked once the run finishes.
// Its error never reaches the caller of Complete or Fail.
func WithOnComplete(fn CompleteFunc) Option {
	return func(o *options) {
		o.onComplete = fn
	}
}

// WithSlog mirrors every kept entry to logger and uses it to report
// persistence failures. Without it those reports go to slog.Default.
func WithSlog(logger *slog.Logger) Option {
	return func(o *options) {
		o.mirror = logger
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// Logger is the log history of one execution. It is safe for concurrent use.
//
// Once the run is finished, further entries and token counts are ignored.
type Logger struct {
	*run
	// detached is set on views returned by Scoped.
	detached *atomic.Bool
	parent   *Logger
}

type run struct {
	id        string
	agentType string
	userID    string
	input     any
	createdAt time.Time
	opts      options

	mu     sync.Mutex
	status Status
	tokens int
	logs   []Entry
	record *Record
}

// New starts an execution log and emits its opening entry.
func New(agentType, userID string, input any, opts ...Option) *Logger {
	o := options{minLevel: LevelInfo, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	now := o.now()
	input = snapshot(input)
	l := &Logger{run: &run{
		id:        newExecutionID(agentType, now),
		agentType: agentType,
		userID:    userID,
		input:     input,
		createdAt: now,
		opts:      o,
		status:    StatusRunning,
	}}
	l.Info("Execution started", "input", input, "agentType", agentType, "userId", userID)
	return l
}

// snapshot copies a top-level map so later writes by the caller do not
// change the recorded input.
func snapshot(input any) any {
	v := reflect.ValueOf(input)
	if v.Kind() != reflect.Map || v.IsNil() {
		return input
	}
	out := reflect.MakeMapWithSize(v.Type(), v.Len())
	iter := v.MapRange()
	for iter.Next() {
		out.SetMapIndex(iter.Key(), iter.Value())
	}
	return out.Interface()
}

// Scoped returns a view of l that writes to the same history until detach
// is called. After that every entry and token count sent through the view is
// dropped. Work that may outlive its caller, such as an attempt abandoned by
// a timeout, should log through a scoped view.
func (l *Logger) Scoped() (scoped *Logger, detach func()) {
	flag := new(atomic.Bool)
	return &Logger{run: l.run, detached: flag, parent: l}, func() { flag.Store(true) }
}

func (l *Logger) isDetached() bool {
	for v := l; v != nil; v = v.parent {
		if v.detached != nil && v.detached.Load() {
			return true
		}
	}
	return false
}

// newExecutionID builds {agentType}_{base36 millis}_{random}.
func newExecutionID(agentType string, now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return agentType + "_" +
		strconv.FormatInt(now.UnixMilli(), 36) + "_" +
		random + strconv.FormatUint(seq.Add(1), 36)
}

// ExecutionID returns the run identifier.
func (l *Logger) ExecutionID() string { return l.id }

// AgentType returns the agent type the run was started for.
func (l *Logger) AgentType() string { return l.agentType }

// UserID returns the user the run was started for.
func (l *Logger) UserID() string { return l.userID }

// Status returns the current lifecycle state.
func (l *Logger) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// TokensUsed returns the accumulated token count.
func (l *Logger) TokensUsed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens
}

// Debug records a debug entry. kv is a list of alternating keys and values.
func (l *Logger) Debug(msg string, kv ...any) { l.log(LevelDebug, "", msg, kv) }

// Info records an info entry.
func (l *Logger) Info(msg string, kv ...any) { l.log(LevelInfo, "", msg, kv) }

// Warn records a warn entry.
func (l *Logger) Warn(msg string, kv ...any) { l.log(LevelWarn, "", msg, kv) }

// Error records an error entry.
func (l *Logger) Error(msg string, kv ...any) { l.log(LevelError, "", msg, kv) }

// EnterStep notes that a node started.
func (l *Logger) EnterStep(step string) {
	l.log(LevelInfo, step, "Entering step: "+step, []any{"step", step})
}

// ExitStep notes that a node finished with result.
func (l *Logger) ExitStep(step string, result any) {
	l.log(LevelInfo, step, "Exiting step: "+step, []any{"step", step, "result", result})
}

// StepDebug records a debug entry attributed to step.
func (l *Logger) StepDebug(step, msg string, kv ...any) { l.log(LevelDebug, step, msg, kv) }

// StepWarn records a warn entry attributed to step.
func (l *Logger) StepWarn(step, msg string, kv ...any) { l.log(LevelWarn, step, msg, kv) }

// StepError records an error entry attributed to step.
func (l *Logger) StepError(step, msg string, kv ...any) { l.log(LevelError, step, msg, kv) }

// AddTokens adds n to the token counter.
func (l *Logger) AddTokens(n int) {
	if l.isDetached() {
		return
	}
	l.mu.Lock()
	if l.record != nil {
		l.mu.Unlock()
		return
	}
	l.tokens += n
	total := l.tokens
	l.mu.Unlock()
	l.Debug(fmt.Sprintf("Added %d tokens", n), "added", n, "total", total)
}

// Logs returns a copy of the kept entries in emission order.
func (l *Logger) Logs() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.logs))
	for i, e := range l.logs {
		e.Metadata = maps.Clone(e.Metadata)
		out[i] = e
	}
	return out
}

// Complete finishes the run successfully and returns its record.
func (l *Logger) Complete(ctx context.Context, output any) Record {
	return l.finish(ctx, StatusCompleted, output, nil)
}

// Fail finishes the run with err and returns its record.
func (l *Logger) Fail(ctx context.Context, err error) Record {
	if err == nil {
		err = errors.New("execution failed")
	}
	return l.finish(ctx, StatusFailed, nil, err)
}

// finish is idempotent: only the first call builds the record and runs the callback.
func (l *Logger) finish(ctx context.Context, status Status, output any, cause error) Record {
	l.mu.Lock()
	if l.record != nil {
		rec := *l.record
		l.mu.Unlock()
		return rec
	}
	completedAt := l.opts.now()
	rec := Record{
		ID:          l.id,
		AgentType:   l.agentType,
		UserID:      l.userID,
		Input:       l.input,
		Output:      output,
		Status:      status,
		TokensUsed:  l.tokens,
		DurationMs:  completedAt.Sub(l.createdAt).Milliseconds(),
		CreatedAt:   l.createdAt,
		CompletedAt: completedAt,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	l.status = status
	l.record = &rec
	l.mu.Unlock()

	if status == StatusCompleted {
		l.emit(LevelInfo, "", "Execution completed", []any{"durationMs", rec.DurationMs, "tokensUsed", rec.TokensUsed}, true)
	} else {
		kv := []any{"error", rec.Error, "durationMs", rec.DurationMs}
		if f := failure.Normalize(cause); f != nil {
			kv = append(kv, "code", string(f.Code()))
			if stack := f.Stack(); stack != "" {
				kv = append(kv, "stack", stack)
			}
		}
		l.emit(LevelError, "", "Execution failed", kv, true)
	}

	l.persist(ctx, rec)
	return rec
}

func (l *Logger) persist(ctx context.Context, rec Record) {
	if l.opts.onComplete == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.sideChannel().ErrorContext(ctx, "execution record callback panicked",
				"execution_id", rec.ID, "panic", fmt.Sprint(r))
		}
	}()
	if err := l.opts.onComplete(ctx, rec); err != nil {
		l.sideChannel().ErrorContext(ctx, "failed to persist execution record",
			"execution_id", rec.ID, "error", err)
	}
}

func (l *Logger) sideChannel() *slog.Logger {
	if l.opts.mirror != nil {
		return l.opts.mirror
	}
	return slog.Default()
}

func (l *Logger) log(level Level, step, msg string, kv []any) {
	l.emit(level, step, msg, kv, false)
}

// emit keeps an entry. Only the closing entry written by finish may follow
// the record.
func (l *Logger) emit(level Level, step, msg string, kv []any, closing bool) {
	if level < l.opts.minLevel || l.isDetached() {
		return
	}
	e := Entry{
		Level:       level,
		Message:     msg,
		Timestamp:   l.opts.now(),
		ExecutionID: l.id,
		Step:        step,
		Metadata:    metadata(kv),
	}

	l.mu.Lock()
	if l.record != nil && !closing {
		l.mu.Unlock()
		return
	}
	l.logs = append(l.logs, e)
	l.mu.Unlock()

	if l.opts.mirror != nil {
		l.opts.mirror.Log(context.Background(), level.Slog(), msg, attrs(e)...)
	}
	if l.opts.onLog != nil {
		e.Metadata = maps.Clone(e.Metadata)
		l.opts.onLog(e)
	}
}

func metadata(kv []any) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	md := make(map[string]any, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = "!BADKEY"
		}
		if i+1 < len(kv) {
			md[key] = kv[i+1]
		} else {
			md["!BADKEY"] = kv[i]
		}
	}
	return md
}

func attrs(e Entry) []any {
	out := []any{slog.String("execution_id", e.ExecutionID)}
	if e.Step != "" {
		out = append(out, slog.String("step", e.Step))
	}
	for _, k := range slices.Sorted(maps.Keys(e.Metadata)) {
		out = append(out, slog.Any(k, e.Metadata[k]))
	}
	return out
}
