package execlog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Level is the severity of a log entry.
type Level int

// Severity levels, ordered.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Slog maps the level onto the slog scale.
func (l Level) Slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLevel parses a level name. Matching is case-insensitive and
// "warning" is accepted for LevelWarn.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("execlog: unknown level %q", s)
}

// Entry is one line of an execution's log history.
type Entry struct {
	Level       Level          `json:"level"`
	Message     string         `json:"message"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID string         `json:"executionId"`
	Step        string         `json:"step,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Status is the lifecycle state of an execution.
type Status string

// Execution statuses.
const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is the immutable summary produced when an execution finishes.
type Record struct {
	ID          string    `json:"id"`
	AgentType   string    `json:"agentType"`
	UserID      string    `json:"userId"`
	Input       any       `json:"input"`
	Output      any       `json:"output,omitempty"`
	Status      Status    `json:"status"`
	TokensUsed  int       `json:"tokensUsed"`
	DurationMs  int64     `json:"durationMs"`
	CreatedAt   time.Time `json:"createdAt"`
	CompletedAt time.Time `json:"completedAt"`
	Error       string    `json:"error,omitempty"`
}

// Duration returns DurationMs as a time.Duration.
func (r Record) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}

// CompleteFunc persists a finished execution record.
type CompleteFunc func(ctx context.Context, rec Record) error
