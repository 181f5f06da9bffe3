// Package script runs Lua node bodies.
//
// A script must define a global function exec(state) that returns a table,
// the node's partial state. Scripts run in a sandbox with the base, string,
// table, math and a trimmed os library, plus helpers that raise classified
// failures:
//
//	fail(code, message [, retryable])
//	llm_error(provider, message [, status])
//	rate_limited(message, retry_after_ms)
//	invalid(message [, field])
//	add_tokens(n)
//	log(message)
package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Shopify/go-lua"

	"github.com/agentstation/nodeguard"
	"github.com/agentstation/nodeguard/execlog"
	"github.com/agentstation/nodeguard/failure"
)

// Script is a compiled Lua node body.
type Script struct {
	Name   string
	Source string
}

// Compile checks that source parses and defines exec.
func Compile(name, source string) (*Script, error) {
	l := lua.NewState()
	openSandbox(l)
	registerHelpers(l, &call{})

	if err := lua.LoadString(l, source); err != nil {
		return nil, fmt.Errorf("script %s: syntax error: %w", name, err)
	}
	l.Pop(1)

	if err := lua.DoString(l, source); err != nil {
		return nil, fmt.Errorf("script %s: %w", name, err)
	}
	l.Global("exec")
	defer l.Pop(1)
	if l.TypeOf(-1) != lua.TypeFunction {
		return nil, fmt.Errorf("script %s: missing exec function", name)
	}
	return &Script{Name: name, Source: source}, nil
}

// Load reads and compiles the script at path.
func Load(name, path string) (*Script, error) {
	content, err := os.ReadFile(path) //nolint:gosec // path comes from the workflow file
	if err != nil {
		return nil, fmt.Errorf("script %s: %w", name, err)
	}
	return Compile(name, string(content))
}

// Node returns a definition that runs the script.
func (s *Script) Node(description string) nodeguard.NodeDefinition {
	return nodeguard.NodeDefinition{
		Name:        s.Name,
		Description: description,
		Execute:     s.Execute,
	}
}

// call carries per-attempt state shared with the Lua helpers.
type call struct {
	// raised is the last failure a helper raised and raisedText the Lua
	// error text it was raised with.
	raised     *failure.Error
	raisedText string
	logger     *execlog.Logger
	step       string
}

// Execute runs one attempt in a fresh Lua state. It implements nodeguard.NodeFunc.
func (s *Script) Execute(ctx context.Context, state nodeguard.State, cfg nodeguard.RunConfig) (nodeguard.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &call{logger: cfg.Logger, step: s.Name}
	l := lua.NewState()
	openSandbox(l)
	registerHelpers(l, c)

	if err := lua.DoString(l, s.Source); err != nil {
		return nil, c.failure(err)
	}

	l.Global("exec")
	if l.TypeOf(-1) != lua.TypeFunction {
		return nil, failure.NewState(fmt.Sprintf("script %s: missing exec function", s.Name), s.Name)
	}
	pushValue(l, state)

	start := time.Now()
	if err := l.ProtectedCall(1, 1, 0); err != nil {
		return nil, c.failure(err)
	}
	if c.logger != nil {
		c.logger.StepDebug(s.Name, "script finished", "durationMs", time.Since(start).Milliseconds())
	}

	switch l.TypeOf(-1) {
	case lua.TypeNil:
		return nil, nil
	case lua.TypeTable:
		out, ok := pullValue(l, -1).(map[string]any)
		if !ok {
			return nil, failure.NewValidation(fmt.Sprintf("script %s: exec must return a table with string keys", s.Name), "")
		}
		return nodeguard.State(out), nil
	default:
		return nil, failure.NewValidation(fmt.Sprintf("script %s: exec returned %s, want table", s.Name, typeName(l.TypeOf(-1))), "")
	}
}

// failure returns the helper failure when err is the error that helper
// raised, even if the script caught and rethrew it. Anything else, including
// errors that follow a failure caught by pcall, is normalised as is.
func (c *call) failure(err error) error {
	var rt lua.RuntimeError
	if c.raised != nil && errors.As(err, &rt) && string(rt) == c.raisedText {
		return c.raised
	}
	return failure.Normalize(err, "script "+c.step)
}

func (c *call) raise(l *lua.State, f *failure.Error) int {
	lua.Where(l, 1)
	l.PushString(f.Message())
	l.Concat(2)
	c.raised, c.raisedText = f, lua.CheckString(l, -1)
	l.Error()
	return 0
}

func registerHelpers(l *lua.State, c *call) {
	l.Register("fail", func(l *lua.State) int {
		code := failure.Code(lua.CheckString(l, 1))
		msg := lua.CheckString(l, 2)
		return c.raise(l, failure.New(code, msg, failure.WithRetryable(l.ToBoolean(3))))
	})
	l.Register("llm_error", func(l *lua.State) int {
		provider := lua.CheckString(l, 1)
		msg := lua.CheckString(l, 2)
		return c.raise(l, failure.NewLLM(provider, msg, lua.OptInteger(l, 3, 0)))
	})
	l.Register("rate_limited", func(l *lua.State) int {
		msg := lua.CheckString(l, 1)
		after := time.Duration(lua.OptInteger(l, 2, 0)) * time.Millisecond
		return c.raise(l, failure.NewRateLimit(msg, after))
	})
	l.Register("invalid", func(l *lua.State) int {
		msg := lua.CheckString(l, 1)
		return c.raise(l, failure.NewValidation(msg, lua.OptString(l, 2, "")))
	})
	l.Register("add_tokens", func(l *lua.State) int {
		n := lua.CheckInteger(l, 1)
		if c.logger != nil {
			c.logger.AddTokens(n)
		}
		return 0
	})
	l.Register("log", func(l *lua.State) int {
		msg := lua.CheckString(l, 1)
		if c.logger != nil {
			c.logger.StepDebug(c.step, msg)
		}
		return 0
	})
}

func typeName(t lua.Type) string {
	switch t {
	case lua.TypeBoolean:
		return "boolean"
	case lua.TypeNumber:
		return "number"
	case lua.TypeString:
		return "string"
	case lua.TypeFunction:
		return "function"
	default:
		return "value"
	}
}
