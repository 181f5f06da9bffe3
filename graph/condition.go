package graph

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/agentstation/nodeguard"
)

type celEnv struct {
	env *cel.Env
}

func newEnv() (*celEnv, error) {
	env, err := cel.NewEnv(
		cel.Variable("state", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("graph: create expression environment: %w", err)
	}
	return &celEnv{env: env}, nil
}

type condition struct {
	prg cel.Program
}

func (e *celEnv) compile(expr string) (*condition, error) {
	ast, iss := e.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile condition %q: %w", expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("condition %q must be boolean, got %s", expr, ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program condition %q: %w", expr, err)
	}
	return &condition{prg: prg}, nil
}

func (c *condition) eval(s nodeguard.State) (bool, error) {
	out, _, err := c.prg.Eval(map[string]any{"state": map[string]any(s)})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition returned %T, want bool", out.Value())
	}
	return b, nil
}
